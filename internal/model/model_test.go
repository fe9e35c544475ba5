package model

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewOperationIDFormat(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	id := NewOperationID(TypeTraining, now)
	if !strings.HasPrefix(id, "op_training_20260304_050607_") {
		t.Errorf("NewOperationID() = %q, want op_training_20260304_050607_ prefix", id)
	}
}

func TestNewOperationIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		id := NewOperationID(TypeBacktesting, now)
		if seen[id] {
			t.Fatalf("NewOperationID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCancelled, StatusRunning, true},
		{StatusFailed, StatusRunning, true},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		typ  OperationType
		want MetricBucket
	}{
		{TypeTraining, BucketEpochs},
		{TypeBacktesting, BucketBars},
		{TypeDataLoad, BucketSegments},
		{TypeAgentDesign, BucketHistory},
		{OperationType("unknown"), BucketHistory},
	}
	for _, tt := range tests {
		if got := BucketFor(tt.typ); got != tt.want {
			t.Errorf("BucketFor(%s) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMetricsSince(t *testing.T) {
	var m Metrics
	m.Append(BucketEpochs, MetricPoint{"epoch": 0}, MetricPoint{"epoch": 1}, MetricPoint{"epoch": 2})

	pts, next := m.Since(BucketEpochs, 1)
	if len(pts) != 2 || next != 3 {
		t.Fatalf("Since(1) = %d points, cursor %d; want 2, 3", len(pts), next)
	}
	pts, next = m.Since(BucketEpochs, 3)
	if len(pts) != 0 || next != 3 {
		t.Errorf("Since(3) = %d points, cursor %d; want 0, 3", len(pts), next)
	}
}

func TestOperationCloneIsDeep(t *testing.T) {
	op := &Operation{
		ID:       "op_1",
		Metadata: map[string]any{"nested": map[string]any{"k": "v"}},
	}
	op.Metrics.Append(BucketEpochs, MetricPoint{"train_loss": 1.0})

	c := op.Clone()
	c.Metadata["nested"].(map[string]any)["k"] = "changed"
	c.Metrics.Epochs[0]["train_loss"] = 2.0

	if op.Metadata["nested"].(map[string]any)["k"] != "v" {
		t.Error("Clone shares nested metadata with original")
	}
	if op.Metrics.Epochs[0]["train_loss"] != 1.0 {
		t.Error("Clone shares metric points with original")
	}
}

func TestCheckpointEpoch(t *testing.T) {
	cp := &Checkpoint{State: map[string]any{"training_state": map[string]any{"epoch": float64(7)}}}
	if e, ok := cp.Epoch(); !ok || e != 7 {
		t.Errorf("Epoch() = %d, %v; want 7, true", e, ok)
	}
	if _, ok := (&Checkpoint{}).Epoch(); ok {
		t.Error("Epoch() on empty state should report false")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	nf := fmt.Errorf("wrap: %w", &NotFoundError{Kind: "operation", ID: "x"})
	if !errors.Is(nf, ErrNotFound) {
		t.Error("NotFoundError should match ErrNotFound")
	}

	is := &InvalidStateError{OperationID: "x", From: StatusCompleted, To: StatusCancelled}
	if !errors.Is(is, ErrInvalidState) {
		t.Error("InvalidStateError should match ErrInvalidState")
	}
	if !strings.Contains(is.Error(), "completed -> cancelled") {
		t.Errorf("InvalidStateError message %q missing from/to pair", is.Error())
	}

	timeout := &ConnectionError{URL: "http://w", Err: context.DeadlineExceeded}
	if !errors.Is(timeout, ErrTimeout) || errors.Is(timeout, ErrConnection) {
		t.Error("deadline ConnectionError should match ErrTimeout only")
	}

	gate := &GateError{Gate: "training", Reason: "accuracy too low"}
	if !IsGateError(gate) || errors.Is(gate, ErrWorker) {
		t.Error("GateError must not be treated as a worker error")
	}
	if IsGateError(&WorkerError{Phase: PhaseTraining, Err: errors.New("boom")}) {
		t.Error("WorkerError must not be treated as a gate error")
	}
}
