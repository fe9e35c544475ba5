package model

import "time"

// OperationType identifies the kind of work an operation tracks.
type OperationType string

// Operation type constants.
const (
	TypeDataLoad        OperationType = "data_load"
	TypeTraining        OperationType = "training"
	TypeBacktesting     OperationType = "backtesting"
	TypeAgentResearch   OperationType = "agent_research"
	TypeAgentDesign     OperationType = "agent_design"
	TypeAgentAssessment OperationType = "agent_assessment"
)

// KnownOperationTypes lists every operation type the control plane accepts.
var KnownOperationTypes = []OperationType{
	TypeDataLoad,
	TypeTraining,
	TypeBacktesting,
	TypeAgentResearch,
	TypeAgentDesign,
	TypeAgentAssessment,
}

// ValidOperationType reports whether t is a known operation type.
func ValidOperationType(t OperationType) bool {
	for _, k := range KnownOperationTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Status is the lifecycle status of an operation.
type Status string

// Operation status constants.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Cancelled and failed operations may be resumed back into running.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusRunning: true,
	},
	StatusCancelled: {
		StatusRunning: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Resumable reports whether an operation in status s may be resumed.
func (s Status) Resumable() bool {
	return s == StatusCancelled || s == StatusFailed
}

// Progress describes how far an operation has advanced.
type Progress struct {
	Percentage     float64 `json:"percentage"`
	CurrentStep    string  `json:"current_step,omitempty"`
	StepsCompleted int     `json:"steps_completed"`
	StepsTotal     int     `json:"steps_total"`
	ItemsProcessed int     `json:"items_processed"`
	ItemsTotal     int     `json:"items_total"`
}

// Operation is a tracked unit of long-running work.
//
// Operations are owned by the lifecycle service; callers receive copies and
// must go through the service to change anything.
type Operation struct {
	ID                string         `json:"operation_id"`
	Type              OperationType  `json:"operation_type"`
	Status            Status         `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Progress          Progress       `json:"progress"`
	Metadata          map[string]any `json:"metadata"`
	ParentOperationID string         `json:"parent_operation_id,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	Errors            []string       `json:"errors,omitempty"`
	ResultSummary     map[string]any `json:"result_summary,omitempty"`
	Metrics           Metrics        `json:"metrics"`
}

// Clone returns a deep copy of the operation.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	c.StartedAt = cloneTime(o.StartedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	c.Metadata = CloneMap(o.Metadata)
	c.ResultSummary = CloneMap(o.ResultSummary)
	c.Warnings = append([]string(nil), o.Warnings...)
	c.Errors = append([]string(nil), o.Errors...)
	c.Metrics = o.Metrics.Clone()
	return &c
}

// MetadataString returns the string stored under key, or "".
func (o *Operation) MetadataString(key string) string {
	if o == nil || o.Metadata == nil {
		return ""
	}
	s, _ := o.Metadata[key].(string)
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case MetricPoint:
		return MetricPoint(CloneMap(t))
	default:
		return v
	}
}
