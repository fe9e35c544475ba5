package model

import "time"

// CheckpointType records what triggered a checkpoint.
type CheckpointType string

// Checkpoint type constants.
const (
	CheckpointPeriodic     CheckpointType = "periodic"
	CheckpointCancellation CheckpointType = "cancellation"
	CheckpointFailure      CheckpointType = "failure"
)

// Checkpoint is a small persisted snapshot of an operation's resumable state.
// Binary artifacts stay on shared storage; ArtifactsPath only points at them.
type Checkpoint struct {
	ID            string         `json:"checkpoint_id"`
	OperationID   string         `json:"operation_id"`
	Type          CheckpointType `json:"checkpoint_type"`
	CreatedAt     time.Time      `json:"created_at"`
	State         map[string]any `json:"state"`
	ArtifactsPath string         `json:"artifacts_path,omitempty"`
}

// Epoch returns the epoch index recorded in the checkpoint state, if any.
func (c *Checkpoint) Epoch() (int, bool) {
	if c == nil || c.State == nil {
		return 0, false
	}
	for _, key := range []string{"epoch", "current_epoch"} {
		if v, ok := Float(c.State[key]); ok {
			return int(v), true
		}
	}
	if ts, ok := c.State["training_state"].(map[string]any); ok {
		if v, ok := Float(ts["epoch"]); ok {
			return int(v), true
		}
	}
	return 0, false
}

// CheckpointPolicy configures when checkpoints are taken for one operation type.
type CheckpointPolicy struct {
	CheckpointIntervalSeconds int  `json:"checkpoint_interval_seconds" yaml:"checkpoint_interval_seconds" toml:"checkpoint_interval_seconds"`
	ForceCheckpointEveryN     int  `json:"force_checkpoint_every_n" yaml:"force_checkpoint_every_n" toml:"force_checkpoint_every_n"`
	CheckpointOnFailure       bool `json:"checkpoint_on_failure" yaml:"checkpoint_on_failure" toml:"checkpoint_on_failure"`
	CheckpointOnCancellation  bool `json:"checkpoint_on_cancellation" yaml:"checkpoint_on_cancellation" toml:"checkpoint_on_cancellation"`
	DeleteOnCompletion        bool `json:"delete_on_completion" yaml:"delete_on_completion" toml:"delete_on_completion"`
}

// Triggers reports whether the policy enables checkpoints of type t.
// Periodic checkpoints are enabled when either periodic trigger is set.
func (p CheckpointPolicy) Triggers(t CheckpointType) bool {
	switch t {
	case CheckpointFailure:
		return p.CheckpointOnFailure
	case CheckpointCancellation:
		return p.CheckpointOnCancellation
	case CheckpointPeriodic:
		return p.CheckpointIntervalSeconds > 0 || p.ForceCheckpointEveryN > 0
	default:
		return false
	}
}
