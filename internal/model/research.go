package model

// Phase is a step of the research state machine.
type Phase string

// Research phase constants.
const (
	PhaseIdle        Phase = "idle"
	PhaseDesigning   Phase = "designing"
	PhaseTraining    Phase = "training"
	PhaseBacktesting Phase = "backtesting"
	PhaseAssessing   Phase = "assessing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhaseCancelled   Phase = "cancelled"
)

// Terminal reports whether p ends the research.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// ChildKey returns the metadata key holding the child operation id of phase p.
func (p Phase) ChildKey() string {
	switch p {
	case PhaseDesigning:
		return MetaDesignOpID
	case PhaseTraining:
		return MetaTrainingOpID
	case PhaseBacktesting:
		return MetaBacktestOpID
	case PhaseAssessing:
		return MetaAssessmentOpID
	default:
		return ""
	}
}

// InProcess reports whether the phase's child runs inside the backend
// process rather than on a worker.
func (p Phase) InProcess() bool {
	return p == PhaseDesigning || p == PhaseAssessing
}

// Metadata keys used by research operations and their children.
const (
	MetaPhase               = "phase"
	MetaPhaseStartTime      = "phase_start_time"
	MetaDesignOpID          = "design_op_id"
	MetaTrainingOpID        = "training_op_id"
	MetaBacktestOpID        = "backtest_op_id"
	MetaAssessmentOpID      = "assessment_op_id"
	MetaDesignResult        = "design_result"
	MetaTrainingResult      = "training_result"
	MetaBacktestResult      = "backtest_result"
	MetaGateRejectionReason = "gate_rejection_reason"
	MetaStrategyPath        = "strategy_path"

	// Set on worker-dispatched operations so bindings survive a restart.
	MetaWorkerID        = "worker_id"
	MetaWorkerEndpoint  = "worker_endpoint"
	MetaHostOperationID = "host_operation_id"

	// MetaHostMetricsCursor persists the metrics cursor of a worker binding.
	MetaHostMetricsCursor = "host_metrics_cursor"

	// MetaRetryOf links a retried operation to the one it replaces.
	MetaRetryOf = "retry_of"
)
