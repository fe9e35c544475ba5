package config

import "github.com/seantiz/crucible/internal/model"

// DefaultPolicies returns the built-in checkpoint policy table. Operation
// types absent from the table never checkpoint.
func DefaultPolicies() map[model.OperationType]model.CheckpointPolicy {
	return map[model.OperationType]model.CheckpointPolicy{
		model.TypeTraining: {
			CheckpointIntervalSeconds: 300,
			ForceCheckpointEveryN:     5,
			CheckpointOnFailure:       true,
			CheckpointOnCancellation:  true,
			DeleteOnCompletion:        true,
		},
		model.TypeBacktesting: {
			CheckpointIntervalSeconds: 120,
			ForceCheckpointEveryN:     5000,
			CheckpointOnFailure:       true,
			CheckpointOnCancellation:  true,
			DeleteOnCompletion:        true,
		},
		model.TypeAgentResearch: {
			CheckpointOnFailure:      true,
			CheckpointOnCancellation: true,
			DeleteOnCompletion:       true,
		},
		model.TypeDataLoad: {
			CheckpointOnCancellation: true,
			DeleteOnCompletion:       true,
		},
	}
}
