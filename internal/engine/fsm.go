// Package engine runs workflow executions: the coordinator owns the
// execution lifecycle and the step executor runs individual steps.
package engine

import (
	"github.com/rendis/maestro/pkg/schema"
)

// executionTransitions is the execution lifecycle state machine. Terminal
// states have no outgoing transitions.
var executionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusPaused,
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusPaused: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
}

// stepTransitions is the step attempt state machine.
var stepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusRunning,
		schema.StepStatusSkipped,
	},
	schema.StepStatusRunning: {
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
		schema.StepStatusRetrying,
	},
	schema.StepStatusRetrying: {
		schema.StepStatusRunning,
		schema.StepStatusFailed,
	},
}

// CanTransitionExecution reports whether from -> to is a legal execution
// transition.
func CanTransitionExecution(from, to schema.ExecutionStatus) bool {
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateExecutionTransition returns an INVALID_TRANSITION error when
// from -> to is not allowed.
func ValidateExecutionTransition(from, to schema.ExecutionStatus) error {
	if !CanTransitionExecution(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot transition execution from %s to %s", from, to)
	}
	return nil
}

// CanTransitionStep reports whether from -> to is a legal step transition.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
