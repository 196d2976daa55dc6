package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobState]map[JobState]bool{
	JobStateCreating: {
		JobStateQueued:   true, // Creating → Queued (inputs persisted)
		JobStateFailed:   true, // Creating → Failed (provisioning error)
		JobStateCanceled: true, // Creating → Canceled (user cancels before queue)
	},
	JobStateQueued: {
		JobStateRunning:  true, // Queued → Running (worker claims job)
		JobStateFailed:   true, // Queued → Failed (claim validation failed)
		JobStateCanceled: true, // Queued → Canceled (removed from queue)
	},
	JobStateRunning: {
		JobStateCompleted: true, // Running → Completed (execution finished)
		JobStateFailed:    true, // Running → Failed (execution error/timeout)
		JobStateCanceled:  true, // Running → Canceled (cooperative cancel)
	},
	// Terminal states (no transitions allowed)
	JobStateCompleted: {},
	JobStateFailed:    {},
	JobStateCanceled:  {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobState) bool {
	return state == JobStateCompleted || state == JobStateFailed || state == JobStateCanceled
}

// IsActiveState returns true if the job still holds an admission slot
func IsActiveState(state JobState) bool {
	return state == JobStateCreating || state == JobStateQueued || state == JobStateRunning
}

// ParseState validates a state string from an external source
func ParseState(s string) (JobState, error) {
	state := JobState(s)
	switch state {
	case JobStateCreating, JobStateQueued, JobStateRunning,
		JobStateCompleted, JobStateFailed, JobStateCanceled:
		return state, nil
	}
	return "", fmt.Errorf("unknown job state: %q", s)
}
