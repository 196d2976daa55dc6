package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransitions(t *testing.T) {
	cases := []struct {
		from, to JobState
		ok       bool
	}{
		{JobStateCreating, JobStateQueued, true},
		{JobStateCreating, JobStateFailed, true},
		{JobStateCreating, JobStateCanceled, true},
		{JobStateQueued, JobStateRunning, true},
		{JobStateQueued, JobStateCanceled, true},
		{JobStateRunning, JobStateCompleted, true},
		{JobStateRunning, JobStateFailed, true},
		{JobStateRunning, JobStateCanceled, true},

		// Illegal edges.
		{JobStateCreating, JobStateRunning, false},
		{JobStateCreating, JobStateCompleted, false},
		{JobStateQueued, JobStateCompleted, false},
		{JobStateCompleted, JobStateRunning, false},
		{JobStateCompleted, JobStateFailed, false},
		{JobStateFailed, JobStateQueued, false},
		{JobStateCanceled, JobStateRunning, false},
		{JobStateRunning, JobStateQueued, false},
	}

	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s should be legal", tc.from, tc.to)
		} else {
			assert.Error(t, err, "%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesAbsorbing(t *testing.T) {
	terminals := []JobState{JobStateCompleted, JobStateFailed, JobStateCanceled}
	all := []JobState{
		JobStateCreating, JobStateQueued, JobStateRunning,
		JobStateCompleted, JobStateFailed, JobStateCanceled,
	}
	for _, from := range terminals {
		require.True(t, IsTerminalState(from))
		for _, to := range all {
			assert.Error(t, ValidateTransition(from, to),
				"terminal state %s must not transition to %s", from, to)
		}
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState("running")
	require.NoError(t, err)
	assert.Equal(t, JobStateRunning, s)

	_, err = ParseState("paused")
	assert.Error(t, err)
}
