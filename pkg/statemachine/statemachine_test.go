package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciffer/labrange/pkg/models"
)

var allStates = []models.SessionStatus{
	models.StatusCreated, models.StatusStarting, models.StatusRunning, models.StatusPaused,
	models.StatusStopping, models.StatusTerminated, models.StatusError,
}

var allActions = []Action{
	ActionStart, ActionProvisionComplete, ActionProvisionFailed, ActionPause, ActionResume,
	ActionStop, ActionStopped, ActionTimeout, ActionRuntimeError, ActionCleanup,
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from   models.SessionStatus
		action Action
		to     models.SessionStatus
	}{
		{models.StatusCreated, ActionStart, models.StatusStarting},
		{models.StatusStarting, ActionProvisionComplete, models.StatusRunning},
		{models.StatusStarting, ActionProvisionFailed, models.StatusError},
		{models.StatusRunning, ActionPause, models.StatusPaused},
		{models.StatusRunning, ActionStop, models.StatusStopping},
		{models.StatusRunning, ActionTimeout, models.StatusTerminated},
		{models.StatusRunning, ActionRuntimeError, models.StatusError},
		{models.StatusPaused, ActionResume, models.StatusRunning},
		{models.StatusPaused, ActionTimeout, models.StatusTerminated},
		{models.StatusPaused, ActionStop, models.StatusStopping},
		{models.StatusStopping, ActionStopped, models.StatusTerminated},
		{models.StatusError, ActionCleanup, models.StatusTerminated},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			next, err := Next(tt.from, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.to, next)
			assert.NoError(t, Validate(tt.from, tt.to, tt.action))
		})
	}
}

func TestOnlyTableEdgesAreAccepted(t *testing.T) {
	valid := 0
	for _, from := range allStates {
		for _, action := range allActions {
			for _, to := range allStates {
				err := Validate(from, to, action)
				if from == to {
					assert.NoError(t, err, "same-state request must be a no-op")
					continue
				}
				next, known := transitions[edge{from, action}]
				if known && next == to {
					assert.NoError(t, err)
					valid++
					continue
				}
				var invalid *InvalidTransitionError
				require.True(t, errors.As(err, &invalid), "%s -%s-> %s should be rejected", from, action, to)
				assert.Equal(t, from, invalid.From)
				assert.Equal(t, to, invalid.To)
				assert.Equal(t, action, invalid.Action)
			}
		}
	}
	assert.Equal(t, 12, valid)
}

func TestApplyDoesNotMutateOnInvalidTransition(t *testing.T) {
	s := &models.EnvironmentSession{Status: models.StatusCreated}

	err := Apply(s, models.StatusRunning, ActionProvisionComplete)
	require.Error(t, err)
	assert.Equal(t, models.StatusCreated, s.Status)

	require.NoError(t, Apply(s, models.StatusStarting, ActionStart))
	assert.Equal(t, models.StatusStarting, s.Status)
}

func TestTerminatedIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(models.StatusTerminated))
	for _, action := range allActions {
		_, err := Next(models.StatusTerminated, action)
		assert.Error(t, err)
	}
}

func TestPathToTerminatedFollowsValidEdges(t *testing.T) {
	for _, from := range allStates {
		for _, viaTimeout := range []bool{false, true} {
			end, err := Walk(from, PathToTerminated(from, viaTimeout))
			require.NoError(t, err, "from %s", from)
			assert.Equal(t, models.StatusTerminated, end, "from %s", from)
		}
	}

	assert.Equal(t, []Action{ActionTimeout}, PathToTerminated(models.StatusRunning, true))
	assert.Equal(t, []Action{ActionStop, ActionStopped}, PathToTerminated(models.StatusPaused, false))
}
