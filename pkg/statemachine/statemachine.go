// Package statemachine validates session lifecycle transitions.
package statemachine

import (
	"fmt"

	"github.com/sciffer/labrange/pkg/models"
)

// Action names an edge in the session lifecycle
type Action string

const (
	ActionStart             Action = "start"
	ActionProvisionComplete Action = "provision_complete"
	ActionProvisionFailed   Action = "provision_failed"
	ActionPause             Action = "pause"
	ActionResume            Action = "resume"
	ActionStop              Action = "stop"
	ActionStopped           Action = "stopped"
	ActionTimeout           Action = "timeout"
	ActionRuntimeError      Action = "runtime_error"
	ActionCleanup           Action = "cleanup"
)

type edge struct {
	from   models.SessionStatus
	action Action
}

var transitions = map[edge]models.SessionStatus{
	{models.StatusCreated, ActionStart}:              models.StatusStarting,
	{models.StatusStarting, ActionProvisionComplete}: models.StatusRunning,
	{models.StatusStarting, ActionProvisionFailed}:   models.StatusError,
	{models.StatusRunning, ActionPause}:              models.StatusPaused,
	{models.StatusRunning, ActionStop}:               models.StatusStopping,
	{models.StatusRunning, ActionTimeout}:            models.StatusTerminated,
	{models.StatusRunning, ActionRuntimeError}:       models.StatusError,
	{models.StatusPaused, ActionResume}:              models.StatusRunning,
	{models.StatusPaused, ActionTimeout}:             models.StatusTerminated,
	{models.StatusPaused, ActionStop}:                models.StatusStopping,
	{models.StatusStopping, ActionStopped}:           models.StatusTerminated,
	{models.StatusError, ActionCleanup}:              models.StatusTerminated,
}

// InvalidTransitionError is returned for any (from, to, action) triple outside the table
type InvalidTransitionError struct {
	From   models.SessionStatus
	To     models.SessionStatus
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q via %q", e.From, e.To, e.Action)
}

// IsTerminal reports whether no further transitions leave s
func IsTerminal(s models.SessionStatus) bool {
	return s == models.StatusTerminated
}

// Next returns the state reached from `from` via action.
func Next(from models.SessionStatus, action Action) (models.SessionStatus, error) {
	to, ok := transitions[edge{from, action}]
	if !ok {
		return from, &InvalidTransitionError{From: from, Action: action}
	}
	return to, nil
}

// Validate checks a requested transition. Staying in the same state is always allowed.
func Validate(from, to models.SessionStatus, action Action) error {
	if from == to {
		return nil
	}
	next, ok := transitions[edge{from, action}]
	if !ok || next != to {
		return &InvalidTransitionError{From: from, To: to, Action: action}
	}
	return nil
}

// Apply moves the session to `to` when the transition is valid and leaves it
// untouched otherwise.
func Apply(session *models.EnvironmentSession, to models.SessionStatus, action Action) error {
	if err := Validate(session.Status, to, action); err != nil {
		return err
	}
	session.Status = to
	return nil
}

// PathToTerminated returns the actions that walk `from` to terminated along valid
// edges. viaTimeout prefers the direct timeout edge where one exists.
func PathToTerminated(from models.SessionStatus, viaTimeout bool) []Action {
	switch from {
	case models.StatusTerminated:
		return nil
	case models.StatusCreated:
		return []Action{ActionStart, ActionProvisionFailed, ActionCleanup}
	case models.StatusStarting:
		return []Action{ActionProvisionFailed, ActionCleanup}
	case models.StatusRunning, models.StatusPaused:
		if viaTimeout {
			return []Action{ActionTimeout}
		}
		return []Action{ActionStop, ActionStopped}
	case models.StatusStopping:
		return []Action{ActionStopped}
	case models.StatusError:
		return []Action{ActionCleanup}
	}
	return nil
}

// Walk validates a sequence of actions from `from` and returns the final state.
func Walk(from models.SessionStatus, actions []Action) (models.SessionStatus, error) {
	cur := from
	for _, a := range actions {
		next, err := Next(cur, a)
		if err != nil {
			return from, err
		}
		cur = next
	}
	return cur, nil
}
