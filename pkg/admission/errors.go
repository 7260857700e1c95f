package admission

import (
	"errors"
	"fmt"
)

// ErrMaintenanceMode is returned while new sessions are globally paused
var ErrMaintenanceMode = errors.New("system is in maintenance mode")

// Limit scopes
const (
	ScopeUser     = "user"
	ScopeGlobal   = "global"
	ScopeScenario = "scenario"
)

// Limit keys
const (
	LimitRateHourly         = "rate_hourly"
	LimitRateDaily          = "rate_daily"
	LimitRateConcurrent     = "rate_concurrent"
	LimitScenarioAccess     = "scenario_access"
	LimitConcurrentUser     = "concurrent_user"
	LimitConcurrentGlobal   = "concurrent_global"
	LimitConcurrentScenario = "concurrent_scenario"
)

// NotRegisteredError is returned when an event-bound request comes from an unregistered user
type NotRegisteredError struct {
	EventID string
	UserID  string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("user %s is not registered for event %s", e.UserID, e.EventID)
}

// CapacityExceededError is returned when the platform-wide session ceiling is reached
type CapacityExceededError struct {
	Allowed int
	Current int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("platform capacity reached: %d of %d sessions active", e.Current, e.Allowed)
}

// LimitExceededError is returned when a rate or concurrency ceiling is reached
type LimitExceededError struct {
	LimitKey string
	Allowed  int
	Current  int
	Scope    string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded (%s scope): %d of %d", e.LimitKey, e.Scope, e.Current, e.Allowed)
}

// ActiveSessionExistsError is returned when the user already has an active
// session for the requested scenario and must reuse it
type ActiveSessionExistsError struct {
	SessionID string
}

func (e *ActiveSessionExistsError) Error() string {
	return fmt.Sprintf("an active session already exists for this scenario: %s", e.SessionID)
}

// BudgetExceededError reports a budget projection at or over a limit
type BudgetExceededError struct {
	CurrentMonthCost     float64
	ProjectedSessionCost float64
	SoftLimit            float64
	HardLimit            float64
	IsHardBlock          bool
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("monthly budget exceeded: %.2f spent + %.2f projected >= %.2f",
		e.CurrentMonthCost, e.ProjectedSessionCost, e.HardLimit)
}
