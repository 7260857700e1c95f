package models

import "time"

// SessionStatus is a lifecycle state of an environment session
type SessionStatus string

const (
	StatusCreated    SessionStatus = "created"
	StatusStarting   SessionStatus = "starting"
	StatusRunning    SessionStatus = "running"
	StatusPaused     SessionStatus = "paused"
	StatusStopping   SessionStatus = "stopping"
	StatusTerminated SessionStatus = "terminated"
	StatusError      SessionStatus = "error"
)

// ActiveStatuses are the states that consume capacity and limit headroom
var ActiveStatuses = []SessionStatus{StatusStarting, StatusRunning}

// IsActive reports whether the status counts as an active session
func (s SessionStatus) IsActive() bool {
	return s == StatusStarting || s == StatusRunning
}

// ResourceProfile is the size class of a session's machines
type ResourceProfile string

const (
	ProfileMicro  ResourceProfile = "micro"
	ProfileSmall  ResourceProfile = "small"
	ProfileMedium ResourceProfile = "medium"
	ProfileLarge  ResourceProfile = "large"
)

// Profiles lists every resource profile in ascending size
var Profiles = []ResourceProfile{ProfileMicro, ProfileSmall, ProfileMedium, ProfileLarge}

// Valid reports whether p is a known profile
func (p ResourceProfile) Valid() bool {
	switch p {
	case ProfileMicro, ProfileSmall, ProfileMedium, ProfileLarge:
		return true
	}
	return false
}

// EnvironmentSession is one exercise instance for one user
type EnvironmentSession struct {
	ID                string                 `json:"id"`
	UserID            string                 `json:"user_id"`
	ScenarioVersionID string                 `json:"scenario_version_id"`
	EventID           string                 `json:"event_id,omitempty"`
	TeamID            string                 `json:"team_id,omitempty"`
	Status            SessionStatus          `json:"status"`
	ResourceProfile   ResourceProfile        `json:"resource_profile"`
	MachineCount      int                    `json:"machine_count"`
	IsTest            bool                   `json:"is_test"`
	TTLMinutes        int                    `json:"ttl_minutes"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	ExpiresAt         *time.Time             `json:"expires_at,omitempty"`
	StoppedAt         *time.Time             `json:"stopped_at,omitempty"`
	ReasonStopped     string                 `json:"reason_stopped,omitempty"`
	AccumulatedCost   float64                `json:"accumulated_cost"`
	SoftLimitWarned   bool                   `json:"soft_limit_warned"`
	ClientIP          string                 `json:"client_ip,omitempty"`
	ClientUserAgent   string                 `json:"client_user_agent,omitempty"`
	LastActivityAt    time.Time              `json:"last_activity_at"`
	AccessTokenDigest string                 `json:"-"`
	Score             int                    `json:"score"`
	Answers           map[string]string      `json:"answers,omitempty"`
	Topology          []NetworkTopologyEntry `json:"topology,omitempty"`
	Events            []SessionEvent         `json:"events,omitempty"`
}

// IsEventBound reports whether the session belongs to an event
func (s *EnvironmentSession) IsEventBound() bool {
	return s.EventID != ""
}

// SessionEvent is a lifecycle or reconciliation event recorded against a session
type SessionEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StartOptions are the caller-supplied parameters of a start request
type StartOptions struct {
	EventID         string `json:"event_id,omitempty"`
	TeamID          string `json:"team_id,omitempty"`
	TTLMinutes      int    `json:"ttl_minutes,omitempty"`
	IsTest          bool   `json:"is_test,omitempty"`
	ClientIP        string `json:"client_ip,omitempty"`
	ClientUserAgent string `json:"client_user_agent,omitempty"`
}

// StartResult is returned by a successful start
type StartResult struct {
	SessionID         string        `json:"session_id"`
	Status            SessionStatus `json:"status"`
	AccessToken       string        `json:"access_token"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty"`
	SoftBudgetWarning bool          `json:"soft_budget_warning"`
}

// ErrorResponse is a standard error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Code    int                    `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse is the response for health checks
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Database        bool   `json:"database"`
	MaintenanceMode bool   `json:"maintenance_mode"`
}

// Session event types
const (
	EventCreated            = "created"
	EventStatusChanged      = "status_changed"
	EventReclassified       = "reclassified"
	EventProvisioningFailed = "provisioning_failed"
	EventTerminated         = "terminated"
	EventTeardownFailed     = "teardown_failed"
	EventTeardownCompleted  = "teardown_completed"
)
