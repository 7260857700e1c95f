package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/jobs"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/validator"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Sessions is the environment lifecycle surface
type Sessions interface {
	StartEnvironment(ctx context.Context, scenarioVersionID, userID string, opts models.StartOptions) (*models.StartResult, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*models.EnvironmentSession, error)
	TerminateEnvironment(ctx context.Context, sessionID, reason string) error
	TouchSession(ctx context.Context, sessionID string) error
	PauseEnvironment(ctx context.Context, sessionID string) error
	ResumeEnvironment(ctx context.Context, sessionID string) error
	VerifyAccess(ctx context.Context, sessionID, userID, clientIP, accessToken string) error
	SetMaintenanceMode(ctx context.Context, on bool) error
}

// Budget exposes the cost report and the monthly limit override
type Budget interface {
	Report(ctx context.Context) (*models.CostReport, error)
	IncreaseBudget(ctx context.Context, newLimit float64) error
}

// Jobs is the job queue surface
type Jobs interface {
	Enqueue(ctx context.Context, jobType jobs.Type, payload interface{}) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
}

// Submissions starts the scenario submission pipeline
type Submissions interface {
	Submit(ctx context.Context, scenarioVersionID, submittedBy string) (*models.Job, error)
}

// Health reports store reachability and the maintenance toggle
type Health interface {
	PingContext(ctx context.Context) error
	MaintenanceMode(ctx context.Context, def bool) (bool, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions    Sessions
	budget      Budget
	jobs        Jobs
	submissions Submissions
	health      Health
	maintenance bool
	upgrader    websocket.Upgrader
	// watchInterval is how often watched sessions are refreshed
	watchInterval time.Duration
	logger        *logger.Logger
}

// Dependencies groups the services behind the HTTP surface
type Dependencies struct {
	Sessions    Sessions
	Budget      Budget
	Jobs        Jobs
	Submissions Submissions
	Health      Health
	// MaintenanceDefault is reported when no maintenance toggle is persisted
	MaintenanceDefault bool
	// AllowedOrigins restricts session watch connections; empty allows all
	AllowedOrigins []string
	WatchInterval  time.Duration
	Logger         *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(deps Dependencies) *Handler {
	interval := deps.WatchInterval
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &Handler{
		sessions:      deps.Sessions,
		budget:        deps.Budget,
		jobs:          deps.Jobs,
		submissions:   deps.Submissions,
		health:        deps.Health,
		maintenance:   deps.MaintenanceDefault,
		upgrader:      NewUpgrader(deps.AllowedOrigins),
		watchInterval: interval,
		logger:        deps.Logger,
	}
}

// StartSessionRequest is the body of POST /sessions
type StartSessionRequest struct {
	ScenarioVersionID string `json:"scenario_version_id"`
	EventID           string `json:"event_id,omitempty"`
	TeamID            string `json:"team_id,omitempty"`
	TTLMinutes        int    `json:"ttl_minutes,omitempty"`
	IsTest            bool   `json:"is_test,omitempty"`
}

// TerminateSessionRequest is the optional body of DELETE /sessions/{id}
type TerminateSessionRequest struct {
	Reason string `json:"reason"`
}

// EnqueueJobRequest is the body of POST /jobs
type EnqueueJobRequest struct {
	Type    jobs.Type       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubmitRequest is the body of POST /submissions
type SubmitRequest struct {
	ScenarioVersionID string `json:"scenario_version_id"`
}

// IncreaseBudgetRequest is the body of POST /admin/budget/increase
type IncreaseBudgetRequest struct {
	MonthlyLimit float64 `json:"monthly_limit"`
}

// MaintenanceRequest is the body of PUT /admin/maintenance
type MaintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// StartSession handles POST /sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, &validator.InvalidInputError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return
	}

	userID := userIDFromContext(r.Context())
	result, err := h.sessions.StartEnvironment(r.Context(), req.ScenarioVersionID, userID, models.StartOptions{
		EventID:         req.EventID,
		TeamID:          req.TeamID,
		TTLMinutes:      req.TTLMinutes,
		IsTest:          req.IsTest,
		ClientIP:        clientIP(r),
		ClientUserAgent: r.UserAgent(),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("session started",
		zap.String("session_id", result.SessionID),
		zap.String("user_id", userID),
		zap.Bool("soft_budget_warning", result.SoftBudgetWarning),
	)
	h.respondJSON(w, http.StatusCreated, result)
}

// GetSession handles GET /sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, session)
}

// TerminateSession handles DELETE /sessions/{id}
func (h *Handler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	reason := "terminated by user"
	if r.ContentLength > 0 {
		var req TerminateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, &validator.InvalidInputError{Field: "body", Reason: "invalid JSON: " + err.Error()})
			return
		}
		if req.Reason != "" {
			reason = req.Reason
		}
	}

	if err := h.sessions.TerminateEnvironment(r.Context(), session.ID, reason); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles POST /sessions/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, h.sessions.TouchSession)
}

// PauseSession handles POST /sessions/{id}/pause
func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, h.sessions.PauseEnvironment)
}

// ResumeSession handles POST /sessions/{id}/resume
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, h.sessions.ResumeEnvironment)
}

// VerifyAccess handles POST /sessions/{id}/access. The access token is read
// from the Authorization bearer header.
func (h *Handler) VerifyAccess(w http.ResponseWriter, r *http.Request) {
	accessToken, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || accessToken == "" {
		h.respondError(w, &validator.InvalidInputError{Field: "authorization", Reason: "bearer token is required"})
		return
	}

	err := h.sessions.VerifyAccess(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), clientIP(r), accessToken)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sessionAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := action(r.Context(), session.ID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedSession loads the session named in the path. Sessions of other users
// are reported as missing.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*models.EnvironmentSession, bool) {
	session, err := h.sessions.GetSessionStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return nil, false
	}
	if !isAdmin(r.Context()) && session.UserID != userIDFromContext(r.Context()) {
		h.respondJSON(w, http.StatusNotFound, models.ErrorResponse{
			Error:   "not_found",
			Message: "session not found",
			Code:    http.StatusNotFound,
		})
		return nil, false
	}
	return session, true
}

// EnqueueJob handles POST /jobs
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, &validator.InvalidInputError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return
	}

	var payload interface{}
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	job, err := h.jobs.Enqueue(r.Context(), req.Type, payload)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, job)
}

// GetJob handles GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// Submit handles POST /submissions
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, &validator.InvalidInputError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return
	}

	job, err := h.submissions.Submit(r.Context(), req.ScenarioVersionID, userIDFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, job)
}

// BudgetReport handles GET /admin/budget
func (h *Handler) BudgetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.budget.Report(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

// IncreaseBudget handles POST /admin/budget/increase
func (h *Handler) IncreaseBudget(w http.ResponseWriter, r *http.Request) {
	var req IncreaseBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, &validator.InvalidInputError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return
	}
	if err := h.budget.IncreaseBudget(r.Context(), req.MonthlyLimit); err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("monthly budget increased",
		zap.Float64("monthly_limit", req.MonthlyLimit),
		zap.String("user_id", userIDFromContext(r.Context())),
	)
	h.BudgetReport(w, r)
}

// SetMaintenance handles PUT /admin/maintenance
func (h *Handler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, &validator.InvalidInputError{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return
	}
	if err := h.sessions.SetMaintenanceMode(r.Context(), req.Enabled); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, req)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := models.HealthResponse{Status: "healthy", Version: Version, Database: true}

	if err := h.health.PingContext(ctx); err != nil {
		h.logger.Error("database health check failed", zap.Error(err))
		resp.Status = "unhealthy"
		resp.Database = false
	}

	on, err := h.health.MaintenanceMode(ctx, h.maintenance)
	if err != nil {
		h.logger.Warn("failed to read maintenance mode", zap.Error(err))
	}
	resp.MaintenanceMode = on

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, resp)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	resp := errorResponse(err)
	if resp.Code >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", resp.Code), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.Int("status", resp.Code), zap.Error(err))
	}
	h.respondJSON(w, resp.Code, resp)
}

// clientIP prefers the first X-Forwarded-For hop set by the gateway
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
