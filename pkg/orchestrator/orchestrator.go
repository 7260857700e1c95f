package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/admission"
	"github.com/sciffer/labrange/pkg/background"
	"github.com/sciffer/labrange/pkg/cost"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/metrics"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/provider"
	"github.com/sciffer/labrange/pkg/retry"
	"github.com/sciffer/labrange/pkg/statemachine"
	"github.com/sciffer/labrange/pkg/token"
	"github.com/sciffer/labrange/pkg/topology"
	"github.com/sciffer/labrange/pkg/validator"
)

// ErrScenarioNotStartable is returned when a scenario version is not in a startable status
var ErrScenarioNotStartable = errors.New("scenario version is not startable")

// ErrSessionNotActive is returned when an operation needs a running or paused session
var ErrSessionNotActive = errors.New("session is not active")

// ErrTerminatedWhileStarting is returned by StartEnvironment when the session
// was terminated or expired before provisioning finished
var ErrTerminatedWhileStarting = errors.New("session was terminated while starting")

// Termination causes used for metrics
const (
	CauseRequested          = "requested"
	CauseTimeout            = "timeout"
	CauseBudget             = "budget"
	CauseProvisioningFailed = "provisioning_failed"
)

// Gate decides whether a session may start
type Gate interface {
	Check(ctx context.Context, req admission.Request) (*admission.Decision, error)
}

// Dependencies are the collaborators an orchestrator drives
type Dependencies struct {
	DB        *database.DB
	Runtime   provider.ContainerRuntime
	Fabric    provider.NetworkFabric
	Admission Gate
	Pool      *background.Pool
	Clock     clock.PassiveClock
	Logger    *logger.Logger
}

// Option customises an orchestrator
type Option func(*Orchestrator)

// WithTaskWait overrides the policy for waiting on tasks to reach running
func WithTaskWait(p retry.Policy) Option {
	return func(o *Orchestrator) { o.taskWait = p }
}

// WithTeardownWait overrides the policy for the stop and detach waits of teardown
func WithTeardownWait(p retry.Policy) Option {
	return func(o *Orchestrator) { o.teardownWait = p }
}

// Orchestrator manages environment session lifecycle
type Orchestrator struct {
	config       *config.Config
	db           *database.DB
	runtime      provider.ContainerRuntime
	fabric       provider.NetworkFabric
	admission    Gate
	provisioner  *topology.Provisioner
	validator    *validator.Validator
	tokens       *token.Issuer
	cost         *cost.Model
	pool         *background.Pool
	clock        clock.PassiveClock
	logger       *logger.Logger
	taskWait     retry.Policy
	teardownWait retry.Policy

	provisionTimeout time.Duration

	// admitMu serialises admission with session creation so concurrent
	// starts cannot both pass the same ceiling
	admitMu sync.Mutex
}

// New creates a new orchestrator instance
func New(cfg *config.Config, deps Dependencies, opts ...Option) *Orchestrator {
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	o := &Orchestrator{
		config:    cfg,
		db:        deps.DB,
		runtime:   deps.Runtime,
		fabric:    deps.Fabric,
		admission: deps.Admission,
		validator: validator.New(cfg.Timeouts),
		tokens:    token.NewIssuer(cfg.Auth.TokenSecret, clk),
		cost:      cost.NewModel(cfg.Pricing),
		pool:      deps.Pool,
		clock:     clk,
		logger:    deps.Logger,
		taskWait: retry.Policy{
			MaxAttempts: cfg.Timeouts.TaskPollAttempts,
			Interval:    cfg.Timeouts.TaskPollInterval(),
			Deadline:    cfg.Timeouts.ProvisionTimeout(),
		},
		teardownWait: retry.Policy{
			MaxAttempts: cfg.Timeouts.TeardownPollAttempts,
			Interval:    cfg.Timeouts.TeardownPollInterval(),
		},
		provisionTimeout: cfg.Timeouts.ProvisionTimeout(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.provisioner = topology.NewProvisioner(o.runtime, o.fabric, o.db, cfg.Network, o.taskWait, o.logger)
	return o
}

// StartEnvironment admits, creates and provisions a session for a scenario version
func (o *Orchestrator) StartEnvironment(ctx context.Context, scenarioVersionID, userID string, opts models.StartOptions) (*models.StartResult, error) {
	if err := o.validator.ValidateStartRequest(userID, scenarioVersionID, opts); err != nil {
		return nil, err
	}

	version, err := o.db.GetScenarioVersion(ctx, scenarioVersionID)
	if err != nil {
		return nil, err
	}

	ttl, err := o.validator.ResolveTTL(opts.TTLMinutes, version.EstimatedTTLMinutes)
	if err != nil {
		return nil, err
	}

	profile := version.ResourceProfile
	if !profile.Valid() {
		profile = models.ProfileSmall
	}

	session, decision, err := o.admit(ctx, version, userID, profile, ttl, opts)
	if err != nil {
		return nil, err
	}

	log := o.logger.WithSession(session.ID).WithUser(userID)
	log.Info("session created",
		zap.String("scenario_version_id", scenarioVersionID),
		zap.Int("machines", len(version.Machines)),
		zap.Int("ttl_minutes", ttl),
		zap.Bool("soft_budget_warning", decision.SoftBudgetWarning),
	)

	started := o.clock.Now()
	if err := o.advance(ctx, session, statemachine.ActionStart, func() error {
		return o.db.MarkSessionStarting(ctx, session.ID, started)
	}); err != nil {
		return nil, err
	}
	session.StartedAt = &started

	var entries []models.NetworkTopologyEntry
	if len(version.Machines) > 0 {
		provisionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.provisionTimeout)
		defer cancel()
		entries, err = o.provisioner.Provision(provisionCtx, session, version.Machines)
		if err != nil {
			if o.failStart(ctx, session, err) {
				return nil, fmt.Errorf("%w: %s", ErrTerminatedWhileStarting, session.ID)
			}
			return nil, err
		}
	}

	expiresAt := o.clock.Now().Add(time.Duration(ttl) * time.Minute)
	accessToken, digest, err := o.tokens.Issue(session.ID, userID, opts.ClientIP, expiresAt)
	if err != nil {
		o.failStart(ctx, session, &topology.ProvisioningFailedError{Err: err, Launched: entries})
		return nil, err
	}

	if err := o.advance(ctx, session, statemachine.ActionProvisionComplete, func() error {
		return o.db.MarkSessionRunning(ctx, session.ID, expiresAt, digest)
	}); err != nil {
		if !errors.Is(err, database.ErrStaleState) {
			o.failStart(ctx, session, &topology.ProvisioningFailedError{Err: err, Launched: entries})
			return nil, err
		}
		// Someone else moved the session out of starting. Whatever teardown they
		// scheduled ran before these entries existed, so reclaim them here.
		metrics.RecordStart("failed")
		log.Warn("session left starting during provisioning", zap.Int("machines", len(entries)))
		if err := o.terminate(ctx, session.ID, "terminated while starting", CauseRequested, false, entries); err != nil {
			log.Error("failed to reclaim resources of terminated session", zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s", ErrTerminatedWhileStarting, session.ID)
	}

	metrics.RecordStart(string(models.StatusRunning))
	metrics.RecordProvisionDuration(o.clock.Since(started).Seconds())
	log.Info("session running", zap.Time("expires_at", expiresAt))

	return &models.StartResult{
		SessionID:         session.ID,
		Status:            models.StatusRunning,
		AccessToken:       accessToken,
		ExpiresAt:         &expiresAt,
		SoftBudgetWarning: decision.SoftBudgetWarning,
	}, nil
}

// admit runs admission and the startable check, then writes the created session
func (o *Orchestrator) admit(ctx context.Context, version *models.ScenarioVersion, userID string, profile models.ResourceProfile, ttl int, opts models.StartOptions) (*models.EnvironmentSession, *admission.Decision, error) {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	decision, err := o.admission.Check(ctx, admission.Request{
		UserID:            userID,
		ScenarioVersionID: version.ID,
		EventID:           opts.EventID,
		TTLMinutes:        ttl,
		Profile:           profile,
		MachineCount:      len(version.Machines),
	})
	if err != nil {
		return nil, nil, err
	}

	if !version.Startable(opts.IsTest) {
		return nil, nil, fmt.Errorf("%w: status %s, build %q", ErrScenarioNotStartable, version.Status, version.BuildStatus)
	}

	now := o.clock.Now()
	session := &models.EnvironmentSession{
		ID:                uuid.New().String(),
		UserID:            userID,
		ScenarioVersionID: version.ID,
		EventID:           opts.EventID,
		TeamID:            opts.TeamID,
		Status:            models.StatusCreated,
		ResourceProfile:   profile,
		MachineCount:      len(version.Machines),
		IsTest:            opts.IsTest,
		TTLMinutes:        ttl,
		CreatedAt:         now,
		SoftLimitWarned:   decision.SoftBudgetWarning,
		ClientIP:          opts.ClientIP,
		ClientUserAgent:   opts.ClientUserAgent,
		LastActivityAt:    now,
	}
	if err := o.db.CreateSession(ctx, session); err != nil {
		return nil, nil, err
	}
	o.event(ctx, session.ID, models.EventCreated, "session created", "")
	return session, decision, nil
}

// advance validates a state-machine edge and applies it with write
func (o *Orchestrator) advance(ctx context.Context, session *models.EnvironmentSession, action statemachine.Action, write func() error) error {
	from := session.Status
	to, err := statemachine.Next(from, action)
	if err != nil {
		return err
	}
	if err := write(); err != nil {
		return err
	}
	session.Status = to
	o.event(ctx, session.ID, models.EventStatusChanged, fmt.Sprintf("%s -> %s", from, to), string(action))
	return nil
}

// failStart moves a starting session to error, then terminates it and tears
// down whatever was launched. It reports whether the session had already left
// starting, i.e. it was terminated while the start was in flight.
func (o *Orchestrator) failStart(ctx context.Context, session *models.EnvironmentSession, cause error) bool {
	reason := "provisioning failed: " + cause.Error()
	metrics.RecordStart("failed")
	o.logger.WithSession(session.ID).Error("session failed to start", zap.Error(cause))

	var launched []models.NetworkTopologyEntry
	var pf *topology.ProvisioningFailedError
	if errors.As(cause, &pf) {
		launched = pf.Launched
		reason = pf.Error()
	}
	o.event(ctx, session.ID, models.EventProvisioningFailed, reason, summarize(launched))

	lostRace := false
	if err := o.advance(ctx, session, statemachine.ActionProvisionFailed, func() error {
		return o.db.TransitionSession(ctx, session.ID, models.StatusStarting, models.StatusError, reason)
	}); err != nil {
		lostRace = errors.Is(err, database.ErrStaleState)
		o.logger.WithSession(session.ID).Warn("failed to mark session as error", zap.Error(err))
	}

	if err := o.terminate(ctx, session.ID, reason, CauseProvisioningFailed, false, launched); err != nil {
		o.logger.WithSession(session.ID).Error("failed to terminate session after failed start", zap.Error(err))
	}
	return lostRace
}

// TerminateEnvironment marks a session terminated and schedules its teardown.
// Missing and already terminated sessions are ignored.
func (o *Orchestrator) TerminateEnvironment(ctx context.Context, sessionID, reason string) error {
	return o.terminate(ctx, sessionID, reason, CauseRequested, false, nil)
}

// ExpireEnvironment terminates a session through the timeout edge
func (o *Orchestrator) ExpireEnvironment(ctx context.Context, sessionID, reason string) error {
	return o.terminate(ctx, sessionID, reason, CauseTimeout, true, nil)
}

func (o *Orchestrator) terminate(ctx context.Context, sessionID, reason, cause string, viaTimeout bool, launched []models.NetworkTopologyEntry) error {
	session, err := o.db.GetSession(ctx, sessionID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if statemachine.IsTerminal(session.Status) {
		// a start that lost the race still owns what it launched
		if len(launched) > 0 {
			o.scheduleTeardown(sessionID, launched)
		}
		return nil
	}

	path := statemachine.PathToTerminated(session.Status, viaTimeout)
	if _, err := statemachine.Walk(session.Status, path); err != nil {
		return err
	}

	stoppedAt := o.clock.Now()
	changed, err := o.db.TerminateSession(ctx, sessionID, reason, stoppedAt, o.cost.Usage(session, stoppedAt))
	if err != nil {
		return err
	}
	if !changed {
		if len(launched) > 0 {
			o.scheduleTeardown(sessionID, launched)
		}
		return nil
	}

	metrics.RecordTermination(cause)
	o.event(ctx, sessionID, models.EventTerminated, reason, pathString(session.Status, path))
	o.logger.WithSession(sessionID).Info("session terminated",
		zap.String("from", string(session.Status)),
		zap.String("reason", reason),
	)

	o.scheduleTeardown(sessionID, launched)
	return nil
}

func (o *Orchestrator) scheduleTeardown(sessionID string, launched []models.NetworkTopologyEntry) {
	if err := o.pool.Go("teardown", func(ctx context.Context) error {
		return o.teardown(ctx, sessionID, launched)
	}); err != nil {
		o.logger.WithSession(sessionID).Error("failed to schedule teardown", zap.Error(err))
	}
}

// TerminateAllRunning terminates every running or paused session and reports
// how many terminations succeeded and failed
func (o *Orchestrator) TerminateAllRunning(ctx context.Context, reason string) (int, int, error) {
	sessions, err := o.db.ListSessionsByStatus(ctx, models.StatusRunning, models.StatusPaused)
	if err != nil {
		return 0, 0, err
	}

	succeeded, failed := 0, 0
	for _, s := range sessions {
		if err := o.terminate(ctx, s.ID, reason, CauseBudget, false, nil); err != nil {
			failed++
			o.logger.WithSession(s.ID).Error("failed to terminate session", zap.Error(err))
			continue
		}
		succeeded++
	}
	return succeeded, failed, nil
}

// GetSessionStatus returns a session with its topology and recent events
func (o *Orchestrator) GetSessionStatus(ctx context.Context, sessionID string) (*models.EnvironmentSession, error) {
	session, err := o.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Topology, err = o.db.ListTopology(ctx, sessionID); err != nil {
		return nil, err
	}
	if session.Events, err = o.db.ListSessionEvents(ctx, sessionID, 50); err != nil {
		return nil, err
	}
	return session, nil
}

// TouchSession records user activity on a session
func (o *Orchestrator) TouchSession(ctx context.Context, sessionID string) error {
	err := o.db.TouchSession(ctx, sessionID, o.clock.Now())
	if errors.Is(err, database.ErrStaleState) {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	return err
}

// PauseEnvironment moves a running session to paused
func (o *Orchestrator) PauseEnvironment(ctx context.Context, sessionID string) error {
	return o.transition(ctx, sessionID, statemachine.ActionPause)
}

// ResumeEnvironment moves a paused session back to running
func (o *Orchestrator) ResumeEnvironment(ctx context.Context, sessionID string) error {
	return o.transition(ctx, sessionID, statemachine.ActionResume)
}

func (o *Orchestrator) transition(ctx context.Context, sessionID string, action statemachine.Action) error {
	session, err := o.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	from := session.Status
	return o.advance(ctx, session, action, func() error {
		to, _ := statemachine.Next(from, action)
		return o.db.TransitionSession(ctx, sessionID, from, to, "")
	})
}

// VerifyAccess checks a session access token presented by a client
func (o *Orchestrator) VerifyAccess(ctx context.Context, sessionID, userID, clientIP, accessToken string) error {
	session, err := o.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.StatusRunning && session.Status != models.StatusPaused {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, session.Status)
	}
	_, err = o.tokens.Verify(accessToken, token.Binding{
		SessionID: sessionID,
		UserID:    userID,
		ClientIP:  clientIP,
		Digest:    session.AccessTokenDigest,
	})
	return err
}

// SetMaintenanceMode pauses or resumes admission of new sessions
func (o *Orchestrator) SetMaintenanceMode(ctx context.Context, on bool) error {
	if err := o.db.SetMaintenanceMode(ctx, on); err != nil {
		return err
	}
	o.logger.Info("maintenance mode changed", zap.Bool("enabled", on))
	return nil
}

// Shutdown waits for scheduled teardowns to finish
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.pool.Shutdown(ctx)
}

func (o *Orchestrator) event(ctx context.Context, sessionID, eventType, message, details string) {
	if _, err := o.db.SaveSessionEvent(ctx, sessionID, eventType, message, details); err != nil {
		o.logger.WithSession(sessionID).Warn("failed to record session event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func pathString(from models.SessionStatus, path []statemachine.Action) string {
	parts := []string{string(from)}
	state := from
	for _, a := range path {
		next, err := statemachine.Next(state, a)
		if err != nil {
			break
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", next, a))
		state = next
	}
	return strings.Join(parts, " -> ")
}

func summarize(entries []models.NetworkTopologyEntry) string {
	if len(entries) == 0 {
		return ""
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		ref := e.TaskRef
		if ref == "" {
			ref = "not launched"
		}
		parts = append(parts, e.MachineName+"="+ref)
	}
	return strings.Join(parts, ", ")
}
