// Package admission gates new sessions on maintenance state, event
// registration, capacity, rate and concurrency ceilings, and budget projection.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/cost"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/metrics"
	"github.com/sciffer/labrange/pkg/models"
)

// Reconciler clears stale active sessions before they are counted
type Reconciler interface {
	ReconcileUser(ctx context.Context, userID string) (int, error)
}

// Request describes a prospective session
type Request struct {
	UserID            string
	ScenarioVersionID string
	EventID           string
	TTLMinutes        int
	Profile           models.ResourceProfile
	MachineCount      int
}

// Decision is the outcome of a passed admission check
type Decision struct {
	SoftBudgetWarning    bool
	ProjectedSessionCost float64
	CurrentMonthCost     float64
	Budget               *BudgetExceededError
}

// Controller runs the ordered admission checks
type Controller struct {
	db         *database.DB
	cost       *cost.Model
	limits     config.LimitsConfig
	budget     config.BudgetConfig
	reconciler Reconciler
	clock      clock.PassiveClock
	logger     *logger.Logger
}

// NewController creates an admission controller. reconciler may be nil.
func NewController(db *database.DB, model *cost.Model, limits config.LimitsConfig, budget config.BudgetConfig, reconciler Reconciler, clk clock.PassiveClock, log *logger.Logger) *Controller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Controller{
		db:         db,
		cost:       model,
		limits:     limits,
		budget:     budget,
		reconciler: reconciler,
		clock:      clk,
		logger:     log,
	}
}

// Check runs every admission check in order and fails on the first violation.
// A soft budget breach passes with Decision.SoftBudgetWarning set.
func (c *Controller) Check(ctx context.Context, req Request) (*Decision, error) {
	decision, err := c.check(ctx, req)
	metrics.RecordAdmission(resultLabel(decision, err))
	if err != nil {
		c.logger.Info("admission denied",
			zap.String("user_id", req.UserID),
			zap.String("scenario_version_id", req.ScenarioVersionID),
			zap.Error(err),
		)
		return nil, err
	}
	return decision, nil
}

func (c *Controller) check(ctx context.Context, req Request) (*Decision, error) {
	maintenance, err := c.db.MaintenanceMode(ctx, c.limits.MaintenanceMode)
	if err != nil {
		return nil, fmt.Errorf("failed to read maintenance mode: %w", err)
	}
	if maintenance {
		return nil, ErrMaintenanceMode
	}

	if req.EventID != "" {
		ok, err := c.db.IsRegistered(ctx, req.EventID, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to check event registration: %w", err)
		}
		if !ok {
			return nil, &NotRegisteredError{EventID: req.EventID, UserID: req.UserID}
		}
	}

	if c.reconciler != nil {
		if _, err := c.reconciler.ReconcileUser(ctx, req.UserID); err != nil {
			// counts below may include stale sessions; do not block the request on it
			c.logger.Warn("stale session reconciliation failed", zap.String("user_id", req.UserID), zap.Error(err))
		}
	}

	if err := c.checkCapacity(ctx); err != nil {
		return nil, err
	}
	if err := c.checkRates(ctx, req.UserID); err != nil {
		return nil, err
	}
	if c.limits.ScenarioAccessLimiting {
		if err := c.checkScenarioAccess(ctx, req); err != nil {
			return nil, err
		}
	}
	if err := c.checkConcurrency(ctx, req); err != nil {
		return nil, err
	}
	return c.checkBudget(ctx, req)
}

func (c *Controller) checkCapacity(ctx context.Context) error {
	if c.limits.MaxTotalSessions <= 0 {
		return nil
	}
	active, err := c.db.CountSessionsByStatus(ctx, models.ActiveStatuses...)
	if err != nil {
		return err
	}
	if active >= c.limits.MaxTotalSessions {
		return &CapacityExceededError{Allowed: c.limits.MaxTotalSessions, Current: active}
	}
	return nil
}

func (c *Controller) checkRates(ctx context.Context, userID string) error {
	now := c.clock.Now()

	if c.limits.MaxSessionsPerHour > 0 {
		n, err := c.db.CountUserSessionsSince(ctx, userID, now.Add(-time.Hour))
		if err != nil {
			return err
		}
		if n >= c.limits.MaxSessionsPerHour {
			return &LimitExceededError{LimitKey: LimitRateHourly, Allowed: c.limits.MaxSessionsPerHour, Current: n, Scope: ScopeUser}
		}
	}

	if c.limits.MaxSessionsPerDay > 0 {
		n, err := c.db.CountUserSessionsSince(ctx, userID, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if n >= c.limits.MaxSessionsPerDay {
			return &LimitExceededError{LimitKey: LimitRateDaily, Allowed: c.limits.MaxSessionsPerDay, Current: n, Scope: ScopeUser}
		}
	}

	if c.limits.MaxRunningPerUser > 0 {
		n, err := c.db.CountUserSessionsByStatus(ctx, userID, models.StatusRunning)
		if err != nil {
			return err
		}
		if n >= c.limits.MaxRunningPerUser {
			return &LimitExceededError{LimitKey: LimitRateConcurrent, Allowed: c.limits.MaxRunningPerUser, Current: n, Scope: ScopeUser}
		}
	}
	return nil
}

func (c *Controller) checkScenarioAccess(ctx context.Context, req Request) error {
	existing, err := c.db.FindUserScenarioSession(ctx, req.UserID, req.ScenarioVersionID, models.ActiveStatuses...)
	switch {
	case err == nil:
		return &ActiveSessionExistsError{SessionID: existing.ID}
	case !errors.Is(err, database.ErrNotFound):
		return err
	}

	if c.limits.MaxActiveScenariosPerUser <= 0 {
		return nil
	}
	n, err := c.db.CountUserDistinctScenarios(ctx, req.UserID, models.ActiveStatuses...)
	if err != nil {
		return err
	}
	if n >= c.limits.MaxActiveScenariosPerUser {
		return &LimitExceededError{LimitKey: LimitScenarioAccess, Allowed: c.limits.MaxActiveScenariosPerUser, Current: n, Scope: ScopeUser}
	}
	return nil
}

func (c *Controller) checkConcurrency(ctx context.Context, req Request) error {
	checks := []struct {
		key     string
		scope   string
		allowed int
		count   func() (int, error)
	}{
		{LimitConcurrentUser, ScopeUser, c.limits.MaxConcurrentPerUser, func() (int, error) {
			return c.db.CountUserSessionsByStatus(ctx, req.UserID, models.ActiveStatuses...)
		}},
		{LimitConcurrentGlobal, ScopeGlobal, c.limits.MaxConcurrentGlobal, func() (int, error) {
			return c.db.CountSessionsByStatus(ctx, models.ActiveStatuses...)
		}},
		{LimitConcurrentScenario, ScopeScenario, c.limits.MaxConcurrentPerScenario, func() (int, error) {
			return c.db.CountScenarioSessionsByStatus(ctx, req.ScenarioVersionID, models.ActiveStatuses...)
		}},
	}

	for _, chk := range checks {
		if chk.allowed <= 0 {
			continue
		}
		n, err := chk.count()
		if err != nil {
			return err
		}
		if n >= chk.allowed {
			return &LimitExceededError{LimitKey: chk.key, Allowed: chk.allowed, Current: n, Scope: chk.scope}
		}
	}
	return nil
}

func (c *Controller) checkBudget(ctx context.Context, req Request) (*Decision, error) {
	hard, err := c.db.EffectiveMonthlyLimit(ctx, c.budget.MonthlyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read monthly limit: %w", err)
	}
	monthCost, err := c.db.MonthToDateCost(ctx, c.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to read month-to-date cost: %w", err)
	}

	projected := c.cost.EstimateMaxCost(req.Profile, req.TTLMinutes, req.MachineCount)
	soft := hard * c.budget.SoftLimitPercent / 100
	total := monthCost + projected

	decision := &Decision{ProjectedSessionCost: projected, CurrentMonthCost: monthCost}
	if hard <= 0 {
		return decision, nil
	}

	breach := &BudgetExceededError{
		CurrentMonthCost:     monthCost,
		ProjectedSessionCost: projected,
		SoftLimit:            soft,
		HardLimit:            hard,
	}
	if total >= hard {
		breach.IsHardBlock = true
		return nil, breach
	}
	if total >= soft {
		decision.SoftBudgetWarning = true
		decision.Budget = breach
		c.logger.Warn("soft budget limit reached",
			zap.String("user_id", req.UserID),
			zap.Float64("month_cost", monthCost),
			zap.Float64("projected", projected),
			zap.Float64("soft_limit", soft),
		)
	}
	return decision, nil
}

func resultLabel(d *Decision, err error) string {
	if err == nil {
		if d != nil && d.SoftBudgetWarning {
			return "admitted_soft_warning"
		}
		return "admitted"
	}

	var (
		limitErr    *LimitExceededError
		budgetErr   *BudgetExceededError
		capErr      *CapacityExceededError
		regErr      *NotRegisteredError
		existingErr *ActiveSessionExistsError
	)
	switch {
	case errors.Is(err, ErrMaintenanceMode):
		return "maintenance"
	case errors.As(err, &limitErr):
		return limitErr.LimitKey
	case errors.As(err, &budgetErr):
		return "budget"
	case errors.As(err, &capErr):
		return "capacity"
	case errors.As(err, &regErr):
		return "not_registered"
	case errors.As(err, &existingErr):
		return "active_session_exists"
	}
	return "error"
}
