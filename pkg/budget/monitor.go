// Package budget watches spend against the daily and monthly limits. A monthly
// breach starts a persisted grace period; once it elapses every running session
// is shut down.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/pkg/cost"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/metrics"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/notify"
	"github.com/sciffer/labrange/pkg/validator"
)

// ShutdownReason is recorded on sessions terminated by the emergency shutdown
const ShutdownReason = "monthly budget exceeded: emergency shutdown"

const saveAttempts = 3

// Terminator stops every running session
type Terminator interface {
	TerminateAllRunning(ctx context.Context, reason string) (succeeded, failed int, err error)
}

// Notifier delivers operator notifications
type Notifier interface {
	Send(ctx context.Context, level notify.Level, title, message string, metadata map[string]interface{})
}

// Monitor periodically compares spend with the configured limits
type Monitor struct {
	db         *database.DB
	terminator Terminator
	notifier   Notifier
	cfg        config.BudgetConfig
	clock      clock.WithTicker
	logger     *zap.Logger

	mu                sync.Mutex
	lastDailyWarning  string
	lastMonthlyNotice string

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a budget monitor
func NewMonitor(db *database.DB, terminator Terminator, notifier Notifier, cfg config.BudgetConfig, clk clock.WithTicker, logger *zap.Logger) *Monitor {
	return &Monitor{
		db:         db,
		terminator: terminator,
		notifier:   notifier,
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// Start runs a check immediately and then on every interval until Stop
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := m.Check(ctx); err != nil {
			m.logger.Error("budget check failed", zap.Error(err))
		}

		ticker := m.clock.NewTicker(m.cfg.CheckInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C():
				if err := m.Check(ctx); err != nil {
					m.logger.Error("budget check failed", zap.Error(err))
				}
			}
		}
	}()
	m.logger.Info("budget monitor started", zap.Duration("interval", m.cfg.CheckInterval()))
}

// Stop halts the check loop
func (m *Monitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

// Report summarises today's and this month's spend
func (m *Monitor) Report(ctx context.Context) (*models.CostReport, error) {
	now := m.clock.Now().UTC()
	today := now.Format(cost.DateLayout)

	todayCost, err := m.db.SumUsageCost(ctx, today, today)
	if err != nil {
		return nil, err
	}
	monthCost, err := m.db.MonthToDateCost(ctx, now)
	if err != nil {
		return nil, err
	}
	st, err := m.db.GetBudgetState(ctx)
	if err != nil {
		return nil, err
	}

	monthlyLimit := m.cfg.MonthlyLimit
	if st.MonthlyLimitOverride != nil {
		monthlyLimit = *st.MonthlyLimitOverride
	}

	report := &models.CostReport{
		GeneratedAt:        now,
		TodayCost:          todayCost,
		MonthCost:          monthCost,
		DailyLimit:         m.cfg.DailyLimit,
		MonthlyLimit:       monthlyLimit,
		DailyPercent:       percent(todayCost, m.cfg.DailyLimit),
		MonthlyPercent:     percent(monthCost, monthlyLimit),
		ProjectedMonthCost: project(monthCost, now),
		GraceActive:        st.GraceActive,
	}
	if st.GraceActive && st.GraceStartedAt != nil {
		deadline := st.GraceStartedAt.Add(m.cfg.GracePeriod()).UTC()
		report.GraceDeadline = &deadline
	}
	return report, nil
}

// Check evaluates both limits once and acts on the result
func (m *Monitor) Check(ctx context.Context) error {
	report, err := m.Report(ctx)
	if err != nil {
		return err
	}
	now := report.GeneratedAt

	if m.cfg.DailyLimit > 0 && report.TodayCost >= m.cfg.DailyLimit {
		m.warnDaily(ctx, report)
	}

	if report.MonthlyLimit <= 0 {
		return nil
	}

	switch {
	case report.MonthlyPercent >= 100:
		return m.handleExceeded(ctx, report, now)
	case report.GraceActive:
		// Spend fell back under the limit, e.g. a new month started.
		if err := m.clearGrace(ctx); err != nil {
			return err
		}
		m.logger.Info("monthly spend back under limit, grace period cleared",
			zap.Float64("month_cost", report.MonthCost),
			zap.Float64("monthly_limit", report.MonthlyLimit),
		)
	}

	if report.MonthlyPercent >= m.cfg.WarningThresholdPercent && report.MonthlyPercent < 100 {
		m.warnMonthly(ctx, report)
	}
	return nil
}

func (m *Monitor) handleExceeded(ctx context.Context, report *models.CostReport, now time.Time) error {
	st, err := m.db.GetBudgetState(ctx)
	if err != nil {
		return err
	}

	if !st.GraceActive || st.GraceStartedAt == nil {
		started := now
		st.GraceActive = true
		st.GraceStartedAt = &started
		if err := m.db.SaveBudgetState(ctx, st); err != nil {
			if errors.Is(err, database.ErrStaleState) {
				// Another writer changed the state; the next check re-evaluates.
				m.logger.Warn("budget state changed concurrently, skipping grace start")
				return nil
			}
			return err
		}
		metrics.SetGraceActive(true)

		deadline := started.Add(m.cfg.GracePeriod())
		m.logger.Error("monthly budget exceeded, grace period started",
			zap.Float64("month_cost", report.MonthCost),
			zap.Float64("monthly_limit", report.MonthlyLimit),
			zap.Time("deadline", deadline),
		)
		m.notifier.Send(ctx, notify.LevelCritical, "Monthly budget exceeded",
			fmt.Sprintf("Monthly spend %.2f exceeds limit %.2f. All running environments will be shut down at %s unless the budget is increased.",
				report.MonthCost, report.MonthlyLimit, deadline.Format(time.RFC3339)),
			map[string]interface{}{
				"month_cost":     report.MonthCost,
				"monthly_limit":  report.MonthlyLimit,
				"grace_deadline": deadline.Format(time.RFC3339),
			})
		return nil
	}

	metrics.SetGraceActive(true)
	deadline := st.GraceStartedAt.Add(m.cfg.GracePeriod())
	if now.Before(deadline) {
		m.logger.Warn("grace period active",
			zap.Duration("remaining", deadline.Sub(now)),
			zap.Float64("month_cost", report.MonthCost),
		)
		return nil
	}

	return m.emergencyShutdown(ctx, report)
}

func (m *Monitor) emergencyShutdown(ctx context.Context, report *models.CostReport) error {
	m.logger.Error("grace period elapsed, shutting down all running environments",
		zap.Float64("month_cost", report.MonthCost),
		zap.Float64("monthly_limit", report.MonthlyLimit),
	)

	succeeded, failed, err := m.terminator.TerminateAllRunning(ctx, ShutdownReason)
	if err != nil {
		return fmt.Errorf("emergency shutdown failed: %w", err)
	}

	if err := m.clearGrace(ctx); err != nil {
		return err
	}

	m.notifier.Send(ctx, notify.LevelCritical, "Emergency shutdown completed",
		fmt.Sprintf("Terminated %d running environments (%d failed) after the monthly budget grace period elapsed.", succeeded, failed),
		map[string]interface{}{
			"terminated":    succeeded,
			"failed":        failed,
			"month_cost":    report.MonthCost,
			"monthly_limit": report.MonthlyLimit,
		})
	return nil
}

// IncreaseBudget persists a new monthly limit and cancels any active grace period
func (m *Monitor) IncreaseBudget(ctx context.Context, newLimit float64) error {
	if newLimit <= 0 {
		return &validator.InvalidInputError{Field: "monthly_limit", Reason: "must be positive"}
	}

	var cancelled bool
	err := m.update(ctx, func(st *models.BudgetState) {
		limit := newLimit
		st.MonthlyLimitOverride = &limit
		cancelled = st.GraceActive
		st.GraceActive = false
		st.GraceStartedAt = nil
	})
	if err != nil {
		return err
	}
	metrics.SetGraceActive(false)

	m.logger.Info("monthly budget increased",
		zap.Float64("monthly_limit", newLimit),
		zap.Bool("grace_cancelled", cancelled),
	)
	if cancelled {
		m.notifier.Send(ctx, notify.LevelInfo, "Grace period cancelled",
			fmt.Sprintf("Monthly limit raised to %.2f; scheduled emergency shutdown cancelled.", newLimit),
			map[string]interface{}{"monthly_limit": newLimit})
	}
	return nil
}

func (m *Monitor) clearGrace(ctx context.Context) error {
	err := m.update(ctx, func(st *models.BudgetState) {
		st.GraceActive = false
		st.GraceStartedAt = nil
	})
	if err != nil {
		return err
	}
	metrics.SetGraceActive(false)
	return nil
}

// update applies fn to the freshest state, retrying on concurrent writes
func (m *Monitor) update(ctx context.Context, fn func(*models.BudgetState)) error {
	var err error
	for i := 0; i < saveAttempts; i++ {
		var st *models.BudgetState
		st, err = m.db.GetBudgetState(ctx)
		if err != nil {
			return err
		}
		fn(st)
		err = m.db.SaveBudgetState(ctx, st)
		if !errors.Is(err, database.ErrStaleState) {
			return err
		}
	}
	return err
}

func (m *Monitor) warnDaily(ctx context.Context, report *models.CostReport) {
	day := report.GeneratedAt.Format(cost.DateLayout)
	m.mu.Lock()
	if m.lastDailyWarning == day {
		m.mu.Unlock()
		return
	}
	m.lastDailyWarning = day
	m.mu.Unlock()

	m.logger.Warn("daily budget limit reached",
		zap.Float64("today_cost", report.TodayCost),
		zap.Float64("daily_limit", report.DailyLimit),
	)
	m.notifier.Send(ctx, notify.LevelWarning, "Daily budget limit reached",
		fmt.Sprintf("Spend today is %.2f against a daily limit of %.2f.", report.TodayCost, report.DailyLimit),
		map[string]interface{}{"today_cost": report.TodayCost, "daily_limit": report.DailyLimit})
}

func (m *Monitor) warnMonthly(ctx context.Context, report *models.CostReport) {
	month := report.GeneratedAt.Format("2006-01")
	m.mu.Lock()
	if m.lastMonthlyNotice == month {
		m.mu.Unlock()
		return
	}
	m.lastMonthlyNotice = month
	m.mu.Unlock()

	m.logger.Warn("monthly budget threshold reached",
		zap.Float64("month_cost", report.MonthCost),
		zap.Float64("percent", report.MonthlyPercent),
	)
	m.notifier.Send(ctx, notify.LevelCritical, "Monthly budget threshold reached",
		fmt.Sprintf("Monthly spend is %.2f (%.0f%% of %.2f). Projected month total: %.2f.",
			report.MonthCost, report.MonthlyPercent, report.MonthlyLimit, report.ProjectedMonthCost),
		map[string]interface{}{
			"month_cost":     report.MonthCost,
			"monthly_limit":  report.MonthlyLimit,
			"percent":        report.MonthlyPercent,
			"projected_cost": report.ProjectedMonthCost,
		})
}

func percent(spent, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return spent / limit * 100
}

// project extrapolates month-to-date spend linearly over the whole month
func project(monthCost float64, now time.Time) float64 {
	elapsed := float64(now.Day()-1) + float64(now.Hour())/24 + float64(now.Minute())/(24*60)
	if elapsed <= 0 {
		return monthCost
	}
	days := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return monthCost / elapsed * float64(days)
}
