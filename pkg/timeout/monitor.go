// Package timeout enforces idle and absolute session timeouts with periodic sweeps.
package timeout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/metrics"
	"github.com/sciffer/labrange/pkg/models"
)

// Reasons recorded on swept sessions
const (
	ReasonIdle     = "idle timeout"
	ReasonAbsolute = "absolute timeout"
)

// Expirer terminates a session through the timeout edge
type Expirer interface {
	ExpireEnvironment(ctx context.Context, sessionID, reason string) error
}

// Result counts what one sweep did
type Result struct {
	Checked int
	Expired int
	Failed  int
}

// Monitor runs the idle and absolute timeout sweeps
type Monitor struct {
	db           *database.DB
	expirer      Expirer
	clock        clock.WithTicker
	interval     time.Duration
	idlePractice time.Duration
	idleEvent    time.Duration
	logger       *logger.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a timeout monitor
func NewMonitor(db *database.DB, expirer Expirer, cfg config.TimeoutConfig, clk clock.WithTicker, log *logger.Logger) *Monitor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Monitor{
		db:           db,
		expirer:      expirer,
		clock:        clk,
		interval:     cfg.SweepInterval(),
		idlePractice: time.Duration(cfg.IdlePracticeMinutes) * time.Minute,
		idleEvent:    time.Duration(cfg.IdleEventMinutes) * time.Minute,
		logger:       log,
		stopChan:     make(chan struct{}),
	}
}

// Start runs both sweeps once per interval until Stop is called or ctx ends
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Info("timeout monitor started", zap.Duration("interval", m.interval))
		for {
			select {
			case <-ticker.C():
				m.SweepIdle(ctx)
				m.SweepAbsolute(ctx)
			case <-m.stopChan:
				m.logger.Info("timeout monitor stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sweep loop
func (m *Monitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

// SweepIdle terminates running or paused sessions without recent activity.
// Event-bound sessions use the shorter event threshold.
func (m *Monitor) SweepIdle(ctx context.Context) Result {
	return m.sweep(ctx, "idle", func(s *models.EnvironmentSession) (string, bool) {
		threshold := m.idlePractice
		if s.IsEventBound() {
			threshold = m.idleEvent
		}
		if threshold <= 0 {
			return "", false
		}
		idle := m.clock.Since(s.LastActivityAt)
		if idle <= threshold {
			return "", false
		}
		return fmt.Sprintf("%s: no activity for %s", ReasonIdle, idle.Truncate(time.Second)), true
	})
}

// SweepAbsolute terminates running or paused sessions past their expiry
func (m *Monitor) SweepAbsolute(ctx context.Context) Result {
	return m.sweep(ctx, "absolute", func(s *models.EnvironmentSession) (string, bool) {
		if s.ExpiresAt == nil || m.clock.Now().Before(*s.ExpiresAt) {
			return "", false
		}
		return fmt.Sprintf("%s: expired at %s", ReasonAbsolute, s.ExpiresAt.UTC().Format(time.RFC3339)), true
	})
}

func (m *Monitor) sweep(ctx context.Context, kind string, expired func(*models.EnvironmentSession) (string, bool)) Result {
	var res Result
	sessions, err := m.db.ListSessionsByStatus(ctx, models.StatusRunning, models.StatusPaused)
	if err != nil {
		metrics.RecordBackgroundFailure("timeout_sweep")
		m.logger.Error("failed to list sessions for timeout sweep", zap.String("sweep", kind), zap.Error(err))
		return res
	}

	for _, s := range sessions {
		res.Checked++
		reason, ok := expired(s)
		if !ok {
			continue
		}
		if err := m.expirer.ExpireEnvironment(ctx, s.ID, reason); err != nil {
			res.Failed++
			metrics.RecordBackgroundFailure("timeout_sweep")
			m.logger.Error("failed to expire session",
				zap.String("sweep", kind),
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
			continue
		}
		res.Expired++
		m.logger.Info("session expired", zap.String("sweep", kind), zap.String("session_id", s.ID), zap.String("reason", reason))
	}
	return res
}
