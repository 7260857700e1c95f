// Package reconcile enforces that a session counted as active has a live
// backing task. Sessions whose tasks are gone are moved to error.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/provider"
	"github.com/sciffer/labrange/pkg/statemachine"
)

// CleanupFunc is invoked for every session moved to error
type CleanupFunc func(sessionID, reason string)

// Reconciler reclassifies active sessions whose runtime tasks are no longer alive
type Reconciler struct {
	db           *database.DB
	prober       provider.LivenessProber
	clock        clock.PassiveClock
	startupGrace time.Duration
	liveness     *ttlcache.Cache[string, bool]
	cleanup      CleanupFunc
	logger       *logger.Logger
}

// New creates a reconciler. Probe results are cached for cacheTTL.
func New(db *database.DB, prober provider.LivenessProber, clk clock.PassiveClock, startupGrace, cacheTTL time.Duration, log *logger.Logger) *Reconciler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Reconciler{
		db:           db,
		prober:       prober,
		clock:        clk,
		startupGrace: startupGrace,
		liveness:     ttlcache.New(ttlcache.WithTTL[string, bool](cacheTTL)),
		logger:       log,
	}
}

// OnReclassified registers a callback run after a session is moved to error
func (r *Reconciler) OnReclassified(fn CleanupFunc) {
	r.cleanup = fn
}

// Start runs the cache's expiry loop until Stop is called
func (r *Reconciler) Start() {
	go r.liveness.Start()
}

// Stop ends the cache's expiry loop
func (r *Reconciler) Stop() {
	r.liveness.Stop()
}

// ReconcileUser checks the user's active sessions and returns how many were
// reclassified. Probe failures leave sessions untouched.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string) (int, error) {
	sessions, err := r.db.ListUserSessions(ctx, userID, models.ActiveStatuses...)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	reclassified := 0
	for _, s := range sessions {
		alive, reason, err := r.isAlive(ctx, s)
		if err != nil {
			r.logger.Warn("liveness probe failed",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
			continue
		}
		if alive {
			continue
		}
		ok, err := r.reclassify(ctx, s, reason)
		if err != nil {
			return reclassified, err
		}
		if ok {
			reclassified++
		}
	}
	return reclassified, nil
}

func (r *Reconciler) isAlive(ctx context.Context, s *models.EnvironmentSession) (bool, string, error) {
	since := s.CreatedAt
	if s.StartedAt != nil {
		since = *s.StartedAt
	}
	if s.Status == models.StatusStarting && r.clock.Since(since) < r.startupGrace {
		return true, "", nil
	}

	if item := r.liveness.Get(s.ID); item != nil && item.Value() {
		return true, "", nil
	}

	topology, err := r.db.ListTopology(ctx, s.ID)
	if err != nil {
		return false, "", err
	}
	if len(topology) == 0 {
		if s.Status == models.StatusRunning {
			// sessions without machines have nothing to probe
			return true, "", nil
		}
		return false, "provisioning did not complete within startup grace", nil
	}

	refs := make([]string, len(topology))
	for i, e := range topology {
		refs[i] = e.TaskRef
	}
	descs, err := r.prober.DescribeTasks(ctx, refs)
	if err != nil {
		return false, "", err
	}

	seen := make(map[string]provider.TaskDescription, len(descs))
	for _, d := range descs {
		seen[d.TaskRef] = d
	}
	for _, e := range topology {
		d, ok := seen[e.TaskRef]
		if !ok {
			return false, fmt.Sprintf("task for machine %s no longer exists", e.MachineName), nil
		}
		if d.Status == provider.TaskStopped {
			return false, fmt.Sprintf("task for machine %s stopped: %s", e.MachineName, d.StopReason), nil
		}
	}

	r.liveness.Set(s.ID, true, ttlcache.DefaultTTL)
	return true, "", nil
}

func (r *Reconciler) reclassify(ctx context.Context, s *models.EnvironmentSession, reason string) (bool, error) {
	action := statemachine.ActionRuntimeError
	if s.Status == models.StatusStarting {
		action = statemachine.ActionProvisionFailed
	}
	to, err := statemachine.Next(s.Status, action)
	if err != nil {
		return false, err
	}

	if err := r.db.TransitionSession(ctx, s.ID, s.Status, to, reason); err != nil {
		if errors.Is(err, database.ErrStaleState) || errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to reclassify session %s: %w", s.ID, err)
	}
	r.liveness.Delete(s.ID)

	if _, err := r.db.SaveSessionEvent(ctx, s.ID, models.EventReclassified,
		fmt.Sprintf("session moved from %s to %s", s.Status, to), reason); err != nil {
		r.logger.Warn("failed to record reclassification event", zap.String("session_id", s.ID), zap.Error(err))
	}

	r.logger.Info("reclassified stale session",
		zap.String("session_id", s.ID),
		zap.String("from", string(s.Status)),
		zap.String("reason", reason),
	)

	if r.cleanup != nil {
		r.cleanup(s.ID, "stale session: "+reason)
	}
	return true, nil
}
