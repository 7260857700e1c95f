package timeout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/internal/testutil"
	"github.com/sciffer/labrange/pkg/models"
)

type recordingExpirer struct {
	mu      sync.Mutex
	reasons map[string]string
	failFor map[string]bool
}

func newExpirer() *recordingExpirer {
	return &recordingExpirer{reasons: map[string]string{}, failFor: map[string]bool{}}
}

func (r *recordingExpirer) ExpireEnvironment(_ context.Context, sessionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[sessionID] {
		return errors.New("store unavailable")
	}
	r.reasons[sessionID] = reason
	return nil
}

func (r *recordingExpirer) get(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.reasons[id]
	return reason, ok
}

func TestIdleSweep(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Now()
	clk := testingclock.NewFakeClock(now)
	exp := newExpirer()
	cfg := testutil.Config().Timeouts
	cfg.IdlePracticeMinutes = 30
	cfg.IdleEventMinutes = 15

	idle := testutil.InsertSession(t, db, "u1", "sv1", models.StatusRunning, func(s *models.EnvironmentSession) {
		s.LastActivityAt = now.Add(-31 * time.Minute)
	})
	fresh := testutil.InsertSession(t, db, "u2", "sv1", models.StatusRunning, func(s *models.EnvironmentSession) {
		s.LastActivityAt = now.Add(-10 * time.Minute)
	})
	eventIdle := testutil.InsertSession(t, db, "u3", "sv1", models.StatusPaused, func(s *models.EnvironmentSession) {
		s.EventID = "ev1"
		s.LastActivityAt = now.Add(-20 * time.Minute)
	})
	done := testutil.InsertSession(t, db, "u4", "sv1", models.StatusTerminated, func(s *models.EnvironmentSession) {
		s.LastActivityAt = now.Add(-5 * time.Hour)
	})

	m := NewMonitor(db, exp, cfg, clk, logger.NewNop())
	res := m.SweepIdle(context.Background())
	assert.Equal(t, Result{Checked: 3, Expired: 2}, res)

	reason, ok := exp.get(idle.ID)
	require.True(t, ok)
	assert.Contains(t, reason, "idle timeout")

	_, ok = exp.get(eventIdle.ID)
	assert.True(t, ok)
	_, ok = exp.get(fresh.ID)
	assert.False(t, ok)
	_, ok = exp.get(done.ID)
	assert.False(t, ok)
}

func TestAbsoluteSweepIgnoresActivity(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Now()
	clk := testingclock.NewFakeClock(now)
	exp := newExpirer()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	expired := testutil.InsertSession(t, db, "u1", "sv1", models.StatusRunning, func(s *models.EnvironmentSession) {
		s.ExpiresAt = &past
		s.LastActivityAt = now
	})
	valid := testutil.InsertSession(t, db, "u2", "sv1", models.StatusRunning, func(s *models.EnvironmentSession) {
		s.ExpiresAt = &future
	})

	m := NewMonitor(db, exp, testutil.Config().Timeouts, clk, logger.NewNop())
	res := m.SweepAbsolute(context.Background())
	assert.Equal(t, 1, res.Expired)

	reason, ok := exp.get(expired.ID)
	require.True(t, ok)
	assert.Contains(t, reason, "absolute timeout")
	_, ok = exp.get(valid.ID)
	assert.False(t, ok)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Now()
	clk := testingclock.NewFakeClock(now)
	exp := newExpirer()

	past := now.Add(-time.Minute)
	first := testutil.InsertSession(t, db, "u1", "sv1", models.StatusRunning, func(s *models.EnvironmentSession) { s.ExpiresAt = &past })
	second := testutil.InsertSession(t, db, "u2", "sv1", models.StatusRunning, func(s *models.EnvironmentSession) { s.ExpiresAt = &past })
	exp.failFor[first.ID] = true

	m := NewMonitor(db, exp, testutil.Config().Timeouts, clk, logger.NewNop())
	res := m.SweepAbsolute(context.Background())
	assert.Equal(t, Result{Checked: 2, Expired: 1, Failed: 1}, res)
	_, ok := exp.get(second.ID)
	assert.True(t, ok)
}

func TestMonitorLoopSweepsOnTick(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Now()
	clk := testingclock.NewFakeClock(now)
	exp := newExpirer()

	past := now.Add(-time.Minute)
	s := testutil.InsertSession(t, db, "u1", "sv1", models.StatusRunning, func(s *models.EnvironmentSession) { s.ExpiresAt = &past })

	m := NewMonitor(db, exp, testutil.Config().Timeouts, clk, logger.NewNop())
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Minute)

	assert.Eventually(t, func() bool {
		_, ok := exp.get(s.ID)
		return ok
	}, time.Second, 5*time.Millisecond)
}
