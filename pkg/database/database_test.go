package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newSession(userID, scenarioID string, status models.SessionStatus) *models.EnvironmentSession {
	now := time.Now().UTC()
	return &models.EnvironmentSession{
		ID:                uuid.New().String(),
		UserID:            userID,
		ScenarioVersionID: scenarioID,
		Status:            status,
		ResourceProfile:   models.ProfileSmall,
		MachineCount:      2,
		TTLMinutes:        60,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
}

func TestMigrationsCreateTables(t *testing.T) {
	db := newTestDB(t)

	tables := []string{"schema_version", "sessions", "session_events", "network_topology", "jobs",
		"usage_daily", "budget_state", "system_settings", "scenario_versions", "event_registrations"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version int
	require.NoError(t, db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, len(getMigrations()), version)
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	cfg := config.DatabaseConfig{Driver: "sqlite", Path: path}

	db1, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db1.CreateSession(context.Background(), newSession("u1", "sv1", models.StatusCreated)))
	require.NoError(t, db1.Close())

	db2, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer db2.Close()

	n, err := db2.CountSessionsByStatus(context.Background(), models.StatusCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := newSession("u1", "sv1", models.StatusCreated)
	s.EventID = "ev1"
	s.SoftLimitWarned = true
	s.ClientIP = "10.1.1.1"
	s.Answers = map[string]string{"q1": "flag{x}"}
	require.NoError(t, db.CreateSession(ctx, s))

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.UserID, got.UserID)
	assert.Equal(t, "ev1", got.EventID)
	assert.Equal(t, "", got.TeamID)
	assert.True(t, got.SoftLimitWarned)
	assert.Equal(t, models.ProfileSmall, got.ResourceProfile)
	assert.Equal(t, 2, got.MachineCount)
	assert.Equal(t, "flag{x}", got.Answers["q1"])
	assert.Nil(t, got.ExpiresAt)
	assert.WithinDuration(t, s.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = db.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSessionStatusUpdates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := newSession("u1", "sv1", models.StatusCreated)
	require.NoError(t, db.CreateSession(ctx, s))

	started := time.Now().UTC()
	require.NoError(t, db.MarkSessionStarting(ctx, s.ID, started))
	err := db.MarkSessionStarting(ctx, s.ID, started)
	assert.True(t, errors.Is(err, ErrStaleState))

	expires := started.Add(time.Hour)
	require.NoError(t, db.MarkSessionRunning(ctx, s.ID, expires, "digest"))

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, expires, *got.ExpiresAt, time.Millisecond)
	assert.Equal(t, "digest", got.AccessTokenDigest)

	require.NoError(t, db.TransitionSession(ctx, s.ID, models.StatusRunning, models.StatusPaused, ""))
	err = db.TransitionSession(ctx, s.ID, models.StatusRunning, models.StatusPaused, "")
	assert.True(t, errors.Is(err, ErrStaleState))
	err = db.TransitionSession(ctx, "missing", models.StatusRunning, models.StatusPaused, "")
	assert.True(t, errors.Is(err, ErrNotFound))

	touched := time.Now().UTC().Add(time.Minute)
	require.NoError(t, db.TouchSession(ctx, s.ID, touched))
	got, err = db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, touched, got.LastActivityAt, time.Millisecond)
}

func TestTerminateSessionRecordsUsageOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := newSession("u1", "sv1", models.StatusRunning)
	require.NoError(t, db.CreateSession(ctx, s))

	stopped := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	delta := models.UsageDelta{Date: "2026-05-04", Profile: models.ProfileSmall, Hours: 2, Cost: 0.5}

	first, err := db.TerminateSession(ctx, s.ID, "user requested", stopped, delta)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := db.TerminateSession(ctx, s.ID, "again", stopped.Add(time.Minute), delta)
	require.NoError(t, err)
	assert.False(t, second)

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminated, got.Status)
	assert.Equal(t, "user requested", got.ReasonStopped)
	assert.InDelta(t, 0.5, got.AccumulatedCost, 1e-9)

	usage, err := db.GetUsageDaily(ctx, "2026-05-04")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.SessionCount)
	assert.InDelta(t, 0.5, usage.EstimatedCost, 1e-9)
	assert.InDelta(t, 2.0, usage.ProfileHours[models.ProfileSmall], 1e-9)

	total, err := db.SumUsageCost(ctx, "2026-05-01", "2026-05-31")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, total, 1e-9)
}

func TestSessionCounts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, s := range []*models.EnvironmentSession{
		newSession("u1", "sv1", models.StatusRunning),
		newSession("u1", "sv2", models.StatusStarting),
		newSession("u1", "sv2", models.StatusRunning),
		newSession("u1", "sv3", models.StatusTerminated),
		newSession("u2", "sv1", models.StatusRunning),
	} {
		require.NoError(t, db.CreateSession(ctx, s))
	}

	n, err := db.CountSessionsByStatus(ctx, models.ActiveStatuses...)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = db.CountUserSessionsByStatus(ctx, "u1", models.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = db.CountUserDistinctScenarios(ctx, "u1", models.ActiveStatuses...)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = db.CountScenarioSessionsByStatus(ctx, "sv1", models.ActiveStatuses...)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = db.CountUserSessionsSince(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = db.CountUserSessionsSince(ctx, "u1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	found, err := db.FindUserScenarioSession(ctx, "u1", "sv1", models.ActiveStatuses...)
	require.NoError(t, err)
	assert.Equal(t, "sv1", found.ScenarioVersionID)

	_, err = db.FindUserScenarioSession(ctx, "u1", "sv3", models.ActiveStatuses...)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := db.ListUserSessions(ctx, "u1", models.ActiveStatuses...)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestSessionEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := newSession("u1", "sv1", models.StatusCreated)
	require.NoError(t, db.CreateSession(ctx, s))

	_, err := db.SaveSessionEvent(ctx, s.ID, "created", "session created", "")
	require.NoError(t, err)
	_, err = db.SaveSessionEvent(ctx, s.ID, "teardown_failed", "stop failed", "boom")
	require.NoError(t, err)

	events, err := db.ListSessionEvents(ctx, s.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "created", events[0].EventType)
	assert.Equal(t, "boom", events[1].Details)
}

func TestTopologyIsAllOrNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := newSession("u1", "sv1", models.StatusStarting)
	require.NoError(t, db.CreateSession(ctx, s))

	entries := []models.NetworkTopologyEntry{
		{SessionID: s.ID, MachineName: "attacker", MachineRole: models.RoleAttacker, TaskRef: "t1", PrivateIP: "10.0.0.1"},
		{SessionID: s.ID, MachineName: "attacker", MachineRole: models.RoleVictim, TaskRef: "t2", PrivateIP: "10.0.0.2"},
	}
	require.Error(t, db.SaveTopology(ctx, entries))

	got, err := db.ListTopology(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got)

	entries[1].ID = ""
	entries[1].MachineName = "victim"
	entries[0].ID = ""
	require.NoError(t, db.SaveTopology(ctx, entries))

	got, err = db.ListTopology(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.TopologyRunning, got[0].Status)

	require.NoError(t, db.UpdateTopologyStatus(ctx, s.ID, models.TopologyReleased))
	got, err = db.ListTopology(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TopologyReleased, got[1].Status)
}

func TestJobQueueFIFO(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		j, err := db.EnqueueJob(ctx, "validate", json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	other, err := db.EnqueueJob(ctx, "scan", nil)
	require.NoError(t, err)

	scan, err := db.DequeueJob(ctx, "scan")
	require.NoError(t, err)
	assert.Equal(t, other.ID, scan.ID)

	for _, want := range ids {
		j, err := db.DequeueJob(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, want, j.ID)
		assert.Equal(t, models.JobProcessing, j.Status)
		assert.Equal(t, 1, j.Attempts)
		assert.NotNil(t, j.StartedAt)
		assert.JSONEq(t, `{"n":1}`, string(j.Payload))
	}

	_, err = db.DequeueJob(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobSequenceIsUnique(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.EnqueueJob(ctx, "validate", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var total, distinct int
	require.NoError(t, db.QueryRow("SELECT COUNT(*), COUNT(DISTINCT seq) FROM jobs").Scan(&total, &distinct))
	assert.Equal(t, 20, total)
	assert.Equal(t, 20, distinct)

	_, err := db.Exec(`INSERT INTO jobs (id, seq, type, status, attempts, created_at) VALUES ($1, 1, 'scan', 'pending', 0, $2)`,
		uuid.New().String(), time.Now().UTC())
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err), "unexpected error: %v", err)

	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestJobRetryCeiling(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	job, err := db.EnqueueJob(ctx, "scan", nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		j, err := db.DequeueJob(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, attempt, j.Attempts)

		status, err := db.FailJob(ctx, job.ID, "scanner down", 3)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, models.JobPending, status)
			got, err := db.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Empty(t, got.Error)
			assert.Nil(t, got.StartedAt)
		} else {
			assert.Equal(t, models.JobFailed, status)
		}
	}

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "scanner down", got.Error)

	_, err = db.FailJob(ctx, job.ID, "x", 3)
	assert.ErrorIs(t, err, ErrStaleState)
}

func TestCompleteAndPurgeJobs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	job, err := db.EnqueueJob(ctx, "promote", nil)
	require.NoError(t, err)
	_, err = db.DequeueJob(ctx, "")
	require.NoError(t, err)
	require.NoError(t, db.CompleteJob(ctx, job.ID, json.RawMessage(`{"ok":true}`)))
	assert.ErrorIs(t, db.CompleteJob(ctx, job.ID, nil), ErrStaleState)

	pending, err := db.EnqueueJob(ctx, "promote", nil)
	require.NoError(t, err)

	counts, err := db.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobCompleted])
	assert.Equal(t, 1, counts[models.JobPending])

	n, err := db.PurgeJobs(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = db.PurgeJobs(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = db.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetJob(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestBudgetStateOptimisticLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	st, err := db.GetBudgetState(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Version)

	started := time.Now().UTC()
	st.GraceActive = true
	st.GraceStartedAt = &started
	require.NoError(t, db.SaveBudgetState(ctx, st))
	assert.Equal(t, 1, st.Version)

	stale := *st
	limit := 2000.0
	st.MonthlyLimitOverride = &limit
	require.NoError(t, db.SaveBudgetState(ctx, st))

	stale.GraceActive = false
	assert.ErrorIs(t, db.SaveBudgetState(ctx, &stale), ErrStaleState)

	got, err := db.GetBudgetState(ctx)
	require.NoError(t, err)
	assert.True(t, got.GraceActive)
	require.NotNil(t, got.MonthlyLimitOverride)
	assert.Equal(t, 2000.0, *got.MonthlyLimitOverride)
	assert.Equal(t, 2, got.Version)
}

func TestMaintenanceSetting(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	on, err := db.MaintenanceMode(ctx, true)
	require.NoError(t, err)
	assert.True(t, on, "default applies when unset")

	require.NoError(t, db.SetMaintenanceMode(ctx, false))
	on, err = db.MaintenanceMode(ctx, true)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestScenarioCatalog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	v := &models.ScenarioVersion{
		ID: "sv1", ScenarioID: "sc1", Title: "Pivot", Status: models.ScenarioSubmitted,
		ResourceProfile: models.ProfileMedium, EstimatedTTLMinutes: 90,
		Machines: []models.Machine{{Name: "kali", Role: models.RoleAttacker, ImageRef: "kali:latest"}},
	}
	require.NoError(t, db.SaveScenarioVersion(ctx, v))

	got, err := db.GetScenarioVersion(ctx, "sv1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildNone, got.BuildStatus)
	require.Len(t, got.Machines, 1)
	assert.Equal(t, "kali", got.Machines[0].Name)

	require.NoError(t, db.UpdateScenarioVersionStatus(ctx, "sv1", models.ScenarioApproved, models.BuildSucceeded))
	got, err = db.GetScenarioVersion(ctx, "sv1")
	require.NoError(t, err)
	assert.True(t, got.Startable(true))
	assert.False(t, got.Startable(false))

	assert.ErrorIs(t, db.UpdateScenarioVersionStatus(ctx, "nope", models.ScenarioApproved, ""), ErrNotFound)

	ok, err := db.IsRegistered(ctx, "ev1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, db.RegisterForEvent(ctx, "ev1", "u1", "team-a"))
	ok, err = db.IsRegistered(ctx, "ev1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}
