package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sciffer/labrange/internal/config"
	labtest "github.com/sciffer/labrange/internal/testutil"
	"github.com/sciffer/labrange/pkg/models"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	Register(reg)

	RecordAdmission("admitted")
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecorders(t *testing.T) {
	Reset()

	RecordAdmission("rate_hourly")
	RecordAdmission("rate_hourly")
	RecordTermination("idle_timeout")
	RecordJob("scan", "failed")
	SetGraceActive(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(admissionDecisions.WithLabelValues("rate_hourly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sessionsTerminated.WithLabelValues("idle_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(jobsProcessed.WithLabelValues("scan", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(graceActive))
}

func TestCollectorPublishesGauges(t *testing.T) {
	Reset()
	db := labtest.NewDB(t)
	ctx := context.Background()

	labtest.InsertSession(t, db, "u1", "sv1", models.StatusRunning)
	labtest.InsertSession(t, db, "u2", "sv1", models.StatusRunning)
	labtest.InsertSession(t, db, "u3", "sv1", models.StatusStarting)
	_, err := db.EnqueueJob(ctx, "validate", nil)
	require.NoError(t, err)

	s := labtest.InsertSession(t, db, "u4", "sv1", models.StatusRunning)
	today := time.Now().UTC().Format("2006-01-02")
	_, err = db.TerminateSession(ctx, s.ID, "done", time.Now(), models.UsageDelta{Date: today, Profile: models.ProfileSmall, Hours: 1, Cost: 2.5})
	require.NoError(t, err)

	c := NewCollector(db, config.MetricsConfig{Enabled: true, CollectionIntervalSeconds: 1}, zap.NewNop())
	c.Collect(ctx)

	assert.Equal(t, 2.0, testutil.ToFloat64(activeSessions.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(activeSessions.WithLabelValues("starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(jobQueue.WithLabelValues("pending")))
	assert.InDelta(t, 2.5, testutil.ToFloat64(monthCost), 1e-9)
}

func TestCollectorStartStop(t *testing.T) {
	db := labtest.NewDB(t)
	c := NewCollector(db, config.MetricsConfig{Enabled: true, CollectionIntervalSeconds: 1}, zap.NewNop())
	c.Start(context.Background())
	c.Stop()

	disabled := NewCollector(db, config.MetricsConfig{Enabled: false}, zap.NewNop())
	disabled.Start(context.Background())
	disabled.Stop()
}
