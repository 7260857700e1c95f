package submission

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/internal/testutil"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/jobs"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/validator"
)

type fakeEnvironments struct {
	status     models.SessionStatus
	started    []models.StartOptions
	users      []string
	terminated map[string]string
}

func (f *fakeEnvironments) StartEnvironment(_ context.Context, scenarioVersionID, userID string, opts models.StartOptions) (*models.StartResult, error) {
	f.started = append(f.started, opts)
	f.users = append(f.users, userID)
	return &models.StartResult{SessionID: "test-" + scenarioVersionID, Status: f.status}, nil
}

func (f *fakeEnvironments) GetSessionStatus(_ context.Context, sessionID string) (*models.EnvironmentSession, error) {
	return &models.EnvironmentSession{
		ID:       sessionID,
		Status:   f.status,
		Topology: []models.NetworkTopologyEntry{{MachineName: "m1"}, {MachineName: "m2"}},
	}, nil
}

func (f *fakeEnvironments) TerminateEnvironment(_ context.Context, sessionID, reason string) error {
	f.terminated[sessionID] = reason
	return nil
}

type fixture struct {
	db       *database.DB
	queue    *jobs.Queue
	envs     *fakeEnvironments
	pipeline *Pipeline
	workers  *jobs.WorkerPool
}

func newFixture(t *testing.T, allowed ...string) *fixture {
	t.Helper()
	f := &fixture{
		db:   testutil.NewDB(t),
		envs: &fakeEnvironments{status: models.StatusRunning, terminated: map[string]string{}},
	}
	f.queue = jobs.NewQueue(f.db)
	f.pipeline = NewPipeline(f.db, f.queue, NewRegistryAllowlist(allowed), f.envs, logger.NewNop())

	registry, err := jobs.NewRegistry(f.pipeline.Handlers())
	require.NoError(t, err)
	f.workers = jobs.NewWorkerPool(f.queue, registry,
		config.JobsConfig{Concurrency: 1, MaxAttempts: 3},
		testingclock.NewFakeClock(time.Now()), logger.NewNop())
	return f
}

// drain runs queued jobs one poll at a time until the queue is empty
func (f *fixture) drain(ctx context.Context) {
	for f.workers.Poll(ctx) > 0 {
		f.workers.Wait()
	}
}

func (f *fixture) draft(t *testing.T, id string, mutate func(*models.ScenarioVersion)) {
	t.Helper()
	v := testutil.PublishScenario(t, f.db, id, 2)
	v.Status = models.ScenarioDraft
	v.BuildStatus = models.BuildNone
	if mutate != nil {
		mutate(v)
	}
	require.NoError(t, f.db.SaveScenarioVersion(context.Background(), v))
}

func (f *fixture) jobsByStatus(t *testing.T) map[models.JobStatus]int {
	t.Helper()
	counts, err := f.db.CountJobsByStatus(context.Background())
	require.NoError(t, err)
	return counts
}

func TestPipelineRunsEveryStage(t *testing.T) {
	f := newFixture(t, "registry.local")
	ctx := context.Background()
	f.draft(t, "sv1", nil)

	job, err := f.pipeline.Submit(ctx, "sv1", "author-1")
	require.NoError(t, err)
	assert.Equal(t, string(jobs.TypeValidate), job.Type)

	v, err := f.db.GetScenarioVersion(ctx, "sv1")
	require.NoError(t, err)
	assert.Equal(t, models.ScenarioSubmitted, v.Status)
	assert.Equal(t, models.BuildPending, v.BuildStatus)

	f.drain(ctx)

	v, err = f.db.GetScenarioVersion(ctx, "sv1")
	require.NoError(t, err)
	assert.Equal(t, models.ScenarioApproved, v.Status)
	assert.Equal(t, models.BuildSucceeded, v.BuildStatus)

	require.Len(t, f.envs.started, 1)
	assert.True(t, f.envs.started[0].IsTest)
	assert.Equal(t, []string{"author-1"}, f.envs.users)
	assert.Equal(t, TestDeployReason, f.envs.terminated["test-sv1"])

	assert.Equal(t, map[models.JobStatus]int{models.JobCompleted: 4}, f.jobsByStatus(t))

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.EqualValues(t, 2, result["machines"])
	assert.NotEmpty(t, result["next_job_id"])
}

func TestValidateRejectsInvalidMachines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.draft(t, "sv1", func(v *models.ScenarioVersion) {
		v.Machines[1].Role = "observer"
	})

	_, err := f.pipeline.Submit(ctx, "sv1", "")
	require.NoError(t, err)
	f.drain(ctx)

	assert.Equal(t, map[models.JobStatus]int{models.JobFailed: 1}, f.jobsByStatus(t))
	v, err := f.db.GetScenarioVersion(ctx, "sv1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildFailed, v.BuildStatus)
	assert.Empty(t, f.envs.started)
}

func TestValidateRequiresMachines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.draft(t, "sv1", func(v *models.ScenarioVersion) { v.Machines = nil })

	job, err := f.queue.Enqueue(ctx, jobs.TypeValidate, Payload{ScenarioVersionID: "sv1"})
	require.NoError(t, err)
	claimed, err := f.queue.Dequeue(ctx, "")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	_, err = f.pipeline.validate(ctx, claimed)
	var invalid *validator.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "machines", invalid.Field)
}

func TestScanRejectsUnlistedRegistry(t *testing.T) {
	f := newFixture(t, "registry.local")
	ctx := context.Background()
	f.draft(t, "sv1", func(v *models.ScenarioVersion) {
		v.Machines[1].ImageRef = "ghcr.io/someone/implant:latest"
	})

	_, err := f.pipeline.Submit(ctx, "sv1", "")
	require.NoError(t, err)
	f.drain(ctx)

	counts := f.jobsByStatus(t)
	assert.Equal(t, 1, counts[models.JobCompleted])
	assert.Equal(t, 1, counts[models.JobFailed])

	v, err := f.db.GetScenarioVersion(ctx, "sv1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildFailed, v.BuildStatus)
	assert.Empty(t, f.envs.started)
}

func TestTestDeployTerminatesWhenNotRunning(t *testing.T) {
	f := newFixture(t)
	f.envs.status = models.StatusError
	ctx := context.Background()
	f.draft(t, "sv1", func(v *models.ScenarioVersion) {
		v.Status = models.ScenarioApproved
		v.BuildStatus = models.BuildSucceeded
	})

	_, err := f.queue.Enqueue(ctx, jobs.TypeTestDeploy, Payload{ScenarioVersionID: "sv1"})
	require.NoError(t, err)
	claimed, err := f.queue.Dequeue(ctx, "")
	require.NoError(t, err)

	_, err = f.pipeline.testDeploy(ctx, claimed)
	assert.ErrorContains(t, err, "instead of running")
	assert.Equal(t, []string{PipelineUser}, f.envs.users)
	assert.Equal(t, TestDeployReason, f.envs.terminated["test-sv1"])
}

func TestSubmitUnknownVersion(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Submit(context.Background(), "missing", "")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRegistryOf(t *testing.T) {
	tests := map[string]string{
		"nginx:1.25":                   "docker.io",
		"library/nginx":                "docker.io",
		"registry.local/lab/victim:1":  "registry.local",
		"localhost/lab:dev":            "localhost",
		"10.0.0.5:5000/lab/attacker:2": "10.0.0.5:5000",
		"GHCR.io/org/img@sha256:abc":   "ghcr.io",
	}
	for ref, want := range tests {
		assert.Equal(t, want, RegistryOf(ref), ref)
	}
}

func TestEmptyAllowlistAcceptsEverything(t *testing.T) {
	assert.NoError(t, NewRegistryAllowlist(nil).Scan(context.Background(), "ghcr.io/x/y:1"))
	assert.Error(t, NewRegistryAllowlist([]string{"registry.local"}).Scan(context.Background(), "ghcr.io/x/y:1"))
}
