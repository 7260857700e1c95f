package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/internal/testutil"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/models"
)

var noop = HandlerFunc(func(context.Context, *models.Job) (json.RawMessage, error) { return nil, nil })

func registry(t *testing.T, overrides map[Type]Handler) *Registry {
	t.Helper()
	handlers := map[Type]Handler{}
	for _, typ := range Types {
		handlers[typ] = noop
	}
	for typ, h := range overrides {
		handlers[typ] = h
	}
	r, err := NewRegistry(handlers)
	require.NoError(t, err)
	return r
}

func jobsConfig() config.JobsConfig {
	return config.JobsConfig{PollIntervalSeconds: 5, Concurrency: 3, MaxAttempts: 3, RetentionDays: 7}
}

func newPool(t *testing.T, db *database.DB, overrides map[Type]Handler) (*WorkerPool, *Queue, *testingclock.FakeClock) {
	t.Helper()
	q := NewQueue(db)
	clk := testingclock.NewFakeClock(time.Now())
	return NewWorkerPool(q, registry(t, overrides), jobsConfig(), clk, logger.NewNop()), q, clk
}

func TestQueueFIFOAndTypeFilter(t *testing.T) {
	q := NewQueue(testutil.NewDB(t))
	ctx := context.Background()

	first, err := q.Enqueue(ctx, TypeValidate, map[string]string{"scenario_version_id": "sv1"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, TypeScan, nil)
	require.NoError(t, err)
	third, err := q.Enqueue(ctx, TypeValidate, nil)
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, TypeScan)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = q.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.StartedAt)
	assert.JSONEq(t, `{"scenario_version_id":"sv1"}`, string(got.Payload))

	got, err = q.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, third.ID, got.ID)

	_, err = q.Dequeue(ctx, "")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	q := NewQueue(testutil.NewDB(t))
	_, err := q.Enqueue(context.Background(), Type("compile"), nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistryMustBeExhaustive(t *testing.T) {
	_, err := NewRegistry(map[Type]Handler{TypeValidate: noop})
	assert.ErrorContains(t, err, "scan")

	handlers := map[Type]Handler{"compile": noop}
	for _, typ := range Types {
		handlers[typ] = noop
	}
	_, err = NewRegistry(handlers)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestWorkerCompletesJob(t *testing.T) {
	db := testutil.NewDB(t)
	pool, q, _ := newPool(t, db, map[Type]Handler{
		TypePromote: HandlerFunc(func(_ context.Context, job *models.Job) (json.RawMessage, error) {
			return json.RawMessage(`{"approved":true}`), nil
		}),
	})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, TypePromote, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, pool.Poll(ctx))
	pool.Wait()

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.JSONEq(t, `{"approved":true}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	db := testutil.NewDB(t)
	var calls int32
	pool, q, _ := newPool(t, db, map[Type]Handler{
		TypeScan: HandlerFunc(func(context.Context, *models.Job) (json.RawMessage, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("scanner unavailable")
		}),
	})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, TypeScan, nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		require.Equal(t, 1, pool.Poll(ctx))
		pool.Wait()

		got, err := q.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobPending, got.Status)
		assert.Equal(t, attempt, got.Attempts)
		assert.Empty(t, got.Error)
		assert.Nil(t, got.StartedAt)
	}

	require.Equal(t, 1, pool.Poll(ctx))
	pool.Wait()

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "scanner unavailable", got.Error)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	assert.Zero(t, pool.Poll(ctx))
}

func TestWorkerSurvivesPanickingHandler(t *testing.T) {
	db := testutil.NewDB(t)
	pool, q, _ := newPool(t, db, map[Type]Handler{
		TypeValidate: HandlerFunc(func(context.Context, *models.Job) (json.RawMessage, error) {
			panic("nil machine list")
		}),
	})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, TypeValidate, nil)
	require.NoError(t, err)
	ok, err := q.Enqueue(ctx, TypePromote, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, pool.Poll(ctx))
	pool.Wait()

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	got, err = q.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
}

func TestWorkerFailsUnknownTypeImmediately(t *testing.T) {
	db := testutil.NewDB(t)
	pool, q, _ := newPool(t, db, nil)
	ctx := context.Background()

	job, err := db.EnqueueJob(ctx, "compile", nil)
	require.NoError(t, err)

	pool.Poll(ctx)
	pool.Wait()

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.Error, "unknown job type")
}

func TestWorkerRespectsConcurrency(t *testing.T) {
	db := testutil.NewDB(t)
	release := make(chan struct{})
	var running, peak int32
	pool, q, _ := newPool(t, db, map[Type]Handler{
		TypeScan: HandlerFunc(func(context.Context, *models.Job) (json.RawMessage, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil, nil
		}),
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, TypeScan, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, pool.Poll(ctx))
	assert.Zero(t, pool.Poll(ctx))

	close(release)
	pool.Wait()
	assert.Equal(t, 2, pool.Poll(ctx))
	pool.Wait()

	assert.EqualValues(t, 3, atomic.LoadInt32(&peak))
	counts, err := db.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[models.JobCompleted])
}

func TestWorkerLoopPollsAndPurges(t *testing.T) {
	db := testutil.NewDB(t)
	pool, q, clk := newPool(t, db, nil)
	ctx := context.Background()

	old, err := q.Enqueue(ctx, TypePromote, nil)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, old.ID, nil))

	clk.SetTime(time.Now().Add(8 * 24 * time.Hour))

	fresh, err := q.Enqueue(ctx, TypePromote, nil)
	require.NoError(t, err)

	pool.Start(ctx)
	defer pool.Stop()

	assert.Eventually(t, func() bool {
		got, err := q.Get(ctx, fresh.ID)
		return err == nil && got.Status == models.JobCompleted
	}, time.Second, 5*time.Millisecond)

	_, err = q.Get(ctx, old.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	next, err := q.Enqueue(ctx, TypeScan, nil)
	require.NoError(t, err)
	assert.Eventually(t, clk.HasWaiters, time.Second, 5*time.Millisecond)
	clk.Step(5 * time.Second)

	assert.Eventually(t, func() bool {
		got, err := q.Get(ctx, next.ID)
		return err == nil && got.Status == models.JobCompleted
	}, time.Second, 5*time.Millisecond)
}
