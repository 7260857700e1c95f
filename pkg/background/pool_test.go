package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sciffer/labrange/internal/logger"
)

func observed() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return &logger.Logger{Logger: zap.New(core)}, logs
}

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(2, logger.NewNop())
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Go("count", func(context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	p.Wait()
	assert.Equal(t, int32(10), n.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2, logger.NewNop())
	var current, peak atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Go("bounded", func(context.Context) error {
			c := current.Add(1)
			for {
				old := peak.Load()
				if c <= old || peak.CompareAndSwap(old, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	p.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolLogsFailuresAndPanics(t *testing.T) {
	log, logs := observed()
	p := NewPool(1, log)

	require.NoError(t, p.Go("fails", func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Go("panics", func(context.Context) error { panic("kaboom") }))
	p.Wait()

	entries := logs.FilterMessage("background task failed").All()
	require.Len(t, entries, 2)
	tasks := []string{entries[0].ContextMap()["task"].(string), entries[1].ContextMap()["task"].(string)}
	assert.ElementsMatch(t, []string{"fails", "panics"}, tasks)
}

func TestShutdownRejectsNewTasks(t *testing.T) {
	p := NewPool(1, logger.NewNop())
	release := make(chan struct{})
	require.NoError(t, p.Go("slow", func(context.Context) error {
		<-release
		return nil
	}))

	go func() {
		time.Sleep(5 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Go("late", func(context.Context) error { return nil }), ErrClosed)
}

func TestShutdownCancelsOnDeadline(t *testing.T) {
	p := NewPool(1, logger.NewNop())
	require.NoError(t, p.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}
