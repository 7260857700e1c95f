// Package background runs fire-and-forget work under supervision: every task is
// bounded by a concurrency limit, recovered from panics, and logged and counted
// when it fails.
package background

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/metrics"
)

// ErrClosed is returned by Go after Shutdown has started
var ErrClosed = errors.New("background pool is shut down")

// Task is a unit of background work
type Task func(ctx context.Context) error

// Pool is a supervised background-task pool
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	logger *logger.Logger
}

// NewPool creates a pool running at most limit tasks at once
func NewPool(limit int, log *logger.Logger) *Pool {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, limit),
		logger: log,
	}
}

// Go schedules task under name. It never blocks on the concurrency limit.
func (p *Pool) Go(name string, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			p.fail(name, p.ctx.Err())
			return
		}
		defer func() { <-p.sem }()

		if err := run(p.ctx, task); err != nil {
			p.fail(name, err)
		}
	}()
	return nil
}

// Wait blocks until every scheduled task has returned
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}

func (p *Pool) fail(name string, err error) {
	metrics.RecordBackgroundFailure(name)
	p.logger.Error("background task failed", zap.String("task", name), zap.Error(err))
}
