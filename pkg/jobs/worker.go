package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/metrics"
	"github.com/sciffer/labrange/pkg/models"
)

const purgeEvery = 24 * time.Hour

// WorkerPool polls the queue and runs at most Concurrency jobs at once.
// A failed job goes straight back to pending until it reaches MaxAttempts.
type WorkerPool struct {
	queue    *Queue
	registry *Registry
	cfg      config.JobsConfig
	clock    clock.WithTicker
	logger   *logger.Logger

	slots     chan struct{}
	jobs      sync.WaitGroup
	loop      sync.WaitGroup
	stopChan  chan struct{}
	lastPurge time.Time
}

// NewWorkerPool creates a worker pool
func NewWorkerPool(queue *Queue, registry *Registry, cfg config.JobsConfig, clk clock.WithTicker, log *logger.Logger) *WorkerPool {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &WorkerPool{
		queue:    queue,
		registry: registry,
		cfg:      cfg,
		clock:    clk,
		logger:   log,
		slots:    make(chan struct{}, concurrency),
		stopChan: make(chan struct{}),
	}
}

// Start runs the poll loop until ctx ends or Stop is called
func (w *WorkerPool) Start(ctx context.Context) {
	w.loop.Add(1)
	go func() {
		defer w.loop.Done()

		ticker := w.clock.NewTicker(w.cfg.PollInterval())
		defer ticker.Stop()

		w.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			case <-ticker.C():
				w.tick(ctx)
			}
		}
	}()
	w.logger.Info("job worker pool started",
		zap.Duration("poll_interval", w.cfg.PollInterval()),
		zap.Int("concurrency", cap(w.slots)),
	)
}

// Stop halts polling and waits for in-flight jobs
func (w *WorkerPool) Stop() {
	close(w.stopChan)
	w.loop.Wait()
	w.jobs.Wait()
}

func (w *WorkerPool) tick(ctx context.Context) {
	w.purgeIfDue(ctx)
	w.Poll(ctx)
}

// Poll claims jobs until the queue is empty or every slot is busy. It returns
// the number of jobs dispatched; they run in the background.
func (w *WorkerPool) Poll(ctx context.Context) int {
	dispatched := 0
	for {
		select {
		case w.slots <- struct{}{}:
		default:
			return dispatched
		}

		job, err := w.queue.Dequeue(ctx, "")
		if err != nil {
			<-w.slots
			if !errors.Is(err, ErrNoJob) {
				w.logger.Error("failed to dequeue job", zap.Error(err))
			}
			return dispatched
		}

		dispatched++
		w.jobs.Add(1)
		go func(job *models.Job) {
			defer w.jobs.Done()
			defer func() { <-w.slots }()
			w.process(ctx, job)
		}(job)
	}
}

// Wait blocks until every dispatched job has finished
func (w *WorkerPool) Wait() {
	w.jobs.Wait()
}

func (w *WorkerPool) process(ctx context.Context, job *models.Job) {
	log := w.logger.WithJob(job.ID, job.Type)

	handler, err := w.registry.Lookup(job.Type)
	if err != nil {
		// Unknown types can never succeed, so they fail on the first attempt.
		w.fail(ctx, log, job, err, 0)
		return
	}

	result, err := handle(ctx, handler, job)
	if err != nil {
		w.fail(ctx, log, job, err, w.maxAttempts())
		return
	}

	if err := w.queue.Complete(ctx, job.ID, result); err != nil {
		log.Error("failed to mark job completed", zap.Error(err))
		return
	}
	metrics.RecordJob(job.Type, "completed")
	log.Info("job completed", zap.Int("attempt", job.Attempts))
}

func (w *WorkerPool) fail(ctx context.Context, log *logger.Logger, job *models.Job, cause error, maxAttempts int) {
	status, err := w.queue.Fail(ctx, job.ID, cause.Error(), maxAttempts)
	if err != nil {
		log.Error("failed to record job failure", zap.NamedError("cause", cause), zap.Error(err))
		return
	}

	if status == models.JobFailed {
		metrics.RecordJob(job.Type, "failed")
		log.Error("job failed permanently", zap.Int("attempt", job.Attempts), zap.Error(cause))
		return
	}
	metrics.RecordJob(job.Type, "retried")
	log.Warn("job failed, requeued", zap.Int("attempt", job.Attempts), zap.Error(cause))
}

func (w *WorkerPool) maxAttempts() int {
	if w.cfg.MaxAttempts < 1 {
		return 3
	}
	return w.cfg.MaxAttempts
}

func (w *WorkerPool) purgeIfDue(ctx context.Context) {
	now := w.clock.Now()
	if !w.lastPurge.IsZero() && now.Sub(w.lastPurge) < purgeEvery {
		return
	}
	w.lastPurge = now

	n, err := w.queue.Purge(ctx, now.Add(-w.cfg.Retention()))
	if err != nil {
		w.logger.Error("failed to purge jobs", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("purged old jobs", zap.Int64("count", n))
	}
}

func handle(ctx context.Context, h Handler, job *models.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, job)
}
