package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/models"
)

var gaugeStatuses = []models.SessionStatus{
	models.StatusCreated,
	models.StatusStarting,
	models.StatusRunning,
	models.StatusPaused,
	models.StatusStopping,
	models.StatusError,
}

// Collector periodically publishes store-derived gauges
type Collector struct {
	db       *database.DB
	interval time.Duration
	enabled  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(db *database.DB, cfg config.MetricsConfig, logger *zap.Logger) *Collector {
	interval := time.Duration(cfg.CollectionIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Collector{
		db:       db,
		interval: interval,
		enabled:  cfg.Enabled,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Start starts the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	if !c.enabled {
		c.logger.Info("metrics collection disabled")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.collectLoop(ctx)
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	if !c.enabled {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
}

func (c *Collector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ticker.C:
			c.Collect(ctx)
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Collect refreshes every gauge once
func (c *Collector) Collect(ctx context.Context) {
	for _, status := range gaugeStatuses {
		n, err := c.db.CountSessionsByStatus(ctx, status)
		if err != nil {
			c.logger.Warn("failed to count sessions for metrics", zap.String("status", string(status)), zap.Error(err))
			return
		}
		activeSessions.WithLabelValues(string(status)).Set(float64(n))
	}

	counts, err := c.db.CountJobsByStatus(ctx)
	if err != nil {
		c.logger.Warn("failed to count jobs for metrics", zap.Error(err))
	} else {
		for _, status := range []models.JobStatus{models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed} {
			jobQueue.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	cost, err := c.db.MonthToDateCost(ctx, time.Now())
	if err != nil {
		c.logger.Warn("failed to compute month cost for metrics", zap.Error(err))
		return
	}
	monthCost.Set(cost)
}
