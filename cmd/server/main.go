package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/admission"
	"github.com/sciffer/labrange/pkg/api"
	"github.com/sciffer/labrange/pkg/background"
	"github.com/sciffer/labrange/pkg/budget"
	"github.com/sciffer/labrange/pkg/cost"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/jobs"
	"github.com/sciffer/labrange/pkg/k8s"
	"github.com/sciffer/labrange/pkg/metrics"
	"github.com/sciffer/labrange/pkg/notify"
	"github.com/sciffer/labrange/pkg/orchestrator"
	"github.com/sciffer/labrange/pkg/reconcile"
	"github.com/sciffer/labrange/pkg/submission"
	"github.com/sciffer/labrange/pkg/timeout"
)

const teardownWorkers = 8

var (
	configPath = flag.StringP("config", "c", "config/config.yaml", "path to configuration file")
	devLogs    = flag.Bool("dev", false, "use human-readable development logging")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	var log *logger.Logger
	if *devLogs {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.Server.LogLevel)
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() {
		//nolint:errcheck // Best effort sync on shutdown, ignore error
		log.Sync()
	}()

	log.Info("starting labrange server", zap.String("version", api.Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Open(cfg.Database, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	log.Info("database initialized", zap.String("driver", cfg.Database.Driver))

	// Initialize Kubernetes client
	k8sClient, err := k8s.NewClient(cfg.Kubernetes, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	if err := k8sClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("kubernetes health check failed: %w", err)
	}
	if version, err := k8sClient.GetServerVersion(ctx); err != nil {
		log.Warn("failed to get kubernetes version", zap.Error(err))
	} else {
		log.Info("connected to kubernetes", zap.String("version", version))
	}

	clk := clock.RealClock{}

	// Admission control with stale-session reconciliation
	reconciler := reconcile.New(db, k8sClient, clk,
		time.Duration(cfg.Limits.StartupGraceMinutes)*time.Minute,
		time.Duration(cfg.Limits.LivenessCacheSeconds)*time.Second,
		log.WithOperation("reconcile"))
	reconciler.Start()
	defer reconciler.Stop()

	gate := admission.NewController(db, cost.NewModel(cfg.Pricing), cfg.Limits, cfg.Budget, reconciler, clk,
		log.WithOperation("admission"))

	// Orchestrator
	pool := background.NewPool(teardownWorkers, log.WithOperation("background"))
	orch := orchestrator.New(cfg, orchestrator.Dependencies{
		DB:        db,
		Runtime:   k8sClient,
		Fabric:    k8sClient,
		Admission: gate,
		Pool:      pool,
		Clock:     clk,
		Logger:    log,
	})
	reconciler.OnReclassified(func(sessionID, reason string) {
		if err := orch.TerminateEnvironment(context.Background(), sessionID, reason); err != nil {
			log.WithSession(sessionID).Error("failed to clean up reclassified session", zap.Error(err))
		}
	})

	// Sweeps
	timeouts := timeout.NewMonitor(db, orch, cfg.Timeouts, clk, log.WithOperation("timeout"))
	timeouts.Start(ctx)
	defer timeouts.Stop()

	notifier := notify.FromConfig(cfg.Notify, log.Logger)
	budgets := budget.NewMonitor(db, orch, notifier, cfg.Budget, clk, log.Logger)
	budgets.Start(ctx)
	defer budgets.Stop()

	// Job pipeline
	queue := jobs.NewQueue(db)
	pipeline := submission.NewPipeline(db, queue,
		submission.NewRegistryAllowlist(cfg.Submission.AllowedRegistries), orch, log.WithOperation("submission"))
	registry, err := jobs.NewRegistry(pipeline.Handlers())
	if err != nil {
		return fmt.Errorf("failed to build job registry: %w", err)
	}
	workers := jobs.NewWorkerPool(queue, registry, cfg.Jobs, clk, log.WithOperation("jobs"))
	workers.Start(ctx)
	defer workers.Stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	collector := metrics.NewCollector(db, cfg.Metrics, log.Logger)
	collector.Start(ctx)
	defer collector.Stop()

	// HTTP surface
	handler := api.NewHandler(api.Dependencies{
		Sessions:           orch,
		Budget:             budgets,
		Jobs:               queue,
		Submissions:        pipeline,
		Health:             db,
		MaintenanceDefault: cfg.Limits.MaintenanceMode,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		Logger:             log.WithOperation("api"),
	})
	router := api.NewRouter(handler, reg, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.Timeouts.ProvisionTimeoutSeconds+30) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down server...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("pending teardowns interrupted", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
