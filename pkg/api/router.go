package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sciffer/labrange/internal/logger"
)

// NewRouter creates and configures the HTTP router. gatherer backs /metrics.
func NewRouter(handler *Handler, gatherer prometheus.Gatherer, log *logger.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogger(log))

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// API v1 routes
	api := r.PathPrefix("/api/v1").Subrouter()

	// Health check (no identity required)
	api.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(RequireIdentity)

	// Session routes
	authed.HandleFunc("/sessions", handler.StartSession).Methods(http.MethodPost)
	authed.HandleFunc("/sessions/{id}", handler.GetSession).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}", handler.TerminateSession).Methods(http.MethodDelete)
	authed.HandleFunc("/sessions/{id}/heartbeat", handler.Heartbeat).Methods(http.MethodPost)
	authed.HandleFunc("/sessions/{id}/pause", handler.PauseSession).Methods(http.MethodPost)
	authed.HandleFunc("/sessions/{id}/resume", handler.ResumeSession).Methods(http.MethodPost)
	authed.HandleFunc("/sessions/{id}/access", handler.VerifyAccess).Methods(http.MethodPost)
	authed.HandleFunc("/sessions/{id}/watch", handler.WatchSession).Methods(http.MethodGet)

	// Job and submission routes
	authed.HandleFunc("/jobs", handler.EnqueueJob).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}", handler.GetJob).Methods(http.MethodGet)
	authed.HandleFunc("/submissions", handler.Submit).Methods(http.MethodPost)

	// Admin routes
	admin := authed.PathPrefix("/admin").Subrouter()
	admin.Use(RequireAdmin)
	admin.HandleFunc("/budget", handler.BudgetReport).Methods(http.MethodGet)
	admin.HandleFunc("/budget/increase", handler.IncreaseBudget).Methods(http.MethodPost)
	admin.HandleFunc("/maintenance", handler.SetMaintenance).Methods(http.MethodPut)

	return r
}
