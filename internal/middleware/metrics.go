package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Update metrics
	updatesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tg_gpt_bot_updates_received_total",
		Help: "Total number of updates received",
	}, []string{"kind"})

	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tg_gpt_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	// Generation metrics
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tg_gpt_bot_generation_duration_seconds",
		Help:    "Duration of generation requests",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"mode", "status"})

	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tg_gpt_bot_generations_total",
		Help: "Total number of generation requests",
	}, []string{"mode", "status"})

	streamRenders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tg_gpt_bot_stream_renders_total",
		Help: "Total number of placeholder edits while streaming",
	}, []string{"mode"})

	// Dialog metrics
	dialogEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tg_gpt_bot_dialog_events_total",
		Help: "Settings dialog lifecycle events",
	}, []string{"flow", "event"})

	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tg_gpt_bot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tg_gpt_bot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tg_gpt_bot_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordUpdate records an inbound update by kind (message, command, callback, photo)
func (m *Metrics) RecordUpdate(kind string) {
	updatesReceived.WithLabelValues(kind).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordGeneration records one generation request; mode is gpt, assistant, image or variation
func (m *Metrics) RecordGeneration(mode, status string, duration time.Duration) {
	generationDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
	generationsTotal.WithLabelValues(mode, status).Inc()
}

// RecordRender records a placeholder edit
func (m *Metrics) RecordRender(mode string) {
	streamRenders.WithLabelValues(mode).Inc()
}

// RecordDialogEvent records a dialog lifecycle event
func (m *Metrics) RecordDialogEvent(flow, event string) {
	dialogEvents.WithLabelValues(flow, event).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// NewMetricsServer builds the HTTP server exposing metrics at path and /health
func NewMetricsServer(port int, path string, check HealthCheck) *http.Server {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(check)).Methods(http.MethodGet)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func healthHandler(check HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("UNAVAILABLE: " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
