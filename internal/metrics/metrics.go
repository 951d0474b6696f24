package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is the liveness probe the health checker runs against the
// message broker.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Metrics holds all Prometheus metrics for the candle pipeline.
type Metrics struct {
	// Collector
	CandlesIngested    *prometheus.CounterVec // labels: symbol
	UnconfirmedSkipped prometheus.Counter
	InvalidRejected    prometheus.Counter
	WSReconnects       *prometheus.CounterVec // labels: symbol
	PushFailures       prometheus.Counter

	// Persister
	CandlesPersisted prometheus.Counter
	BatchesCommitted prometheus.Counter
	BatchSize        prometheus.Histogram
	BatchCommitDur   prometheus.Histogram
	QueueDepth       prometheus.Gauge
	DLQDepth         prometheus.Gauge
	DLQRetries       prometheus.Counter
	DLQAbandoned     prometheus.Counter

	// Store circuit breaker
	BreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips prometheus.Counter

	// Reconciler
	GapsDetected      prometheus.Counter
	GapCandlesFilled  prometheus.Counter
	DuplicatesRemoved prometheus.Counter
	InvalidPurged     prometheus.Counter
	RESTRequests      prometheus.Counter
}

// NewMetrics registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a private
// registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CandlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_candles_ingested_total",
			Help: "Confirmed candles accepted from the stream (by symbol)",
		}, []string{"symbol"}),
		UnconfirmedSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_candles_unconfirmed_skipped_total",
			Help: "In-progress candle updates discarded before enqueue",
		}),
		InvalidRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_candles_invalid_rejected_total",
			Help: "Candles rejected by ingress validation",
		}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_ws_reconnects_total",
			Help: "WebSocket reconnection attempts (by symbol)",
		}, []string{"symbol"}),
		PushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_queue_push_failures_total",
			Help: "Candles dropped after exhausting queue push retries",
		}),

		CandlesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_candles_persisted_total",
			Help: "Candles written to the database",
		}),
		BatchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_batches_committed_total",
			Help: "Write batches committed",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_batch_size",
			Help:    "Candles per committed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),
		BatchCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_batch_commit_duration_seconds",
			Help:    "Database batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_candle_queue_depth",
			Help: "Current candle queue length",
		}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_dead_letter_queue_depth",
			Help: "Current dead letter queue length",
		}),
		DLQRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_dlq_retries_total",
			Help: "Dead-lettered candles requeued for another attempt",
		}),
		DLQAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_dlq_abandoned_total",
			Help: "Dead-lettered candles dropped after exhausting retries",
		}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_store_breaker_state",
			Help: "Store circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_store_breaker_trips_total",
			Help: "Times the store circuit breaker tripped open",
		}),

		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_gaps_detected_total",
			Help: "Timestamp gaps found during reconciliation",
		}),
		GapCandlesFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_gap_candles_filled_total",
			Help: "Candles inserted by gap fill and backfill",
		}),
		DuplicatesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_duplicates_removed_total",
			Help: "Duplicate rows deleted during reconciliation",
		}),
		InvalidPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_invalid_purged_total",
			Help: "Invalid rows deleted during reconciliation",
		}),
		RESTRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_rest_requests_total",
			Help: "REST candle fetches issued",
		}),
	}

	reg.MustRegister(
		m.CandlesIngested,
		m.UnconfirmedSkipped,
		m.InvalidRejected,
		m.WSReconnects,
		m.PushFailures,
		m.CandlesPersisted,
		m.BatchesCommitted,
		m.BatchSize,
		m.BatchCommitDur,
		m.QueueDepth,
		m.DLQDepth,
		m.DLQRetries,
		m.DLQAbandoned,
		m.BreakerState,
		m.BreakerTrips,
		m.GapsDetected,
		m.GapCandlesFilled,
		m.DuplicatesRemoved,
		m.InvalidPurged,
		m.RESTRequests,
	)

	return m
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnected bool `json:"stream_connected"`
	BrokerConnected bool `json:"broker_connected"`
	DatabaseOK      bool `json:"database_ok"`

	// Liveness probe results
	BrokerLatencyMs   float64   `json:"broker_latency_ms"`
	DatabaseLatencyMs float64   `json:"database_latency_ms"`
	LastCheckAt       time.Time `json:"last_check_at"`
	StartedAt         time.Time `json:"started_at"`

	// Set true for services without a websocket leg (persister,
	// reconciler) so the stream flag never degrades them.
	noStream bool
}

// NewHealthStatus returns a default health status. Services without a
// websocket connection pass stream=false.
func NewHealthStatus(stream bool) *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		noStream:  !stream,
	}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

// CheckBroker pings the broker and records latency + connectivity.
func (h *HealthStatus) CheckBroker(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.BrokerConnected = err == nil
	h.BrokerLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckDatabase runs a ping and records latency + health.
func (h *HealthStatus) CheckDatabase(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.DatabaseOK = err == nil
	h.DatabaseLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either probe
// target may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, broker Pinger, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if broker != nil {
					h.CheckBroker(probeCtx, broker)
				}
				if db != nil {
					h.CheckDatabase(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	streamOK := h.StreamConnected || h.noStream
	if !streamOK || !h.BrokerConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.BrokerConnected && !h.DatabaseOK {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		StreamConnected   bool    `json:"stream_connected"`
		BrokerConnected   bool    `json:"broker_connected"`
		BrokerLatencyMs   float64 `json:"broker_latency_ms"`
		DatabaseOK        bool    `json:"database_ok"`
		DatabaseLatencyMs float64 `json:"database_latency_ms"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnected:   h.StreamConnected,
		BrokerConnected:   h.BrokerConnected,
		BrokerLatencyMs:   h.BrokerLatencyMs,
		DatabaseOK:        h.DatabaseOK,
		DatabaseLatencyMs: h.DatabaseLatencyMs,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
