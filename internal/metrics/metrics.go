// Package metrics exposes Prometheus metrics for the ingestion pipeline
// and a small HTTP server serving /metrics and /healthz.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	FetchTotal       *prometheus.CounterVec // labels: provider, outcome=ok|no_data|rate_limited|error
	RateLimitBackoff prometheus.Counter
	BreakerTrips     prometheus.Counter
	FetchDur         prometheus.Histogram

	BarsUpserted   prometheus.Counter
	ChunkCommitDur prometheus.Histogram
	ChunkFailures  prometheus.Counter

	JobRuns        *prometheus.CounterVec // labels: job, status
	JobDur         *prometheus.HistogramVec
	DroppedRecords prometheus.Counter

	PublishErrors prometheus.Counter
}

// New registers and returns all pipeline metrics.
func New() *Metrics {
	m := &Metrics{
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barsync_fetch_total",
			Help: "Upstream fetches by provider and outcome",
		}, []string{"provider", "outcome"}),
		RateLimitBackoff: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barsync_rate_limit_backoff_total",
			Help: "Backoff sleeps triggered by rate-limit signals",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barsync_breaker_trips_total",
			Help: "Batch fetches aborted by the circuit breaker",
		}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barsync_fetch_duration_seconds",
			Help:    "Upstream request duration",
			Buckets: prometheus.DefBuckets,
		}),
		BarsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barsync_bars_upserted_total",
			Help: "Bar rows written (inserts and overwrites)",
		}),
		ChunkCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barsync_chunk_commit_duration_seconds",
			Help:    "SQLite chunk transaction commit duration",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		ChunkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barsync_chunk_failures_total",
			Help: "Failed upsert sub-batches",
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barsync_job_runs_total",
			Help: "Job invocations by job type and final status",
		}, []string{"job", "status"}),
		JobDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "barsync_job_duration_seconds",
			Help:    "Job run duration",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 1800},
		}, []string{"job"}),
		DroppedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barsync_dropped_records_total",
			Help: "Raw records dropped for unparseable identity or time fields",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barsync_publish_errors_total",
			Help: "Redis publish failures (best-effort, never fail a job)",
		}),
	}

	prometheus.MustRegister(
		m.FetchTotal, m.RateLimitBackoff, m.BreakerTrips, m.FetchDur,
		m.BarsUpserted, m.ChunkCommitDur, m.ChunkFailures,
		m.JobRuns, m.JobDur, m.DroppedRecords, m.PublishErrors,
	)
	return m
}

// Health is the mutable state reported on /healthz.
type Health struct {
	StartedAt time.Time
	SQLiteOK  func() bool
	LastJob   func() (name string, at time.Time)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates the metrics and health server.
func NewServer(addr string, health *Health, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string `json:"status"`
			Uptime    string `json:"uptime"`
			SQLiteOK  bool   `json:"sqlite_ok"`
			LastJob   string `json:"last_job"`
			LastJobAt string `json:"last_job_at"`
		}{Status: "ok", Uptime: time.Since(health.StartedAt).Round(time.Second).String()}

		if health.SQLiteOK != nil {
			status.SQLiteOK = health.SQLiteOK()
			if !status.SQLiteOK {
				status.Status = "degraded"
			}
		}
		if health.LastJob != nil {
			name, at := health.LastJob()
			status.LastJob = name
			if !at.IsZero() {
				status.LastJobAt = at.Format(time.RFC3339)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if status.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	})

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
		log:  log,
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("metrics server", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
