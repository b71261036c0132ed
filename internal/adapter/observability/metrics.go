// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// RecorderHostsRunning is a gauge of hosts currently reporting a
	// running recorder, refreshed each monitor tick.
	RecorderHostsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recorder_hosts_running",
			Help: "Number of recorder hosts currently reporting a running state",
		},
	)
	// RecorderHostsConnected is a gauge of hosts currently connected
	// (bound), regardless of recording state.
	RecorderHostsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recorder_hosts_connected",
			Help: "Number of recorder hosts currently connected",
		},
	)
	// RecorderTopicCount is a gauge of distinct topics seen across the
	// fleet's monitoring snapshot, refreshed each monitor tick.
	RecorderTopicCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recorder_topic_count",
			Help: "Number of distinct topics seen across the recorder fleet",
		},
	)

	// PingRoundtripDuration records RPC ping latency per host.
	PingRoundtripDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recorder_ping_roundtrip_seconds",
			Help:    "Round-trip duration of GetState pings to recorder clients",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"host"},
	)
	// PingFailuresTotal counts failed pings by host and reason.
	PingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_ping_failures_total",
			Help: "Total number of failed pings to recorder clients",
		},
		[]string{"host", "reason"},
	)
	// CircuitBreakerState tracks per-host RPC circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recorder_circuit_breaker_state",
			Help: "Per-host RPC circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"host"},
	)

	// JobsStartedTotal counts measurement start commands issued.
	JobsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_jobs_started_total",
			Help: "Total number of measurements started",
		},
	)
	// JobsStoppedTotal counts measurement stop commands issued.
	JobsStoppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_jobs_stopped_total",
			Help: "Total number of measurements stopped",
		},
	)
	// JobsUploadedTotal counts measurements successfully marked uploaded,
	// by the uploader kind used (ftp/scp/internal).
	JobsUploadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_jobs_uploaded_total",
			Help: "Total number of measurements uploaded",
		},
		[]string{"uploader"},
	)
	// JobsDeletedTotal counts measurements deleted.
	JobsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_jobs_deleted_total",
			Help: "Total number of measurements deleted",
		},
	)
	// JobHistoryPersistFailuresTotal counts write-behind persistence
	// failures to the job_history store.
	JobHistoryPersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_history_persist_failures_total",
			Help: "Total number of failed job_history write-behind persistence attempts",
		},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RecorderHostsRunning)
	prometheus.MustRegister(RecorderHostsConnected)
	prometheus.MustRegister(RecorderTopicCount)
	prometheus.MustRegister(PingRoundtripDuration)
	prometheus.MustRegister(PingFailuresTotal)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(JobsStartedTotal)
	prometheus.MustRegister(JobsStoppedTotal)
	prometheus.MustRegister(JobsUploadedTotal)
	prometheus.MustRegister(JobsDeletedTotal)
	prometheus.MustRegister(JobHistoryPersistFailuresTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordMonitorSnapshot updates the per-tick fleet gauges from a monitor
// pass: the number of hosts reporting a running recorder, the number of
// connected hosts, and the number of distinct topics seen.
func RecordMonitorSnapshot(hostsRunning, hostsConnected, topicCount int) {
	RecorderHostsRunning.Set(float64(hostsRunning))
	RecorderHostsConnected.Set(float64(hostsConnected))
	RecorderTopicCount.Set(float64(topicCount))
}

// RecordPing records the outcome of a single GetState ping to host.
func RecordPing(host string, duration time.Duration, err error) {
	PingRoundtripDuration.WithLabelValues(host).Observe(duration.Seconds())
	if err != nil {
		PingFailuresTotal.WithLabelValues(host, "rpc_error").Inc()
	}
}

// RecordCircuitBreakerState records the RPC circuit breaker state for host.
// state must be one of "closed", "open", "half-open".
func RecordCircuitBreakerState(host, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(host).Set(v)
}

// RecordJobStarted increments the measurement-started counter.
func RecordJobStarted() {
	JobsStartedTotal.Inc()
}

// RecordJobStopped increments the measurement-stopped counter.
func RecordJobStopped() {
	JobsStoppedTotal.Inc()
}

// RecordJobUploaded increments the measurement-uploaded counter for the
// given uploader kind.
func RecordJobUploaded(uploader string) {
	JobsUploadedTotal.WithLabelValues(uploader).Inc()
}

// RecordJobDeleted increments the measurement-deleted counter.
func RecordJobDeleted() {
	JobsDeletedTotal.Inc()
}

// RecordJobHistoryPersistFailure increments the job_history write-behind
// failure counter.
func RecordJobHistoryPersistFailure() {
	JobHistoryPersistFailuresTotal.Inc()
}
