// Package observability wires the metrics and tracing stack for the
// interception pipeline: frames observed, back-pressure drops, active
// sessions, correlator pending count, recorder throughput.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the core registers. Any component
// may receive a nil *Metrics (e.g. in tests or when metrics are disabled by
// config); every call site guards against that.
type Metrics struct {
	FramesObservedTotal      *prometheus.CounterVec
	ObservationsDroppedTotal prometheus.Counter
	UIBackpressureDropped    prometheus.Counter
	ActiveSessions           prometheus.Gauge
	CorrelatorPendingTotal   prometheus.Gauge
	RecordingsActive         prometheus.Gauge
	EntriesRecordedTotal     prometheus.Counter
}

// NewMetrics creates and registers every metric with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		FramesObservedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reticle",
				Name:      "frames_observed_total",
				Help:      "Total frames observed by the interception pipeline.",
			},
			[]string{"direction"},
		),
		ObservationsDroppedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "reticle",
				Name:      "observations_dropped_total",
				Help:      "Total observations dropped on the forwarding path due to back-pressure.",
			},
		),
		UIBackpressureDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "reticle",
				Name:      "ui_backpressure_dropped_total",
				Help:      "Total UI bus events dropped because a subscriber's queue was full.",
			},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "reticle",
				Name:      "active_sessions",
				Help:      "Number of sessions currently registered.",
			},
		),
		CorrelatorPendingTotal: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "reticle",
				Name:      "correlator_pending_requests",
				Help:      "Number of requests awaiting a correlated response, across all sessions.",
			},
		),
		RecordingsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "reticle",
				Name:      "recordings_active",
				Help:      "Number of recordings currently in progress.",
			},
		),
		EntriesRecordedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "reticle",
				Name:      "entries_recorded_total",
				Help:      "Total log entries persisted by the recorder.",
			},
		),
	}
}

// ServeMetrics starts an HTTP server exposing reg's metrics at /metrics on
// addr. The caller owns shutting it down via the returned server.
func ServeMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
