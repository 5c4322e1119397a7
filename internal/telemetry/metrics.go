// Package telemetry exposes engine counters over a Prometheus endpoint.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillsol/solguard/internal/domain"
)

// Metrics is a domain.EventSink that turns engine events into Prometheus
// series. Publish only touches in-process counters, so it never blocks.
type Metrics struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	actionOutcomes   *prometheus.CounterVec
	actionRetries    prometheus.Counter
	snapshotsDropped prometheus.Counter
	openPositions    prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solguard",
			Name:      "position_transitions_total",
			Help:      "Position state transitions by target state.",
		}, []string{"to"}),
		actionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solguard",
			Name:      "action_outcomes_total",
			Help:      "Terminal action outcomes by state and reason.",
		}, []string{"state", "reason"}),
		actionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "solguard",
			Name:      "action_retries_total",
			Help:      "Action submission retries.",
		}),
		snapshotsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "solguard",
			Name:      "snapshots_dropped_total",
			Help:      "Market snapshots dropped due to backpressure or staleness.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "solguard",
			Name:      "open_positions",
			Help:      "Positions currently in a non-terminal state.",
		}),
	}

	reg.MustRegister(
		m.transitions,
		m.actionOutcomes,
		m.actionRetries,
		m.snapshotsDropped,
		m.openPositions,
	)
	return m
}

// Publish implements domain.EventSink.
func (m *Metrics) Publish(ev domain.Event) {
	switch ev.Type {
	case domain.EventPositionOpened:
		m.transitions.WithLabelValues(ev.To).Inc()
		m.openPositions.Inc()
	case domain.EventPositionState:
		m.transitions.WithLabelValues(ev.To).Inc()
	case domain.EventPositionClosed, domain.EventPositionFailed:
		m.transitions.WithLabelValues(ev.To).Inc()
		m.openPositions.Dec()
	case domain.EventActionConfirmed, domain.EventActionRejected, domain.EventActionAbandoned:
		state := string(ev.Type[len("action_"):])
		m.actionOutcomes.WithLabelValues(state, ev.Reason).Inc()
	case domain.EventActionRetried:
		m.actionRetries.Inc()
	case domain.EventSnapshotDropped:
		m.snapshotsDropped.Inc()
	}
}

// Server serves the /metrics endpoint.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds an HTTP server exposing the metrics registry at /metrics.
func NewServer(addr string, m *Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With(slog.String("component", "telemetry")),
	}
}

// Run serves until the listener fails. Returns nil on graceful shutdown.
func (s *Server) Run() error {
	s.logger.Info("metrics listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
