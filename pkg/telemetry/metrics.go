package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/skeinlab/skein/pkg/engine"
)

// Metrics collects Prometheus metrics for deployments.
type Metrics struct {
	config MetricsConfig

	deploymentsStarted   prometheus.Counter
	deploymentsCompleted *prometheus.CounterVec
	hostsProvisioned     prometheus.Counter
	servicesRunning      prometheus.Gauge
	serviceCrashes       *prometheus.CounterVec
	teardownErrors       prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the metrics collector. A disabled configuration yields a
// no-op instance.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_started_total",
			Help:      "Total number of deployments started",
		}),
		deploymentsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_completed_total",
			Help:      "Total number of deployments reaching a terminal state",
		}, []string{"state"}),
		hostsProvisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_provisioned_total",
			Help:      "Total number of hosts provisioned",
		}),
		servicesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_running",
			Help:      "Number of service processes currently running",
		}),
		serviceCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_crashes_total",
			Help:      "Total number of unexpected service exits",
		}, []string{"service"}),
		teardownErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_errors_total",
			Help:      "Total number of best-effort teardown failures",
		}),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.hostsProvisioned,
		m.servicesRunning,
		m.serviceCrashes,
		m.teardownErrors,
	)
	return m
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool { return m.registry != nil }

// Registry exposes the underlying registry for scrape handlers and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on the configured listen address until the context
// ends. It blocks; run it in its own goroutine.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.Enabled() || m.config.ListenAddr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: m.config.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", m.config.ListenAddr).Msg("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Observe consumes a deployment's event bus and updates the metrics until the
// context ends. It blocks; run it in its own goroutine.
func (m *Metrics) Observe(ctx context.Context, d *engine.Deployment) {
	if !m.Enabled() {
		return
	}
	m.deploymentsStarted.Inc()

	for ev := range d.Events().Subscribe(ctx) {
		switch ev.Type {
		case engine.EventHostProvisioned:
			m.hostsProvisioned.Inc()
		case engine.EventServiceStarted:
			m.servicesRunning.Inc()
		case engine.EventServiceStopped:
			m.servicesRunning.Dec()
		case engine.EventServiceCrashed:
			m.servicesRunning.Dec()
			m.serviceCrashes.WithLabelValues(ev.Service).Inc()
		case engine.EventTeardownError:
			m.teardownErrors.Inc()
		case engine.EventStateChanged:
			if st := d.State(); st == engine.StateTornDown {
				m.deploymentsCompleted.WithLabelValues(string(st)).Inc()
			}
		}
	}
}
