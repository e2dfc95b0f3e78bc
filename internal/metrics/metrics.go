// Package metrics exposes control-plane counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "celerix"

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	reloads         prometheus.Counter
	reloadFailures  prometheus.Counter
	reloadSeconds   prometheus.Histogram
	aborts          *prometheus.CounterVec
	denials         *prometheus.CounterVec
	sessionRefresh  prometheus.Counter
	sessionExpiries prometheus.Counter
}

// New builds the collectors and registers them with Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "reloads_total",
			Help: "Configuration reloads triggered by a sync token change.",
		}),
		reloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "reload_failures_total",
			Help: "Reloads that failed and left the last-good configuration in place.",
		}),
		reloadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "reload_duration_seconds",
			Help:    "Time spent rebuilding plugins, ACL and routes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "aborts_total",
			Help: "Handler chains stopped by an abort or a handler error.",
		}, []string{"event"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "acl", Name: "denials_total",
			Help: "Requests rejected by access control.",
		}, []string{"target"}),
		sessionRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "refreshes_total",
			Help: "Sessions rewritten after crossing half of their window.",
		}),
		sessionExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "expiries_total",
			Help: "Sessions deleted on read after their window elapsed.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reloads, m.reloadFailures, m.reloadSeconds,
		m.aborts, m.denials, m.sessionRefresh, m.sessionExpiries,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveReload(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.reloadFailures.Inc()
		return
	}
	m.reloads.Inc()
	m.reloadSeconds.Observe(d.Seconds())
}

func (m *Metrics) ObserveAbort(event string) {
	if m == nil {
		return
	}
	m.aborts.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveDenial(target string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(target).Inc()
}

func (m *Metrics) ObserveSessionRefresh() {
	if m == nil {
		return
	}
	m.sessionRefresh.Inc()
}

func (m *Metrics) ObserveSessionExpiry() {
	if m == nil {
		return
	}
	m.sessionExpiries.Inc()
}
