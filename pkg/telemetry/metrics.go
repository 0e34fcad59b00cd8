package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the update engine.
type Metrics struct {
	enabled bool

	checksTotal     prometheus.Counter
	installsTotal   *prometheus.CounterVec
	updatesVisible  prometheus.Gauge
	securityVisible prometheus.Gauge
	sessionState    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. When disabled, every method is
// a no-op so call sites stay unconditional.
func NewMetrics(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		enabled:  true,
		registry: registry,
		checksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pkgpatrol",
			Name:      "checks_total",
			Help:      "Total number of update checks run",
		}),
		installsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pkgpatrol",
			Name:      "installs_total",
			Help:      "Total number of install sessions by terminal outcome",
		}, []string{"outcome"}),
		updatesVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pkgpatrol",
			Name:      "updates_visible",
			Help:      "Number of update rows in the current catalog",
		}),
		securityVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pkgpatrol",
			Name:      "security_updates_visible",
			Help:      "Number of security rows in the current catalog",
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pkgpatrol",
			Name:      "session_state",
			Help:      "Current install session state (1 for the active state)",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.checksTotal,
		m.installsTotal,
		m.updatesVisible,
		m.securityVisible,
		m.sessionState,
	)

	return m
}

// CheckRan counts one completed update check.
func (m *Metrics) CheckRan(total, security int) {
	if !m.enabled {
		return
	}
	m.checksTotal.Inc()
	m.updatesVisible.Set(float64(total))
	m.securityVisible.Set(float64(security))
}

// InstallFinished counts one install session reaching a terminal state.
func (m *Metrics) InstallFinished(outcome string) {
	if !m.enabled {
		return
	}
	m.installsTotal.WithLabelValues(outcome).Inc()
}

// SessionState records the current session state.
func (m *Metrics) SessionState(state string) {
	if !m.enabled {
		return
	}
	m.sessionState.Reset()
	m.sessionState.WithLabelValues(state).Set(1)
}

// Handler returns an HTTP handler exposing the metrics, or nil when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
