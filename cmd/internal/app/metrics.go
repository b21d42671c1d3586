package app

import (
	"net/http"
	"time"

	"elaw/cmd/internal/auth/identity"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/backend"
	"elaw/cmd/internal/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects runtime counters on a private registry. It implements the
// observer hooks of the session store, reconciler, aggregator and backend
// client.
type Metrics struct {
	reg *prometheus.Registry

	sessionTransitions *prometheus.CounterVec
	reconcileOutcomes  *prometheus.CounterVec
	pushSnapshots      prometheus.Counter
	unread             prometheus.Gauge
	backendRequests    *prometheus.CounterVec
	backendLatency     *prometheus.HistogramVec
}

var (
	_ session.TransitionObserver = (*Metrics)(nil)
	_ identity.OutcomeObserver   = (*Metrics)(nil)
	_ notify.Observer            = (*Metrics)(nil)
	_ backend.RequestObserver    = (*Metrics)(nil)
)

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elaw_session_transitions_total",
			Help: "Session state transitions by target state.",
		}, []string{"to"}),
		reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elaw_reconcile_outcomes_total",
			Help: "Reconciliation steps by outcome.",
		}, []string{"step", "result"}),
		pushSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elaw_notify_push_snapshots_total",
			Help: "Push feed snapshots merged into the aggregated feed.",
		}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elaw_notify_unread",
			Help: "Unread notifications in the aggregated feed.",
		}),
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elaw_backend_requests_total",
			Help: "Backend REST requests by method and status class.",
		}, []string{"method", "status_class"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "elaw_backend_request_seconds",
			Help:    "Backend REST request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(
		m.sessionTransitions,
		m.reconcileOutcomes,
		m.pushSnapshots,
		m.unread,
		m.backendRequests,
		m.backendLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SessionTransition(_, to session.State) {
	m.sessionTransitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) ReconcileOutcome(step, result string) {
	m.reconcileOutcomes.WithLabelValues(step, result).Inc()
}

func (m *Metrics) PushSnapshot() {
	m.pushSnapshots.Inc()
}

func (m *Metrics) UnreadChanged(n int) {
	m.unread.Set(float64(n))
}

// BackendRequest records one REST call; status 0 is a transport failure.
func (m *Metrics) BackendRequest(method string, status int, elapsed time.Duration) {
	class := "transport_error"
	if status > 0 {
		class = statusClass(status)
	}
	m.backendRequests.WithLabelValues(method, class).Inc()
	m.backendLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}
