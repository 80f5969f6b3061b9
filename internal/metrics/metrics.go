package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orgstream"

// Metrics holds the ingest collectors. A nil *Metrics is valid and records nothing,
// which keeps the instrumented packages usable without a registry.
type Metrics struct {
	events        *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	dispatchTime  prometheus.Histogram
	auth          *prometheus.CounterVec
	subscriptions prometheus.Gauge
	storeErrors   *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New creates the collectors and registers them on reg (prometheus.DefaultRegisterer if nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Platform events received, by channel kind (data, control) and outcome.",
		}, []string{"kind", "result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "dispatches_total",
			Help:      "Worker dispatch attempts by result (sent, failed).",
		}, []string{"result"}),
		dispatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "dispatch_seconds",
			Help:      "Latency of worker dispatch requests.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_auth_total",
			Help:      "Tenant bearer-assertion exchanges by result.",
		}, []string{"result"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Tenant subscriptions currently registered.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "errors_total",
			Help:      "Checkpoint store failures by operation.",
		}, []string{"op"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Business-org notifications by type and result.",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(m.events, m.dispatches, m.dispatchTime, m.auth, m.subscriptions, m.storeErrors, m.notifications)
	return m
}

func (m *Metrics) Event(kind, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Dispatch(sent bool, took time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result(sent, "sent", "failed")).Inc()
	m.dispatchTime.Observe(took.Seconds())
}

func (m *Metrics) Auth(ok bool) {
	if m == nil {
		return
	}
	m.auth.WithLabelValues(result(ok, "ok", "failed")).Inc()
}

func (m *Metrics) Subscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Notification(typ string, ok bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(typ, result(ok, "ok", "failed")).Inc()
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
