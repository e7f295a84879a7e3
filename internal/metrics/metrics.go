package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkout"

type Metrics struct {
	IntentsCreated    *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	WebhookRejected   *prometheus.CounterVec
	GatewayCalls      *prometheus.CounterVec
	SweptIntents      prometheus.Counter
	HTTPDuration      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the checkout collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IntentsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_created_total",
			Help:      "Payment intents created, by payment method.",
		}, []string{"method"}),
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Payment intent status transitions.",
		}, []string{"from", "to"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests denied by the rate limiter, by class.",
		}, []string{"class"}),
		WebhookRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejected_total",
			Help:      "Webhook deliveries rejected, by reason.",
		}, []string{"reason"}),
		GatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Gateway calls, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		SweptIntents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_intents_total",
			Help:      "Intents removed by the background sweep.",
		}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Created(method string) {
	if m == nil {
		return
	}
	m.IntentsCreated.WithLabelValues(method).Inc()
}

func (m *Metrics) Denied(class string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(class).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.WebhookRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Gateway(provider, outcome string) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptIntents.Add(float64(n))
}
