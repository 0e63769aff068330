package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink counts invocations in Prometheus and then forwards them to
// the wrapped sink, if any.
type MetricsSink struct {
	next        Sink
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	cost        *prometheus.CounterVec
}

func NewMetricsSink(reg prometheus.Registerer, next Sink) *MetricsSink {
	f := promauto.With(reg)
	return &MetricsSink{
		next: next,
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_router_invocations_total",
			Help: "Routed model invocations by provider, model and status",
		}, []string{"provider", "model", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_router_invocation_duration_seconds",
			Help:    "Wall time of routed invocations",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_router_tokens_total",
			Help: "Tokens reported by providers",
		}, []string{"provider", "model", "kind"}),
		cost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_router_cost_usd_total",
			Help: "Computed invocation cost in USD",
		}, []string{"provider", "model"}),
	}
}

func (m *MetricsSink) Record(ctx context.Context, inv *Invocation) error {
	if inv != nil {
		m.observe(inv)
	}
	if m.next == nil {
		return nil
	}
	return m.next.Record(ctx, inv)
}

func (m *MetricsSink) observe(inv *Invocation) {
	p, mdl := inv.ProviderName, inv.ModelName
	m.invocations.WithLabelValues(p, mdl, string(inv.Status)).Inc()
	m.duration.WithLabelValues(p, mdl).Observe(inv.DurationMs / 1000)
	if inv.PromptTokens != nil {
		m.tokens.WithLabelValues(p, mdl, "prompt").Add(float64(*inv.PromptTokens))
	}
	if inv.CompletionTokens != nil {
		m.tokens.WithLabelValues(p, mdl, "completion").Add(float64(*inv.CompletionTokens))
	}
	if inv.Cost != nil {
		m.cost.WithLabelValues(p, mdl).Add(*inv.Cost)
	}
}
