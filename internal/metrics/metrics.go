package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RouteRequestsTotal *prometheus.CounterVec
	RouteDuration      *prometheus.HistogramVec
	RouteAttempts      *prometheus.HistogramVec
	EventsTotal        *prometheus.CounterVec
	KeysByState        *prometheus.GaugeVec
	QuotaRemaining     *prometheus.GaugeVec
	SpendUSD           *prometheus.CounterVec
	BudgetUtilization  *prometheus.GaugeVec
	CostErrorPct       prometheus.Histogram
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RouteRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyrouter_route_requests_total",
			Help: "Route calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		RouteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyrouter_route_duration_ms",
			Help:    "End-to-end route latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"provider"}),
		RouteAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyrouter_route_attempts",
			Help:    "Provider attempts consumed per route call",
			Buckets: []float64{1, 2, 3, 4, 5},
		}, []string{"provider"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyrouter_events_total",
			Help: "Observability events by type",
		}, []string{"type"}),
		KeysByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyrouter_keys",
			Help: "Managed keys by lifecycle state",
		}, []string{"provider", "state"}),
		QuotaRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyrouter_quota_remaining",
			Help: "Remaining window capacity per key",
		}, []string{"key_id", "unit"}),
		SpendUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyrouter_spend_usd_total",
			Help: "Recorded actual spend in USD",
		}, []string{"provider", "model"}),
		BudgetUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyrouter_budget_utilization_pct",
			Help: "Budget utilization percentage by scope",
		}, []string{"scope", "scope_id"}),
		CostErrorPct: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyrouter_cost_estimate_error_pct",
			Help:    "Absolute cost estimation error percentage at reconciliation",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
	}
	reg.MustRegister(m.RouteRequestsTotal, m.RouteDuration, m.RouteAttempts,
		m.EventsTotal, m.KeysByState, m.QuotaRemaining, m.SpendUSD,
		m.BudgetUtilization, m.CostErrorPct)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
