package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpos_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vpos_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	gatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpos_gateway_calls_total",
		Help: "Gateway calls by provider, operation and normalised result",
	}, []string{"provider", "op", "result"})

	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vpos_gateway_call_duration_seconds",
		Help:    "Gateway round-trip latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "op"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpos_transaction_transitions_total",
		Help: "Lifecycle transitions by target status",
	}, []string{"to", "actor"})

	riskDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpos_risk_decisions_total",
		Help: "Risk assessments by decision",
	}, []string{"decision"})

	duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpos_idempotent_duplicates_total",
		Help: "Submissions short-circuited by the idempotency guard",
	})
)

func ObserveHTTP(method, route, status string, elapsed time.Duration) {
	httpReqTotal.WithLabelValues(method, route, status).Inc()
	httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func ObserveGatewayCall(provider, op, result string, elapsed time.Duration) {
	gatewayCalls.WithLabelValues(provider, op, result).Inc()
	gatewayLatency.WithLabelValues(provider, op).Observe(elapsed.Seconds())
}

func IncTransition(to, actor string) {
	transitions.WithLabelValues(to, actor).Inc()
}

func IncRiskDecision(decision string) {
	riskDecisions.WithLabelValues(decision).Inc()
}

func IncDuplicate() {
	duplicates.Inc()
}
