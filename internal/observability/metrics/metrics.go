package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sqlassist"

// Registry holds every collector exported by the service.
var Registry = prometheus.NewRegistry()

var (
	turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Conversation turns by operation and outcome.",
	}, []string{"operation", "outcome"})

	gateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_decisions_total",
		Help:      "Approval gate decisions by kind (held, auto, approved, rejected).",
	}, []string{"decision"})

	skillLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "skill_loads_total",
		Help:      "Skill load requests issued by the model, by outcome.",
	}, []string{"outcome"})

	adapterLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "adapter_call_duration_seconds",
		Help:      "Reasoning backend call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
	}, []string{"outcome"})

	statements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "statements_total",
		Help:      "Executed statements by outcome.",
	}, []string{"outcome"})

	statementLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "statement_duration_seconds",
		Help:      "Statement execution latency including connection checkout.",
		Buckets:   prometheus.DefBuckets,
	})

	poolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_connections_in_use",
		Help:      "Connections currently checked out of the pool.",
	})

	poolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_exhausted_total",
		Help:      "Acquire attempts that timed out waiting for a connection.",
	})

	poolDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_discarded_total",
		Help:      "Connections discarded as broken on release.",
	})

	poolWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pool_acquire_wait_seconds",
		Help:      "Time spent waiting for a pooled connection.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		turns, gateDecisions, skillLoads, adapterLatency,
		statements, statementLatency,
		poolInUse, poolExhausted, poolDiscarded, poolWait,
	)
}

// ObserveTurn counts one SubmitMessage or SubmitApproval call.
func ObserveTurn(operation, outcome string) {
	turns.WithLabelValues(operation, outcome).Inc()
}

func ObserveGateDecision(decision string) {
	gateDecisions.WithLabelValues(decision).Inc()
}

func ObserveSkillLoad(outcome string) {
	skillLoads.WithLabelValues(outcome).Inc()
}

func ObserveAdapterCall(outcome string, d time.Duration) {
	adapterLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func ObserveStatement(outcome string, d time.Duration) {
	statements.WithLabelValues(outcome).Inc()
	statementLatency.Observe(d.Seconds())
}

// ObservePoolAcquire records a successful checkout and how long it waited.
func ObservePoolAcquire(wait time.Duration) {
	poolWait.Observe(wait.Seconds())
	poolInUse.Inc()
}

func ObservePoolRelease(discarded bool) {
	poolInUse.Dec()
	if discarded {
		poolDiscarded.Inc()
	}
}

func ObservePoolExhausted() {
	poolExhausted.Inc()
}
