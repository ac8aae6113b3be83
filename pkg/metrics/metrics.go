package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ProposalsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_proposals_ingested_total",
			Help: "Total number of agent proposals received by the intake consumer (count)",
		},
		[]string{"status"},
	)

	GroupsConsolidatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "curation_groups_consolidated_total",
			Help: "Total number of working groups produced by consolidation (count)",
		},
	)

	ConsolidatedFieldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_consolidated_fields_total",
			Help: "Total number of consolidated fields by outcome (count)",
		},
		[]string{"outcome"},
	)

	SupersededProposalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "curation_superseded_proposals_total",
			Help: "Total number of proposals superseded during deduplication (count)",
		},
	)

	BlocksAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_blocks_applied_total",
			Help: "Total number of block applications by outcome (count)",
		},
		[]string{"block", "status"},
	)

	BlockApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "curation_block_apply_duration_ms",
			Help:    "Downstream write duration per block in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"block", "status"},
	)

	AutoApplyRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_auto_apply_runs_total",
			Help: "Total number of auto-apply scheduler cycles by outcome (count)",
		},
		[]string{"status"},
	)

	AutoApplyExclusionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_auto_apply_exclusions_total",
			Help: "Candidate groups excluded from unattended application, by reason (count)",
		},
		[]string{"reason"},
	)

	AutoApplySelectedGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "curation_auto_apply_selected_groups",
			Help: "Number of groups selected in the most recent scheduler cycle (count)",
		},
	)

	AutoApplyNextRunTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "curation_auto_apply_next_run_timestamp_seconds",
			Help: "Unix timestamp of the next scheduled auto-apply cycle",
		},
	)

	TargetLocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "curation_target_locks_held",
			Help: "Number of per-target-key advisory locks currently held (count)",
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failed requests through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked by rate limiter (count)",
		},
		[]string{"status"},
	)
)

var registered = make(map[prometheus.Collector]bool)

func register(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if !registered[c] {
			prometheus.MustRegister(c)
			registered[c] = true
		}
	}
}

func RegisterCurationMetrics() {
	register(
		ProposalsIngestedTotal,
		GroupsConsolidatedTotal,
		ConsolidatedFieldsTotal,
		SupersededProposalsTotal,
		BlocksAppliedTotal,
		BlockApplyDuration,
		TargetLocksHeld,
	)
}

func RegisterSchedulerMetrics() {
	register(
		AutoApplyRunsTotal,
		AutoApplyExclusionsTotal,
		AutoApplySelectedGroups,
		AutoApplyNextRunTimestamp,
	)
}

func RegisterBrokerMetrics() {
	register(RetryAttemptsTotal, DLQMessagesTotal)
}

func RegisterCircuitBreakerMetrics() {
	register(CircuitBreakerState, CircuitBreakerRequests, CircuitBreakerFailures)
}

func RegisterAPIMetrics() {
	register(RateLimitRequestsTotal)
}

func ObserveBlockApply(duration time.Duration, block, status string) {
	BlocksAppliedTotal.WithLabelValues(block, status).Inc()
	BlockApplyDuration.WithLabelValues(block, status).Observe(float64(duration.Milliseconds()))
}
