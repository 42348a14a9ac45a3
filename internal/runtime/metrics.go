package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "turns_started_total",
		Help:      "Turns accepted by the orchestrator.",
	})

	turnsRejectedBusy = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "turns_rejected_busy_total",
		Help:      "Turn submissions rejected because a turn was in flight.",
	})

	turnsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "turns_completed_total",
		Help:      "Turns finished, by terminal outcome.",
	}, []string{"outcome"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "loom",
		Name:      "turn_duration_seconds",
		Help:      "Wall time of one turn.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "tool_executions_total",
		Help:      "Tool dispatches, by outcome.",
	}, []string{"outcome"})

	providerStreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "loom",
		Name:      "provider_stream_duration_seconds",
		Help:      "Duration of one provider streaming call.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	approvalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "approval_decisions_total",
		Help:      "Approval rendezvous resolutions, by decision.",
	}, []string{"decision"})

	handoffs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "handoffs_total",
		Help:      "Agent handoffs performed.",
	})
)
