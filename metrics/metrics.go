// Package metrics defines the Prometheus instrumentation shared across the
// orchestrator, workers, and gates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts transition outcomes by source and target
	// state, including no-op identities.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipwright",
		Name:      "transitions_total",
		Help:      "Workflow state transitions decided by the orchestrator.",
	}, []string{"from", "to"})

	// JobsEnqueuedTotal counts jobs the orchestrator published, before
	// JetStream deduplication.
	JobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipwright",
		Name:      "jobs_enqueued_total",
		Help:      "Stage jobs enqueued by job name.",
	}, []string{"job"})

	// JobDuration observes stage job execution time by job name and
	// outcome.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shipwright",
		Name:      "job_duration_seconds",
		Help:      "Stage job execution time.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"job", "outcome"})

	// RunsTotal counts recorded runs by final status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipwright",
		Name:      "runs_total",
		Help:      "Recorded stage runs by final status.",
	}, []string{"job", "status"})

	// PolicyVerdictsTotal counts Gate2 evaluations by verdict.
	PolicyVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipwright",
		Name:      "policy_verdicts_total",
		Help:      "Policy gate evaluations by verdict.",
	}, []string{"verdict"})

	// WriteBlocksTotal counts writes stopped by the approval gate.
	WriteBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shipwright",
		Name:      "write_blocks_total",
		Help:      "Code host writes blocked for lack of an apply approval.",
	})

	// LLMTokensTotal counts model tokens by model and direction.
	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipwright",
		Name:      "llm_tokens_total",
		Help:      "LLM tokens consumed.",
	}, []string{"model", "direction"})
)
