package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_dispatch_requests_total",
		Help: "Dispatch requests by feature and outcome",
	}, []string{"feature", "outcome"})

	DispatchFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_dispatch_fallbacks_total",
		Help: "Local fallbacks triggered, by the error type that caused them",
	}, []string{"reason"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coach_dispatch_duration_seconds",
		Help:    "End-to-end dispatch latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	DispatchEstimatedCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_dispatch_estimated_cost_total",
		Help: "Catalog-relative cost of answered requests, by provider",
	}, []string{"provider"})

	DispatchPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_dispatch_pending_requests",
		Help: "Requests registered in the pending map",
	})

	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_worker_queue_depth",
		Help: "Requests waiting for the inference worker",
	})

	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_ledger_appends_total",
		Help: "Audit ledger appends by outcome",
	}, []string{"outcome"})

	MirrorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_mirror_events_total",
		Help: "Audit events mirrored, by sink and outcome",
	}, []string{"sink", "outcome"})

	PrivacyDowngrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_privacy_downgrades_total",
		Help: "External processing requests downgraded to local",
	}, []string{"feature", "reason"})

	RAGRelevance = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coach_rag_relevance_score",
		Help:    "Relevance score of aggregated contexts",
		Buckets: []float64{0, 10, 25, 40, 55, 70, 85, 100},
	})

	OrchestrationConfidence = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coach_orchestration_confidence",
		Help:    "Overall confidence of orchestration results",
		Buckets: []float64{0, 0.1, 0.25, 0.4, 0.55, 0.7, 0.85, 1},
	}, []string{"mode"})

	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_config_reloads_total",
		Help: "Config file reloads by result (applied, rejected, unchanged)",
	}, []string{"result"})
)
