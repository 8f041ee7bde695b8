package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	unitsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "standards_units_dispatched_total",
		Help: "Units handed to the worker pool.",
	}, []string{"discipline", "stage"})

	unitResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "standards_unit_results_total",
		Help: "Recorded unit results by stage and resulting status.",
	}, []string{"stage", "status"})

	unitCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "standards_cost_total",
		Help: "Backend cost charged to units.",
	}, []string{"discipline"})

	agentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "standards_agent_duration_seconds",
		Help:    "Agent run time per stage.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	checkpointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "standards_checkpoint_writes_total",
		Help: "Checkpoint writes by result.",
	}, []string{"result"})

	poolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "standards_pool_busy",
		Help: "Pool slots holding a claimed unit.",
	})
)
