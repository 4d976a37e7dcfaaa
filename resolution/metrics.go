package resolution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolution_transitions_total",
			Help: "Applied state transitions by edge",
		},
		[]string{"from", "to"},
	)
	invalidTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolution_invalid_transitions_total",
			Help: "Transition requests rejected by the table",
		},
		[]string{"from", "to"},
	)
	guardRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resolution_guard_rejections_total",
			Help: "Finalization attempts rejected by the liveness guard",
		},
	)
	disputesHandledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resolution_disputes_handled_total",
			Help: "Disputes routed through the orchestrator",
		},
	)
	proposalsInitiatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resolution_proposals_initiated_total",
			Help: "Proposals submitted on-chain by the orchestrator",
		},
	)
	settlementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resolution_settlements_total",
			Help: "Events settled on-chain",
		},
	)
	replayAlarmsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resolution_replay_alarms_total",
			Help: "Divergences detected while replaying authoritative state",
		},
	)
)
