package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lastIndexedBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resolution_indexer_last_block",
			Help: "Highest block number fully processed by the indexer",
		},
	)
	logsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolution_indexer_logs_total",
			Help: "Contract logs ingested by kind",
		},
		[]string{"kind"},
	)
	tickFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resolution_indexer_tick_failures_total",
			Help: "Polling ticks that aborted before advancing the cursor",
		},
	)
)
