package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var txLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "resolution_chain_tx_latency_milliseconds",
		Help:    "Latency from transaction submission to first confirmation",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	},
	[]string{"method"},
)
