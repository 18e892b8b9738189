package pacing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pacingDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "trade_agent_pacing_delay_seconds",
	Help:    "Computed pacing delays by action kind.",
	Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
}, []string{"kind"})
