package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notifyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trade_agent_notify_dropped_total",
		Help: "Notifications dropped because the send queue was full.",
	})
	notifyFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trade_agent_notify_failed_total",
		Help: "Notifications the messenger API refused.",
	})
)
