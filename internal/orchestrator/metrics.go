package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trade_agent_cycles_total",
		Help: "Completed main-loop cycles",
	})

	signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_agent_signals_total",
		Help: "Generated signals by action",
	}, []string{"action"})

	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_agent_orders_total",
		Help: "Orders sent to the exchange",
	}, []string{"kind", "result"})

	symbolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_agent_symbol_errors_total",
		Help: "Isolated per-symbol analysis failures",
	}, []string{"symbol"})

	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_agent_persistence_failures_total",
		Help: "Failed storage writes by operation",
	}, []string{"op"})

	openPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trade_agent_open_positions",
		Help: "Positions currently held in the ledger",
	})

	pendingWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trade_agent_pending_position_writes",
		Help: "Positions whose last state is not yet in storage",
	})

	tradesTodayGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trade_agent_trades_today",
		Help: "Trades opened since UTC midnight",
	})

	realizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trade_agent_realized_pnl",
		Help: "Realized P&L in quote asset",
	})

	botState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trade_agent_state",
		Help: "1 for the current lifecycle state",
	}, []string{"state"})
)
