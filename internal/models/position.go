package models

import "time"

type PositionStatus string

const (
	PositionOpen      PositionStatus = "OPEN"
	PositionClosed    PositionStatus = "CLOSED"
	PositionCancelled PositionStatus = "CANCELLED"
)

// Position - удерживаемая экспозиция. Физически не удаляется, только переводится
// в терминальный статус.
type Position struct {
	ID           string         `json:"id"`
	Symbol       string         `json:"symbol"`
	Side         Side           `json:"side"`
	EntryPrice   float64        `json:"entry_price"`
	Quantity     float64        `json:"quantity"`
	StopLoss     float64        `json:"stop_loss"`
	TakeProfit   float64        `json:"take_profit"`
	Status       PositionStatus `json:"status"`
	StrategyName string         `json:"strategy_name"`
	SignalID     string         `json:"signal_id,omitempty"`

	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	ExitPrice      float64 `json:"exit_price"`
	RealizedProfit float64 `json:"realized_profit"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`

	EntryFee    float64 `json:"entry_fee"`
	ExitFee     float64 `json:"exit_fee"`
	CloseReason string  `json:"close_reason,omitempty"`

	EntryOrderID string `json:"entry_order_id,omitempty"`
	ExitOrderID  string `json:"exit_order_id,omitempty"`
}

func (p *Position) IsOpen() bool { return p.Status == PositionOpen }

// GrossProfitAt - (exit-entry)*qty*sign(side), без комиссий.
func (p *Position) GrossProfitAt(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// ProfitPct - доходность относительно стоимости входа, в процентах.
func (p *Position) ProfitPct(profit float64) float64 {
	cost := p.EntryPrice * p.Quantity
	if cost <= 0 {
		return 0
	}
	return profit / cost * 100
}

// Notional - стоимость позиции по цене входа.
func (p *Position) Notional() float64 { return p.EntryPrice * p.Quantity }
