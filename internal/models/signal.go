package models

import "time"

// Signal - решение стратегии по символу за один цикл. После создания меняются
// только Executed и PositionID.
type Signal struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Action Action `json:"action"`

	StrategyConfidence float64 `json:"strategy_confidence"`
	SelectorConfidence float64 `json:"selector_confidence"`
	// Confidence = StrategyConfidence * SelectorConfidence
	Confidence float64 `json:"confidence"`

	Price        float64   `json:"price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	StrategyName string    `json:"strategy_name"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`

	Executed   bool   `json:"executed"`
	PositionID string `json:"position_id,omitempty"`
}

func (s *Signal) Actionable() bool { return s.Action != ActionWait }
