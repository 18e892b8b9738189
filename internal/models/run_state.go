package models

import "time"

// BotRunState - единственная строка состояния запуска.
type BotRunState struct {
	IsRunning bool       `json:"is_running"`
	StartTime *time.Time `json:"start_time,omitempty"`
	StopTime  *time.Time `json:"stop_time,omitempty"`

	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	TotalProfit    float64 `json:"total_profit"`
	CurrentBalance float64 `json:"current_balance"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TradeStats - агрегат по закрытым позициям, считается из хранилища.
type TradeStats struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	TotalProfit float64 `json:"total_profit"`
}

func (s TradeStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}
