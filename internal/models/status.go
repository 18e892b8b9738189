package models

import "time"

// BotState - состояние жизненного цикла оркестратора.
type BotState string

const (
	StateStopped  BotState = "STOPPED"
	StateStarting BotState = "STARTING"
	StateRunning  BotState = "RUNNING"
	StateStopping BotState = "STOPPING"
	StateError    BotState = "ERROR"
)

// Status - снимок для внешних читателей; ничего не шарит с леджером.
type Status struct {
	State         BotState   `json:"state"`
	ActiveSymbols []string   `json:"active_symbols"`
	OpenPositions []Position `json:"open_positions"`
	Uptime        time.Duration `json:"uptime"`
	CycleCount    int64      `json:"cycle_count"`
	TradesToday   int        `json:"trades_today"`
	DailyCap      int        `json:"daily_cap"`
	Balance       float64    `json:"balance"`
	Stats         RiskStats  `json:"stats"`
	LastError     string     `json:"last_error,omitempty"`
}

// RiskStats - счётчики риск-менеджера.
type RiskStats struct {
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	Breakevens  int     `json:"breakevens"`
	RealizedPnL float64 `json:"realized_pnl"`
	BestTrade   float64 `json:"best_trade"`
	WorstTrade  float64 `json:"worst_trade"`
}

func (s RiskStats) Trades() int { return s.Wins + s.Losses + s.Breakevens }

// CommandResult - ответ любой публичной команды.
type CommandResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func Ok(msg string) CommandResult   { return CommandResult{OK: true, Message: msg} }
func Fail(msg string) CommandResult { return CommandResult{OK: false, Message: msg} }
