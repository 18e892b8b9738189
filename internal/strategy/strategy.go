package strategy

import (
	"fmt"

	"trade_agent/internal/models"
)

// Result - ответ стратегии. StopLoss/TakeProfit = 0 значит «не задано»,
// тогда уровни достраивает оркестратор.
type Result struct {
	Action     models.Action
	Confidence float64
	StopLoss   float64
	TakeProfit float64
	Reason     string
}

// Strategy - OHLCV по символу -> рекомендация. Реализации не должны держать
// состояние между вызовами: свечи приходят целиком каждый цикл.
type Strategy interface {
	Name() string
	Analyze(candles []models.Candle, symbol string) (Result, error)
}

func wait(reason string, args ...any) Result {
	return Result{Action: models.ActionWait, Reason: fmt.Sprintf(reason, args...)}
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

func closes(cs []models.Candle) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}
