package helper

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NormTF приводит таймфрейм к виду "1m|5m|15m|1h|4h|1d".
func NormTF(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimPrefix(s, "candle")
	switch s {
	case "60m", "1h":
		return "1h"
	case "240m", "4h":
		return "4h"
	case "1440m", "24h", "1d":
		return "1d"
	default:
		return s
	}
}

// RoundDownToTick - вниз до шага (цены или лота). Считается в decimal,
// иначе 0.4995/0.0001 во float даёт 4994.99... и теряется целый шаг.
func RoundDownToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	step := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(px).Div(step).Floor().Mul(step).Float64()
	return f
}

// DayStartUTC - полночь UTC того дня, в который попадает t. Граница дневного лимита сделок.
func DayStartUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
