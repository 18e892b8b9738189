package strategy

import (
	"fmt"
	"math"

	"trade_agent/internal/models"
)

const DonchianName = "donchian"

// DonchianConfig - параметры стратегии.
type DonchianConfig struct {
	Period   int // N свечей, например 20
	TrendEma int // EMA-фильтр, например 50
}

// Donchian - пробой канала Дончиана с EMA-фильтром тренда.
// Канал строится по Period свечам ДО последней.
type Donchian struct {
	cfg DonchianConfig
}

func NewDonchian(cfg DonchianConfig) *Donchian {
	if cfg.Period <= 0 {
		cfg.Period = 20
	}
	if cfg.TrendEma <= 0 {
		cfg.TrendEma = 50
	}
	return &Donchian{cfg: cfg}
}

func (s *Donchian) Name() string { return DonchianName }

func (s *Donchian) warmup() int {
	return int(math.Max(float64(s.cfg.Period+1), float64(s.cfg.TrendEma)))
}

func (s *Donchian) Analyze(candles []models.Candle, symbol string) (Result, error) {
	if need := s.warmup(); len(candles) < need {
		return wait("warmup: need %d candles, got %d", need, len(candles)), nil
	}

	last := candles[len(candles)-1]
	window := candles[len(candles)-1-s.cfg.Period : len(candles)-1]

	dh, dl := window[0].High, window[0].Low
	for _, c := range window[1:] {
		dh = math.Max(dh, c.High)
		dl = math.Min(dl, c.Low)
	}
	ema, _ := emaOf(closes(candles), s.cfg.TrendEma)
	width := dh - dl
	mid := (dh + dl) / 2

	// пробой вверх: close выше канала и выше EMA
	if last.Close > dh && last.Close > ema {
		return Result{
			Action:     models.ActionBuy,
			Confidence: breakoutConfidence(last.Close-dh, width),
			StopLoss:   mid,
			Reason:     fmt.Sprintf("Donchian breakout UP: close=%.5f > dh=%.5f & ema=%.5f", last.Close, dh, ema),
		}, nil
	}

	// пробой вниз: close ниже канала и ниже EMA
	if last.Close < dl && last.Close < ema {
		return Result{
			Action:     models.ActionSell,
			Confidence: breakoutConfidence(dl-last.Close, width),
			StopLoss:   mid,
			Reason:     fmt.Sprintf("Donchian breakout DOWN: close=%.5f < dl=%.5f & ema=%.5f", last.Close, dl, ema),
		}, nil
	}

	return wait("inside channel: dl=%.5f close=%.5f dh=%.5f", dl, last.Close, dh), nil
}

// breakoutConfidence: 0.6 на границе канала, растёт с силой пробоя до 0.95.
func breakoutConfidence(excess, width float64) float64 {
	if width <= 0 {
		return 0.6
	}
	return 0.6 + math.Min(0.35, excess/width)
}
