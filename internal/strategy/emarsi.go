package strategy

import (
	"fmt"

	"trade_agent/internal/models"
)

const EMARSIName = "emarsi"

type EMARSIConfig struct {
	EMAShort      int
	EMALong       int
	RSIPeriod     int
	RSIOverbought float64
	RSIOSold      float64
}

// EMARSI - вход по откату: тренд по паре EMA, триггер по RSI.
type EMARSI struct {
	cfg EMARSIConfig
}

func NewEMARSI(cfg EMARSIConfig) *EMARSI {
	if cfg.EMAShort <= 0 {
		cfg.EMAShort = 9
	}
	if cfg.EMALong <= cfg.EMAShort {
		cfg.EMALong = cfg.EMAShort * 2
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	if cfg.RSIOverbought <= 0 {
		cfg.RSIOverbought = 70
	}
	if cfg.RSIOSold <= 0 {
		cfg.RSIOSold = 30
	}
	return &EMARSI{cfg: cfg}
}

func (s *EMARSI) Name() string { return EMARSIName }

func (s *EMARSI) Analyze(candles []models.Candle, symbol string) (Result, error) {
	need := s.cfg.EMALong
	if s.cfg.RSIPeriod+1 > need {
		need = s.cfg.RSIPeriod + 1
	}
	if len(candles) < need {
		return wait("warmup: need %d candles, got %d", need, len(candles)), nil
	}

	xs := closes(candles)
	emaS, _ := emaOf(xs, s.cfg.EMAShort)
	emaL, _ := emaOf(xs, s.cfg.EMALong)
	rsi, _ := rsiOf(xs, s.cfg.RSIPeriod)

	if emaS > emaL && rsi < s.cfg.RSIOSold {
		return Result{
			Action:     models.ActionBuy,
			Confidence: 0.6 + 0.4*clamp01((s.cfg.RSIOSold-rsi)/s.cfg.RSIOSold),
			Reason:     fmt.Sprintf("EMA_S=%.4f > EMA_L=%.4f, RSI=%.1f < %.0f", emaS, emaL, rsi, s.cfg.RSIOSold),
		}, nil
	}
	if emaS < emaL && rsi > s.cfg.RSIOverbought {
		return Result{
			Action:     models.ActionSell,
			Confidence: 0.6 + 0.4*clamp01((rsi-s.cfg.RSIOverbought)/(100-s.cfg.RSIOverbought)),
			Reason:     fmt.Sprintf("EMA_S=%.4f < EMA_L=%.4f, RSI=%.1f > %.0f", emaS, emaL, rsi, s.cfg.RSIOverbought),
		}, nil
	}
	return wait("EMA_S=%.4f EMA_L=%.4f RSI=%.1f", emaS, emaL, rsi), nil
}
