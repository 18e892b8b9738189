package strategy

import (
	"context"
	"testing"
	"time"

	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
)

func series(closes ...float64) []models.Candle {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{Start: t0.Add(time.Duration(i) * time.Minute), Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return out
}

func flat(n int, price float64) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = price
	}
	return xs
}

func ramp(n int, from, step float64) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = from + float64(i)*step
	}
	return xs
}

func TestDonchian(t *testing.T) {
	s := NewDonchian(DonchianConfig{Period: 20, TrendEma: 50})

	tests := []struct {
		name       string
		candles    []models.Candle
		wantAction models.Action
	}{
		{"warmup", series(flat(10, 100)...), models.ActionWait},
		{"breakout up", series(append(flat(59, 100), 110)...), models.ActionBuy},
		{"breakout down", series(append(flat(59, 100), 90)...), models.ActionSell},
		{"inside channel", series(flat(60, 100)...), models.ActionWait},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Analyze(tt.candles, "BTC-USDT")
			if err != nil {
				t.Fatalf("Analyze returned error: %v", err)
			}
			if res.Action != tt.wantAction {
				t.Fatalf("Action=%s, expected %s (%s)", res.Action, tt.wantAction, res.Reason)
			}
			if res.Action == models.ActionWait {
				return
			}
			// пробой на 9 при ширине канала 2 - максимальная уверенность
			if res.Confidence < 0.949 || res.Confidence > 0.951 {
				t.Fatalf("Confidence=%v", res.Confidence)
			}
			if res.StopLoss != 100 {
				t.Fatalf("StopLoss=%v, expected channel mid 100", res.StopLoss)
			}
		})
	}
}

func TestEMARSI(t *testing.T) {
	s := NewEMARSI(EMARSIConfig{EMAShort: 3, EMALong: 30, RSIPeriod: 5, RSIOverbought: 70, RSIOSold: 30})

	up := append(ramp(60, 100, 1), 149, 139)
	down := append(ramp(60, 200, -1), 151, 161)

	tests := []struct {
		name       string
		closes     []float64
		wantAction models.Action
	}{
		{"warmup", flat(5, 100), models.ActionWait},
		{"pullback in uptrend", up, models.ActionBuy},
		{"bounce in downtrend", down, models.ActionSell},
		{"flat", flat(60, 100), models.ActionWait},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Analyze(series(tt.closes...), "ETH-USDT")
			if err != nil {
				t.Fatalf("Analyze returned error: %v", err)
			}
			if res.Action != tt.wantAction {
				t.Fatalf("Action=%s, expected %s (%s)", res.Action, tt.wantAction, res.Reason)
			}
			if res.Action != models.ActionWait && (res.Confidence < 0.6 || res.Confidence > 1) {
				t.Fatalf("Confidence=%v out of range", res.Confidence)
			}
		})
	}
}

func TestRSIBounds(t *testing.T) {
	if v, ok := rsiOf(ramp(20, 1, 1), 14); !ok || v != 100 {
		t.Fatalf("rising rsi=%v ok=%v", v, ok)
	}
	if v, ok := rsiOf(flat(20, 5), 14); !ok || v != 50 {
		t.Fatalf("flat rsi=%v ok=%v", v, ok)
	}
	if _, ok := rsiOf(flat(5, 5), 14); ok {
		t.Fatal("short series must not be ready")
	}
}

func TestConfiguredSelector(t *testing.T) {
	cfg := config.Default()
	cfg.Trading.DefaultStrategy = DonchianName
	cfg.Trading.StrategyOverrides = map[string]string{"ETH-USDT": EMARSIName, "XRP-USDT": "martingale"}
	cfg.Trading.SelectorConfidence = 0.9

	sel := NewConfiguredSelector(&cfg, NewDefaultRegistry(&cfg))
	ctx := context.Background()

	name, conf, err := sel.Select(ctx, "BTC-USDT")
	if err != nil || name != DonchianName || conf != 0.9 {
		t.Fatalf("default: %s %v %v", name, conf, err)
	}
	name, _, err = sel.Select(ctx, "ETH-USDT")
	if err != nil || name != EMARSIName {
		t.Fatalf("override: %s %v", name, err)
	}
	if _, _, err = sel.Select(ctx, "XRP-USDT"); err == nil {
		t.Fatal("unknown strategy must fail")
	}
}

func TestRegistryNames(t *testing.T) {
	cfg := config.Default()
	r := NewDefaultRegistry(&cfg)
	names := r.Names()
	if len(names) != 2 || names[0] != DonchianName || names[1] != EMARSIName {
		t.Fatalf("names=%v", names)
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatal("unexpected strategy")
	}
}
