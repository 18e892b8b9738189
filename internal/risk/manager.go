package risk

import (
	"math"
	"sync"

	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
)

// breakevenEps - профит по модулю меньше считается «в ноль».
const breakevenEps = 1e-9

// Hook позволяет масштабировать размер позиции от текущей статистики.
type Hook func(stats models.RiskStats, qty float64) float64

// Manager - сайзинг позиций и счётчики побед/поражений. Ни биржи, ни БД не трогает.
type Manager struct {
	mu sync.RWMutex

	fraction    float64
	minNotional float64
	hook        Hook

	stats models.RiskStats
}

func NewManager(fraction, minNotional float64) *Manager {
	return &Manager{fraction: fraction, minNotional: minNotional}
}

func NewFromConfig(cfg *config.Config) *Manager {
	return NewManager(cfg.Trading.MaxPositionFraction, cfg.Trading.MinNotional)
}

func (m *Manager) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// SizeNotional - сколько quote-валюты выделить под сделку.
// pairOverride > 0 заменяет глобальную долю.
func (m *Manager) SizeNotional(freeBalance, pairOverride float64) float64 {
	m.mu.RLock()
	fraction, minNotional := m.fraction, m.minNotional
	m.mu.RUnlock()

	if pairOverride > 0 {
		fraction = pairOverride
	}
	if freeBalance <= 0 || fraction <= 0 {
		return 0
	}
	notional := freeBalance * fraction
	if notional < minNotional {
		return 0
	}
	return notional
}

// Size - количество базовой валюты.
func (m *Manager) Size(freeBalance, price, pairOverride float64) float64 {
	if price <= 0 {
		return 0
	}
	notional := m.SizeNotional(freeBalance, pairOverride)
	if notional <= 0 {
		return 0
	}
	return m.Scale(notional / price)
}

// Scale прогоняет количество через Hook (если задан).
func (m *Manager) Scale(qty float64) float64 {
	m.mu.RLock()
	hook, stats := m.hook, m.stats
	m.mu.RUnlock()
	if hook == nil || qty <= 0 {
		return qty
	}
	if scaled := hook(stats, qty); scaled > 0 && !math.IsNaN(scaled) && !math.IsInf(scaled, 0) {
		return scaled
	}
	return 0
}

func (m *Manager) RecordClose(profit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case profit > breakevenEps:
		m.stats.Wins++
	case profit < -breakevenEps:
		m.stats.Losses++
	default:
		m.stats.Breakevens++
	}
	if m.stats.Trades() == 1 {
		m.stats.BestTrade, m.stats.WorstTrade = profit, profit
	} else {
		m.stats.BestTrade = math.Max(m.stats.BestTrade, profit)
		m.stats.WorstTrade = math.Min(m.stats.WorstTrade, profit)
	}
	m.stats.RealizedPnL += profit
}

// Seed восстанавливает счётчики из агрегата по хранилищу.
func (m *Manager) Seed(ts models.TradeStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	be := ts.Trades - ts.Wins - ts.Losses
	if be < 0 {
		be = 0
	}
	m.stats = models.RiskStats{
		Wins:        ts.Wins,
		Losses:      ts.Losses,
		Breakevens:  be,
		RealizedPnL: ts.TotalProfit,
	}
}

func (m *Manager) Stats() models.RiskStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
