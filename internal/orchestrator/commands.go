package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"trade_agent/internal/models"
	"trade_agent/pkg/logger"
)

// ClosePosition - ручное закрытие. Не гоняется с супервизией: тот же семафор.
func (o *Orchestrator) ClosePosition(ctx context.Context, symbol string) models.CommandResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if st := o.State(); st != models.StateRunning && st != models.StateError {
		return models.Fail(fmt.Sprintf("not running (%s)", st))
	}
	if !o.ledger.Has(symbol) {
		return models.Fail("no open position for " + symbol)
	}

	if err := o.acquire(ctx); err != nil {
		return models.Fail(err.Error())
	}
	defer o.release()

	closed, err := o.closePosition(ctx, symbol, ReasonManual, 0)
	if err != nil {
		logger.Warn("[ORCH] manual close %s: %v", symbol, err)
		return models.Fail(err.Error())
	}
	return models.Ok(fmt.Sprintf("%s closed @ %.6f, pnl %.4f", symbol, closed.ExitPrice, closed.RealizedProfit))
}

// UpdateActiveSymbols заменяет список символов. Открытые позиции по убранным
// символам продолжают сопровождаться до закрытия.
func (o *Orchestrator) UpdateActiveSymbols(ctx context.Context, symbols []string) models.CommandResult {
	clean := normalizeSymbols(symbols)
	if len(clean) == 0 {
		return models.Fail("empty symbol list")
	}

	o.mu.Lock()
	o.symbols = clean
	o.mu.Unlock()

	saved := o.persist(ctx, "active_symbols.save", func(ctx context.Context) error {
		return o.store.SaveActiveSymbols(ctx, clean)
	})
	if w, ok := o.gw.(SymbolWatcher); ok {
		w.Watch(clean)
	}

	logger.Info("[ORCH] active symbols: %v", clean)
	msg := "active: " + strings.Join(clean, ", ")
	if !saved {
		msg += " (not persisted)"
	}
	return models.Ok(msg)
}

func normalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
