package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"trade_agent/internal/models"
)

func f2(v float64) string { // для красивого вывода
	return fmt.Sprintf("%.2f", v)
}

func str(p models.Payload, key string) string {
	if v, ok := p[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func num(p models.Payload, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Format - текст уведомления по типу события.
func Format(kind models.EventKind, p models.Payload) string {
	switch kind {
	case models.EventStarted:
		return fmt.Sprintf("▶️ Бот запущен\nСимволы: %s\nОткрытых позиций: %s",
			str(p, "symbols"), str(p, "open_positions"))
	case models.EventStopped:
		return fmt.Sprintf("⏹ Бот остановлен\nСделок: %s, P&L: %s\nНе закрыто: %s",
			str(p, "trades"), f2(num(p, "profit")), orDash(str(p, "still_open")))
	case models.EventError:
		return fmt.Sprintf("🛑 Ошибка бота: %s", str(p, "error"))
	case models.EventPositionOpened:
		return fmt.Sprintf("🟢 Открыта %s %s\nQty: %s @ %s\nSL: %s TP: %s\n%s (conf %s)",
			str(p, "side"), str(p, "symbol"),
			str(p, "qty"), f2(num(p, "price")),
			f2(num(p, "stop_loss")), f2(num(p, "take_profit")),
			str(p, "strategy"), f2(num(p, "confidence")))
	case models.EventPositionClosed:
		emoji := "✅"
		if num(p, "profit") < 0 {
			emoji = "🔻"
		}
		return fmt.Sprintf("%s Закрыта %s %s (%s)\nВыход: %s\nP&L: %s (%s%%)",
			emoji, str(p, "side"), str(p, "symbol"), str(p, "reason"),
			f2(num(p, "price")), f2(num(p, "profit")), f2(num(p, "profit_pct")))
	case models.EventCloseFailed:
		return fmt.Sprintf("❗️ Не удалось закрыть %s: %s", str(p, "symbol"), str(p, "error"))
	case models.EventSymbolError:
		return fmt.Sprintf("⚠️ %s: %s", str(p, "symbol"), str(p, "error"))
	case models.EventDailyCap:
		return fmt.Sprintf("⏸ Дневной лимит сделок достигнут: %s/%s", str(p, "trades_today"), str(p, "cap"))
	default:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(string(kind))
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, p[k])
		}
		return b.String()
	}
}

func FormatStatus(s models.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 Состояние: %s\n", s.State)
	if s.Uptime > 0 {
		fmt.Fprintf(&b, "Аптайм: %s\n", s.Uptime.Round(time.Second))
	}
	fmt.Fprintf(&b, "Символы: %s\n", orDash(strings.Join(s.ActiveSymbols, ", ")))
	fmt.Fprintf(&b, "Циклов: %d\n", s.CycleCount)
	fmt.Fprintf(&b, "Сделок сегодня: %d/%d\n", s.TradesToday, s.DailyCap)
	fmt.Fprintf(&b, "Баланс: %s\n", f2(s.Balance))
	fmt.Fprintf(&b, "W/L/BE: %d/%d/%d, P&L: %s\n",
		s.Stats.Wins, s.Stats.Losses, s.Stats.Breakevens, f2(s.Stats.RealizedPnL))
	fmt.Fprintf(&b, "Открытых позиций: %d", len(s.OpenPositions))
	if s.LastError != "" {
		fmt.Fprintf(&b, "\nПоследняя ошибка: %s", s.LastError)
	}
	return b.String()
}

func FormatPositions(ps []models.Position) string {
	if len(ps) == 0 {
		return "📭 Открытых позиций нет"
	}
	var b strings.Builder
	b.WriteString("📊 Открытые позиции:\n")
	for _, p := range ps {
		fmt.Fprintf(&b, "- %s [%s] qty=%.6f @ %.4f SL=%.4f TP=%.4f uPnL=%s\n",
			p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit, f2(p.UnrealizedPnL))
	}
	return strings.TrimRight(b.String(), "\n")
}

func FormatResult(op string, r models.CommandResult) string {
	if r.OK {
		return fmt.Sprintf("✅ %s: %s", op, r.Message)
	}
	return fmt.Sprintf("❌ %s: %s", op, r.Message)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
