package orchestrator

import (
	"context"
	"fmt"
	"time"

	"trade_agent/internal/models"
	"trade_agent/internal/pacing"
	"trade_agent/pkg/logger"
	"trade_agent/pkg/tracing"
)

const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonMaxHold    = "max_hold"
	ReasonManual     = "manual"
	ReasonShutdown   = "shutdown"
)

// exitReason - причина закрытия по текущей цене или "" если держим дальше.
func exitReason(p models.Position, price float64, now time.Time, maxHold time.Duration) string {
	switch p.Side {
	case models.SideBuy:
		if p.StopLoss > 0 && price <= p.StopLoss {
			return ReasonStopLoss
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return ReasonTakeProfit
		}
	case models.SideSell:
		if p.StopLoss > 0 && price >= p.StopLoss {
			return ReasonStopLoss
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return ReasonTakeProfit
		}
	}
	if maxHold > 0 && now.Sub(p.OpenedAt) >= maxHold {
		return ReasonMaxHold
	}
	return ""
}

// realizedProfit = (exit-entry)*qty*sign - комиссии входа и выхода.
func realizedProfit(p models.Position, exit, exitFee float64) float64 {
	return p.GrossProfitAt(exit) - p.EntryFee - exitFee
}

func (o *Orchestrator) supervise(stopCtx, ctx context.Context) {
	for _, p := range o.ledger.Snapshot() {
		if stopCtx.Err() != nil {
			return
		}
		o.supervisePosition(stopCtx, ctx, p)
	}
}

func (o *Orchestrator) supervisePosition(stopCtx, ctx context.Context, p models.Position) {
	t, err := o.gw.FetchTicker(ctx, p.Symbol)
	if err != nil || t.Last <= 0 {
		logger.Warn("[ORCH] supervise %s: ticker: %v", p.Symbol, err)
		return
	}

	reason := exitReason(p, t.Last, o.now(), o.trading.MaxHold)
	if reason != "" {
		if err := o.pacer.Pause(stopCtx, pacing.KindClose); err != nil {
			return
		}
	}
	// под семафором: ручное закрытие не должно затереться записью pnl
	if err := o.acquire(stopCtx); err != nil {
		return
	}
	defer o.release()

	if reason == "" {
		upd, err := o.ledger.Update(p.Symbol, func(pos *models.Position) {
			pos.UnrealizedPnL = pos.GrossProfitAt(t.Last)
		})
		if err != nil {
			return
		}
		o.savePosition(ctx, "position.pnl", upd)
		return
	}

	if _, err := o.closePosition(ctx, p.Symbol, reason, t.Last); err != nil {
		logger.Warn("[ORCH] close %s (%s): %v", p.Symbol, reason, err)
	}
}

// closePosition отправляет встречный ордер. Вызывать под торговым семафором.
// hint - цена выхода, если биржа не вернула среднюю цену исполнения.
func (o *Orchestrator) closePosition(ctx context.Context, symbol, reason string, hint float64) (closed models.Position, err error) {
	span, ctx := tracing.StartSpan(ctx, "orchestrator.close")
	span.SetTag("symbol", symbol)
	defer func() { tracing.FinishSpan(span, err) }()

	p, ok := o.ledger.Get(symbol)
	if !ok {
		return models.Position{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}

	order, err := o.gw.CreateOrder(ctx, symbol, p.Side.Opposite(), p.Quantity)
	if err == nil && order == nil {
		err = fmt.Errorf("no order returned")
	}
	if err != nil {
		ordersTotal.WithLabelValues("close", "fail").Inc()
		err = fmt.Errorf("%w: close %s: %w", ErrGateway, symbol, err)
		o.notify(models.EventCloseFailed, models.Payload{"symbol": symbol, "error": err.Error()})
		return p, err
	}
	ordersTotal.WithLabelValues("close", "ok").Inc()

	exit := order.Price
	if exit <= 0 {
		exit = hint
	}
	if exit <= 0 {
		if t, terr := o.gw.FetchTicker(ctx, symbol); terr == nil && t.Last > 0 {
			exit = t.Last
		} else {
			exit = p.EntryPrice
		}
	}
	exitFee := order.Fee
	if exitFee <= 0 {
		exitFee = o.feeRate * exit * p.Quantity
	}

	now := o.now()
	closed = p
	closed.Status = models.PositionClosed
	closed.ClosedAt = &now
	closed.ExitPrice = exit
	closed.ExitFee = exitFee
	closed.RealizedProfit = realizedProfit(p, exit, exitFee)
	closed.UnrealizedPnL = 0
	closed.CloseReason = reason
	closed.ExitOrderID = order.ID

	o.ledger.Remove(symbol)
	o.risk.RecordClose(closed.RealizedProfit)
	openPositions.Set(float64(o.ledger.Len()))
	realizedPnL.Set(o.risk.Stats().RealizedPnL)

	o.savePosition(ctx, "position.close", closed)

	pct := closed.ProfitPct(closed.RealizedProfit)
	logger.Info("[ORCH] closed %s %s (%s) @ %.6f pnl=%.4f (%.2f%%)",
		p.Side, symbol, reason, exit, closed.RealizedProfit, pct)
	o.notify(models.EventPositionClosed, models.Payload{
		"symbol":     symbol,
		"side":       string(p.Side),
		"reason":     reason,
		"price":      exit,
		"profit":     closed.RealizedProfit,
		"profit_pct": pct,
	})
	return closed, nil
}
