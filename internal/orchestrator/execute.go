package orchestrator

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"trade_agent/internal/helper"
	"trade_agent/internal/models"
	"trade_agent/internal/pacing"
	"trade_agent/pkg/logger"
)

// levels дополняет SL/TP, если стратегия их не дала или дала не с той стороны.
// SL = price ∓ stop_pct%, TP = price ± RR * |price - SL|.
func (o *Orchestrator) levels(side models.Side, price, sl, tp float64) (float64, float64) {
	sign := side.Sign()
	if sl <= 0 || (sl-price)*sign >= 0 {
		sl = price * (1 - sign*o.trading.StopPct/100)
	}
	if tp <= 0 || (tp-price)*sign <= 0 {
		tp = price + sign*o.trading.TakeProfitRR*math.Abs(price-sl)
	}
	return sl, tp
}

// quantity: размер от свободного баланса, «человеческое» округление, шаг лота.
func (o *Orchestrator) quantity(ctx context.Context, symbol string, price float64) float64 {
	o.mu.RLock()
	free := o.balance
	o.mu.RUnlock()

	notional := o.risk.SizeNotional(free, o.trading.PairFraction(symbol))
	if o.trading.HumanizeSizes {
		// вверх округлять нельзя: сумма уже упирается в свободный баланс
		if h := pacing.HumanRound(notional); h <= notional {
			notional = h
		} else {
			notional = pacing.HumanRoundDown(notional)
		}
	}
	if notional <= 0 || price <= 0 {
		return 0
	}
	qty := o.risk.Scale(notional / price)
	return helper.RoundDownToTick(qty, o.stepFor(ctx, symbol))
}

// stepFor: шаг из конфига, иначе у биржи; 0 - без округления.
func (o *Orchestrator) stepFor(ctx context.Context, symbol string) float64 {
	if step := o.lotStep[symbol]; step > 0 {
		return step
	}
	ls, ok := o.gw.(LotSizer)
	if !ok {
		return 0
	}
	step, err := ls.LotStep(ctx, symbol)
	if err != nil {
		logger.Warn("[ORCH] %s lot step: %v", symbol, err)
		return 0
	}
	return step
}

// execute открывает позицию по сигналу. true - позиция открыта.
func (o *Orchestrator) execute(stopCtx, ctx context.Context, sig *models.Signal) bool {
	side, ok := sig.Action.Side()
	if !ok {
		return false
	}
	if err := o.acquire(stopCtx); err != nil {
		return false
	}
	defer o.release()

	if err := o.ledger.Reserve(sig.Symbol); err != nil {
		logger.Debug("[ORCH] %s: %v", sig.Symbol, err)
		return false
	}
	committed := false
	defer func() {
		if !committed {
			o.ledger.Release(sig.Symbol)
		}
	}()

	qty := o.quantity(ctx, sig.Symbol, sig.Price)
	if qty <= 0 {
		logger.Info("[ORCH] %s: size is zero, skip", sig.Symbol)
		return false
	}

	if err := o.pacer.Pause(stopCtx, pacing.KindOrder); err != nil {
		return false
	}

	order, err := o.gw.CreateOrder(ctx, sig.Symbol, side, qty)
	if err == nil && order == nil {
		err = fmt.Errorf("no order returned")
	}
	if err != nil {
		ordersTotal.WithLabelValues("open", "fail").Inc()
		o.symbolError(sig.Symbol, fmt.Errorf("%w: open %s: %w", ErrGateway, side, err))
		return false
	}
	ordersTotal.WithLabelValues("open", "ok").Inc()

	entry := order.Price
	if entry <= 0 {
		entry = sig.Price
	}
	if order.Quantity > 0 {
		qty = order.Quantity
	}
	fee := order.Fee
	if fee <= 0 {
		fee = o.feeRate * entry * qty
	}

	pos := models.Position{
		ID:           uuid.NewString(),
		Symbol:       sig.Symbol,
		Side:         side,
		EntryPrice:   entry,
		Quantity:     qty,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		Status:       models.PositionOpen,
		StrategyName: sig.StrategyName,
		SignalID:     sig.ID,
		OpenedAt:     o.now(),
		EntryFee:     fee,
		EntryOrderID: order.ID,
	}
	if err := o.ledger.Commit(pos); err != nil {
		// ордер уже исполнен, позицию держим только в логах
		logger.Error("[ORCH] %s: commit after fill: %v", sig.Symbol, err)
		return false
	}
	committed = true
	openPositions.Set(float64(o.ledger.Len()))

	sig.Executed = true
	sig.PositionID = pos.ID
	o.savePosition(ctx, "position.open", pos)
	o.persist(ctx, "signal.executed", func(ctx context.Context) error {
		return o.store.MarkSignalExecuted(ctx, sig.ID, pos.ID)
	})

	logger.Info("[ORCH] opened %s %s qty=%.8f @ %.6f SL=%.6f TP=%.6f",
		side, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.StopLoss, pos.TakeProfit)
	o.notify(models.EventPositionOpened, models.Payload{
		"symbol":      pos.Symbol,
		"side":        string(side),
		"qty":         pos.Quantity,
		"price":       pos.EntryPrice,
		"stop_loss":   pos.StopLoss,
		"take_profit": pos.TakeProfit,
		"strategy":    pos.StrategyName,
		"confidence":  sig.Confidence,
	})
	return true
}
