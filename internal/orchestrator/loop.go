package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"trade_agent/internal/helper"
	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
	"trade_agent/internal/pacing"
	"trade_agent/pkg/logger"
	"trade_agent/pkg/tracing"
)

// run - горутина главного цикла. stopCtx кооперативный, hardCtx уходит в I/O.
func (o *Orchestrator) run(stopCtx, hardCtx context.Context, started chan<- struct{}, release <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[ORCH] loop panic: %v\n%s", r, debug.Stack())
			o.fail(fmt.Errorf("loop panic: %v", r))
		}
	}()

	close(started)
	select {
	case <-release:
	case <-stopCtx.Done():
		return
	}

	for {
		if stopCtx.Err() != nil {
			return
		}
		kind := o.cycle(stopCtx, hardCtx)
		if err := o.pacer.Pause(stopCtx, kind); err != nil {
			return
		}
	}
}

// cycle - один проход; возвращает тип паузы перед следующим.
func (o *Orchestrator) cycle(stopCtx, hardCtx context.Context) pacing.Kind {
	span, ctx := tracing.StartSpan(hardCtx, "orchestrator.cycle")
	defer span.Finish()

	n := o.cycles.Add(1)
	cyclesTotal.Inc()

	if err := o.acquire(stopCtx); err != nil {
		return pacing.KindCycle
	}
	o.flushPending(ctx)
	o.release()

	if o.capped() {
		o.refreshTradesToday(ctx)
		if o.capped() {
			o.notifyCapped()
			if o.trading.SuperviseWhenCapped {
				o.supervise(stopCtx, ctx)
			}
			return pacing.KindCapped
		}
	}

	o.refreshBalance(ctx)

	opened := 0
	for _, sym := range o.activeSymbols() {
		if stopCtx.Err() != nil {
			return pacing.KindCycle
		}
		sig := o.analyze(ctx, sym)
		if sig == nil {
			continue
		}
		o.persist(ctx, "signal.save", func(ctx context.Context) error {
			return o.store.SaveSignal(ctx, sig)
		})
		if !o.shouldExecute(sig, opened) {
			continue
		}
		if o.execute(stopCtx, ctx, sig) {
			opened++
		}
	}

	o.supervise(stopCtx, ctx)
	o.refreshTradesToday(ctx)

	if every := o.trading.SnapshotEvery; every > 0 && n%int64(every) == 0 {
		o.persist(ctx, "run_state.snapshot", func(ctx context.Context) error {
			return o.store.SaveRunState(ctx, o.runState(true))
		})
	}
	return pacing.KindCycle
}

func (o *Orchestrator) capped() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.trading.DailyTradeCap > 0 && o.tradesToday >= o.trading.DailyTradeCap
}

// notifyCapped - не чаще раза в сутки.
func (o *Orchestrator) notifyCapped() {
	day := helper.DayStartUTC(o.now())
	o.mu.Lock()
	already := o.cappedDay.Equal(day)
	o.cappedDay = day
	n := o.tradesToday
	o.mu.Unlock()

	logger.Info("[ORCH] daily cap reached: %d/%d", n, o.trading.DailyTradeCap)
	if !already {
		o.notify(models.EventDailyCap, models.Payload{"trades_today": n, "cap": o.trading.DailyTradeCap})
	}
}

// analyze - сигнал по одному символу. Любая ошибка или паника остаётся внутри символа.
func (o *Orchestrator) analyze(ctx context.Context, symbol string) (sig *models.Signal) {
	span, ctx := tracing.StartSpan(ctx, "orchestrator.analyze")
	span.SetTag("symbol", symbol)
	var err error
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[ORCH] %s analyze panic: %v\n%s", symbol, r, debug.Stack())
			err = fmt.Errorf("%w: panic: %v", ErrStrategy, r)
			sig = nil
		}
		if err != nil {
			o.symbolError(symbol, err)
		}
		tracing.FinishSpan(span, err)
	}()

	candles, ferr := o.gw.FetchOHLCV(ctx, symbol, o.trading.Timeframe, o.trading.OHLCVLimit)
	if ferr != nil {
		err = fmt.Errorf("%w: ohlcv: %w", ErrGateway, ferr)
		return nil
	}
	if len(candles) == 0 {
		err = fmt.Errorf("%w: empty ohlcv", ErrGateway)
		return nil
	}

	name, selConf, serr := o.selector.Select(ctx, symbol)
	if serr != nil {
		err = fmt.Errorf("%w: select: %w", ErrStrategy, serr)
		return nil
	}
	strat, ok := o.registry.Get(name)
	if !ok {
		err = fmt.Errorf("%w: unknown strategy %q", ErrStrategy, name)
		return nil
	}
	res, aerr := strat.Analyze(candles, symbol)
	if aerr != nil {
		err = fmt.Errorf("%w: %s: %w", ErrStrategy, name, aerr)
		return nil
	}

	price := candles[len(candles)-1].Close
	strategyConf, selectorConf := clamp01(res.Confidence), clamp01(selConf)
	sig = &models.Signal{
		ID:                 uuid.NewString(),
		Symbol:             symbol,
		Action:             res.Action,
		StrategyConfidence: strategyConf,
		SelectorConfidence: selectorConf,
		Confidence:         strategyConf * selectorConf,
		Price:              price,
		StrategyName:       name,
		Reason:             res.Reason,
		CreatedAt:          o.now(),
	}
	if side, ok := res.Action.Side(); ok {
		sig.StopLoss, sig.TakeProfit = o.levels(side, price, res.StopLoss, res.TakeProfit)
	} else {
		sig.Action = models.ActionWait
	}
	signalsTotal.WithLabelValues(string(sig.Action)).Inc()
	logger.Debug("[ORCH] %s %s conf=%.2f (%s) %s", symbol, sig.Action, sig.Confidence, name, sig.Reason)
	return sig
}

// shouldExecute - порог уверенности, нет открытой позиции, есть место под дневной лимит.
func (o *Orchestrator) shouldExecute(sig *models.Signal, openedThisCycle int) bool {
	if !sig.Actionable() || sig.Price <= 0 {
		return false
	}
	// пороги из конфига не могут опустить жёсткий пол
	threshold := max(o.trading.MinConfidence, o.trading.ExecuteConfidence, config.ConfidenceFloor, config.ExecuteFloor)
	if sig.Confidence < threshold {
		return false
	}
	if o.ledger.Has(sig.Symbol) {
		return false
	}
	o.mu.RLock()
	n := o.tradesToday
	o.mu.RUnlock()
	return o.trading.DailyTradeCap <= 0 || n+openedThisCycle < o.trading.DailyTradeCap
}

func (o *Orchestrator) symbolError(symbol string, err error) {
	symbolErrors.WithLabelValues(symbol).Inc()
	logger.Warn("[ORCH] %s: %v", symbol, err)
	o.notify(models.EventSymbolError, models.Payload{"symbol": symbol, "error": err.Error()})
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
