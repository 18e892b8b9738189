package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trade_agent/internal/helper"
	"trade_agent/internal/models"
	"trade_agent/pkg/logger"
)

// Start поднимает главный цикл. ok=true только когда горутина цикла реально запущена.
func (o *Orchestrator) Start(ctx context.Context) models.CommandResult {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	prev := o.State()
	switch prev {
	case models.StateRunning, models.StateStarting, models.StateStopping:
		return models.Fail(fmt.Sprintf("already %s", prev))
	}

	if err := o.setState(models.StateStarting); err != nil {
		return models.Fail(err.Error())
	}

	if err := o.ensureRecovered(ctx); err != nil {
		o.restore(prev)
		logger.Error("[ORCH] start: recovery: %v", err)
		return models.Fail("boot recovery failed: " + err.Error())
	}

	symbols, err := o.preflight(ctx)
	if err != nil {
		o.restore(prev)
		logger.Error("[ORCH] start: preflight: %v", err)
		return models.Fail("preflight failed: " + err.Error())
	}

	if err := o.bootstrap(ctx, symbols); err != nil {
		o.fail(err)
		return models.Fail("start failed: " + err.Error())
	}

	// предыдущий прогон мог упасть в ERROR, освобождаем его контексты
	o.cancelLoop()

	stopCtx, stopLoop := context.WithCancel(context.Background())
	hardCtx, hardCancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	o.stopLoop, o.hardCancel, o.done = stopLoop, hardCancel, done
	go o.run(stopCtx, hardCtx, started, release, done)
	<-started

	o.mu.Lock()
	o.startedAt = o.now()
	o.lastErr = ""
	o.mu.Unlock()
	if err := o.setState(models.StateRunning); err != nil {
		close(release)
		return models.Fail(err.Error())
	}
	close(release)

	o.persist(ctx, "run_state.start", func(ctx context.Context) error {
		return o.store.SaveRunState(ctx, o.runState(true))
	})

	n := o.ledger.Len()
	openPositions.Set(float64(n))
	logger.Info("[ORCH] started: symbols=%v open=%d", symbols, n)
	o.notify(models.EventStarted, models.Payload{
		"symbols":        strings.Join(symbols, ", "),
		"open_positions": n,
	})
	return models.Ok(fmt.Sprintf("running on %s", strings.Join(symbols, ", ")))
}

// restore откатывает неудачный старт к состоянию до него.
func (o *Orchestrator) restore(prev models.BotState) {
	if err := o.setState(prev); err != nil {
		logger.Error("[ORCH] restore %s: %v", prev, err)
	}
}

// preflight возвращает итоговый список активных символов.
func (o *Orchestrator) preflight(ctx context.Context) ([]string, error) {
	if !o.gw.HasCredentials() {
		return nil, fmt.Errorf("%w: exchange credentials missing", ErrConfiguration)
	}

	pctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	if err := o.gw.Ping(pctx); err != nil {
		return nil, fmt.Errorf("%w: exchange unreachable: %w", ErrGateway, err)
	}
	if err := o.store.Ping(pctx); err != nil {
		return nil, fmt.Errorf("%w: storage unreachable: %w", ErrPersistence, err)
	}

	symbols := o.loadSymbols(pctx)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no active symbols", ErrConfiguration)
	}
	return symbols, nil
}

func (o *Orchestrator) loadSymbols(ctx context.Context) []string {
	stored, err := o.store.ActiveSymbols(ctx)
	if err != nil {
		logger.Warn("[ORCH] active symbols from storage: %v, using config", err)
	}
	if len(stored) > 0 {
		return stored
	}
	return append([]string(nil), o.trading.Symbols...)
}

// bootstrap - всё после preflight; ошибка здесь переводит в ERROR.
func (o *Orchestrator) bootstrap(ctx context.Context, symbols []string) error {
	// сначала дописываем то, что не сохранилось в прошлом прогоне
	if err := o.acquire(ctx); err != nil {
		return err
	}
	left := o.flushPending(ctx)
	o.release()
	if left > 0 {
		logger.Warn("[ORCH] %d position writes still pending, memory stays authoritative", left)
	}

	open, err := o.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("%w: load open positions: %w", ErrPersistence, err)
	}
	// в памяти могут быть позиции, которых нет в хранилище, и наоборот
	// закрытые, которые там ещё OPEN: леджер не перезаписываем
	for _, d := range o.ledger.Merge(open, o.closedUnsaved) {
		logger.Warn("[ORCH] duplicate OPEN position %s for %s ignored", d.ID, d.Symbol)
	}

	if stats, err := o.store.TradeStats(ctx, time.Time{}); err != nil {
		logger.Warn("[ORCH] seed risk stats: %v", err)
	} else {
		o.risk.Seed(stats)
		realizedPnL.Set(stats.TotalProfit)
	}

	o.mu.Lock()
	o.symbols = symbols
	o.cappedDay = time.Time{}
	o.mu.Unlock()

	o.refreshTradesToday(ctx)
	o.refreshBalance(ctx)
	o.pacer.Reset()
	o.cycles.Store(0)

	if w, ok := o.gw.(SymbolWatcher); ok {
		w.Watch(symbols)
	}
	return nil
}

// fail - фатальная ошибка: ERROR + уведомление.
func (o *Orchestrator) fail(err error) {
	o.setLastError(err)
	if serr := o.setState(models.StateError); serr != nil {
		logger.Error("[ORCH] fault in state %s: %v", o.State(), err)
	} else {
		logger.Error("[ORCH] fault: %v", err)
	}
	o.notify(models.EventError, models.Payload{"error": err.Error()})
}

// Stop всегда заканчивается в STOPPED, если был RUNNING или ERROR.
func (o *Orchestrator) Stop(ctx context.Context) models.CommandResult {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	st := o.State()
	if st != models.StateRunning && st != models.StateError {
		return models.Fail(fmt.Sprintf("not running (%s)", st))
	}
	if err := o.setState(models.StateStopping); err != nil {
		return models.Fail(err.Error())
	}
	logger.Info("[ORCH] stopping")

	if o.stopLoop != nil {
		o.stopLoop()
	}
	o.waitLoop(ctx)

	fctx, cancel := context.WithTimeout(context.Background(), o.stopTimeout())
	defer cancel()

	stillOpen := o.flatten(fctx)
	o.cancelLoop()

	if err := o.acquire(fctx); err == nil {
		if left := o.flushPending(fctx); left > 0 {
			logger.Error("[ORCH] %d position writes not saved, kept in memory for next start", left)
		}
		o.release()
	}

	rs := o.runState(false)
	if stats, err := o.store.TradeStats(fctx, time.Time{}); err != nil {
		logger.Warn("[ORCH] final stats: %v", err)
	} else {
		rs.TotalTrades = stats.Trades
		rs.WinningTrades = stats.Wins
		rs.LosingTrades = stats.Losses
		rs.TotalProfit = stats.TotalProfit
	}
	o.persist(fctx, "run_state.stop", func(ctx context.Context) error {
		return o.store.SaveRunState(ctx, rs)
	})

	if err := o.setState(models.StateStopped); err != nil {
		logger.Error("[ORCH] stop: %v", err)
	}
	openPositions.Set(float64(o.ledger.Len()))

	logger.Info("[ORCH] stopped: trades=%d profit=%.4f still_open=%v", rs.TotalTrades, rs.TotalProfit, stillOpen)
	o.notify(models.EventStopped, models.Payload{
		"trades":     rs.TotalTrades,
		"profit":     rs.TotalProfit,
		"still_open": strings.Join(stillOpen, ", "),
	})
	if len(stillOpen) > 0 {
		return models.Ok("stopped, still open: " + strings.Join(stillOpen, ", "))
	}
	return models.Ok("stopped")
}

// waitLoop ждёт выхода цикла: stop_timeout, затем hard-cancel и короткая пауза.
func (o *Orchestrator) waitLoop(ctx context.Context) {
	if o.done == nil {
		return
	}
	timeout := o.stopTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-o.done:
		return
	case <-timer.C:
		logger.Warn("[ORCH] loop did not stop in %s, cancelling in-flight calls", timeout)
	case <-ctx.Done():
		logger.Warn("[ORCH] stop deadline: %v, cancelling in-flight calls", ctx.Err())
	}

	if o.hardCancel != nil {
		o.hardCancel()
	}
	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case <-o.done:
	case <-grace.C:
		logger.Error("[ORCH] loop still running after hard cancel")
	}
}

func (o *Orchestrator) stopTimeout() time.Duration {
	if o.trading.StopTimeout > 0 {
		return o.trading.StopTimeout
	}
	return 30 * time.Second
}

func (o *Orchestrator) cancelLoop() {
	if o.stopLoop != nil {
		o.stopLoop()
	}
	if o.hardCancel != nil {
		o.hardCancel()
	}
}

// flatten закрывает всё открытое; возвращает символы, которые закрыть не удалось.
func (o *Orchestrator) flatten(ctx context.Context) []string {
	var stillOpen []string
	for _, p := range o.ledger.Snapshot() {
		if err := o.acquire(ctx); err != nil {
			stillOpen = append(stillOpen, p.Symbol)
			continue
		}
		_, err := o.closePosition(ctx, p.Symbol, ReasonShutdown, 0)
		o.release()
		if err != nil {
			logger.Error("[ORCH] flatten %s: %v", p.Symbol, err)
			stillOpen = append(stillOpen, p.Symbol)
		}
	}
	return stillOpen
}

// Recover чинит «висящий» is_running=true после падения процесса.
func (o *Orchestrator) Recover(ctx context.Context) error {
	rs, err := o.store.LoadRunState(ctx)
	if err != nil {
		return fmt.Errorf("%w: load run state: %w", ErrPersistence, err)
	}
	if rs != nil && rs.IsRunning {
		fixed := *rs
		fixed.IsRunning = false
		if fixed.StopTime == nil {
			now := o.now()
			fixed.StopTime = &now
		}
		fixed.UpdatedAt = o.now()
		if err := o.store.SaveRunState(ctx, fixed); err != nil {
			return fmt.Errorf("%w: clear stale run state: %w", ErrPersistence, err)
		}
		logger.Warn("[ORCH] stale run state corrected (started %v)", rs.StartTime)
	}
	o.recovered.Store(true)
	return nil
}

func (o *Orchestrator) ensureRecovered(ctx context.Context) error {
	if o.recovered.Load() {
		return nil
	}
	return o.Recover(ctx)
}

// runState - снимок для bot_run_state по текущим счётчикам в памяти.
func (o *Orchestrator) runState(running bool) models.BotRunState {
	stats := o.risk.Stats()
	now := o.now()

	o.mu.RLock()
	start := o.startedAt
	balance := o.balance
	o.mu.RUnlock()

	rs := models.BotRunState{
		IsRunning:      running,
		TotalTrades:    stats.Trades(),
		WinningTrades:  stats.Wins,
		LosingTrades:   stats.Losses,
		TotalProfit:    stats.RealizedPnL,
		CurrentBalance: balance,
		UpdatedAt:      now,
	}
	if !start.IsZero() {
		rs.StartTime = &start
	}
	if !running {
		rs.StopTime = &now
	}
	return rs
}

func (o *Orchestrator) refreshTradesToday(ctx context.Context) {
	n, err := o.store.CountTradesSince(ctx, helper.DayStartUTC(o.now()))
	if err != nil {
		logger.Warn("[ORCH] trades today: %v", err)
		return
	}
	o.mu.Lock()
	o.tradesToday = n
	o.mu.Unlock()
	tradesTodayGauge.Set(float64(n))
}

func (o *Orchestrator) refreshBalance(ctx context.Context) {
	b, err := o.gw.FetchBalance(ctx)
	if err != nil {
		logger.Warn("[ORCH] balance: %v", fmt.Errorf("%w: %w", ErrGateway, err))
		return
	}
	o.mu.Lock()
	o.balance = b[o.quoteAsset].Free
	o.mu.Unlock()
}
