package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
	"trade_agent/internal/strategy"
)

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if res := h.o.Start(ctx); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}
	if st := h.o.State(); st != models.StateRunning {
		t.Fatalf("state = %s, want RUNNING", st)
	}
	if res := h.o.Start(ctx); res.OK {
		t.Fatal("second Start must be rejected")
	}
	waitFor(t, "first cycle", func() bool { return h.gw.ohlcvCalls() > 0 })

	if res := h.o.Stop(ctx); !res.OK {
		t.Fatalf("Stop: %s", res.Message)
	}
	if st := h.o.State(); st != models.StateStopped {
		t.Fatalf("state = %s, want STOPPED", st)
	}
	if res := h.o.Stop(ctx); res.OK {
		t.Fatal("Stop on STOPPED must be rejected")
	}

	rs, _ := h.store.LoadRunState(ctx)
	if rs == nil || rs.IsRunning || rs.StopTime == nil {
		t.Fatalf("final run state = %+v", rs)
	}
	if h.notifier.count(models.EventStarted) != 1 || h.notifier.count(models.EventStopped) != 1 {
		t.Fatalf("notifications = %v", h.notifier.kinds)
	}
	if got := strings.Join(h.gw.watched, ","); got != "BTC-USDT,ETH-USDT" {
		t.Fatalf("watched = %q", got)
	}
}

func TestStopWhenStopped(t *testing.T) {
	h := newHarness(t)
	if res := h.o.Stop(context.Background()); res.OK {
		t.Fatal("Stop on a fresh orchestrator must fail")
	}
}

func TestStartPreflightFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
	}{
		{"no credentials", func(h *harness) { h.gw.set(func(g *fakeGateway) { g.creds = false }) }},
		{"exchange down", func(h *harness) { h.gw.set(func(g *fakeGateway) { g.pingErr = errBoom }) }},
		{"storage down", func(h *harness) { h.store.set(func(s *fakeStore) { s.pingErr = errBoom }) }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)
			c.setup(h)
			if res := h.o.Start(context.Background()); res.OK {
				t.Fatal("Start must fail")
			}
			if st := h.o.State(); st != models.StateStopped {
				t.Fatalf("state = %s, want STOPPED", st)
			}
			if h.gw.ohlcvCalls() != 0 {
				t.Fatal("loop must not run")
			}
		})
	}

	t.Run("no symbols", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Config) { cfg.Trading.Symbols = nil })
		if res := h.o.Start(context.Background()); res.OK {
			t.Fatal("Start must fail without symbols")
		}
		if st := h.o.State(); st != models.StateStopped {
			t.Fatalf("state = %s", st)
		}
	})
}

func TestStartUsesStoredSymbols(t *testing.T) {
	h := newHarness(t)
	h.store.set(func(s *fakeStore) { s.symbols = []string{"SOL-USDT"} })

	if res := h.o.Start(context.Background()); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}
	if got := h.o.Status().ActiveSymbols; len(got) != 1 || got[0] != "SOL-USDT" {
		t.Fatalf("active = %v", got)
	}
}

func TestStartFailureAfterPreflightGoesToError(t *testing.T) {
	h := newHarness(t)
	h.store.set(func(s *fakeStore) { s.openErr = errBoom })

	if res := h.o.Start(context.Background()); res.OK {
		t.Fatal("Start must fail")
	}
	if st := h.o.State(); st != models.StateError {
		t.Fatalf("state = %s, want ERROR", st)
	}
	if h.notifier.count(models.EventError) != 1 {
		t.Fatal("error must be notified")
	}

	if res := h.o.Stop(context.Background()); !res.OK {
		t.Fatalf("Stop from ERROR: %s", res.Message)
	}
	if st := h.o.State(); st != models.StateStopped {
		t.Fatalf("state = %s", st)
	}
}

func TestStaleRunStateCorrectedBeforeStart(t *testing.T) {
	h := newHarness(t)
	started := h.clock.Now().Add(-time.Hour)
	h.store.set(func(s *fakeStore) {
		s.runState = &models.BotRunState{IsRunning: true, StartTime: &started}
	})

	if res := h.o.Start(context.Background()); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}

	h.store.mu.Lock()
	log := append([]models.BotRunState(nil), h.store.runStateLog...)
	h.store.mu.Unlock()
	if len(log) < 2 {
		t.Fatalf("run state writes = %d", len(log))
	}
	if log[0].IsRunning || log[0].StopTime == nil {
		t.Fatalf("first write must clear the stale flag: %+v", log[0])
	}
	if !log[1].IsRunning {
		t.Fatalf("second write must mark running: %+v", log[1])
	}
}

func TestStartRejectedWhenStaleStateCannotBeCleared(t *testing.T) {
	h := newHarness(t)
	h.store.set(func(s *fakeStore) {
		s.runState = &models.BotRunState{IsRunning: true}
		s.runStateErr = errBoom
	})

	if res := h.o.Start(context.Background()); res.OK {
		t.Fatal("Start must be rejected")
	}
	if st := h.o.State(); st != models.StateStopped {
		t.Fatalf("state = %s", st)
	}
	if h.gw.ohlcvCalls() != 0 {
		t.Fatal("loop must not run")
	}

	h.store.set(func(s *fakeStore) { s.runStateErr = nil })
	if res := h.o.Start(context.Background()); !res.OK {
		t.Fatalf("Start after fix: %s", res.Message)
	}
}

func TestStopFlattensPositions(t *testing.T) {
	h := newHarness(t)
	h.openPosition("BTC-USDT", models.SideBuy, 100, 90, 120)

	if res := h.o.Start(context.Background()); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}
	if h.o.Status().OpenPositions[0].Symbol != "BTC-USDT" {
		t.Fatal("open position must be loaded into the ledger")
	}
	if res := h.o.Stop(context.Background()); !res.OK {
		t.Fatalf("Stop: %s", res.Message)
	}

	if open := h.store.positionsBy(models.PositionOpen); len(open) != 0 {
		t.Fatalf("still open: %+v", open)
	}
	closed := h.store.positionsBy(models.PositionClosed)
	if len(closed) != 1 || closed[0].CloseReason != ReasonShutdown {
		t.Fatalf("closed = %+v", closed)
	}
	if h.o.ledger.Len() != 0 {
		t.Fatal("ledger must be empty")
	}
}

func TestFailedFlattenRetriedAfterRestart(t *testing.T) {
	h := newHarness(t)
	h.openPosition("BTC-USDT", models.SideBuy, 100, 90, 120)
	h.gw.set(func(g *fakeGateway) { g.sideErr = map[models.Side]error{models.SideSell: errBoom} })
	ctx := context.Background()

	if res := h.o.Start(ctx); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}
	res := h.o.Stop(ctx)
	if !res.OK || !strings.Contains(res.Message, "BTC-USDT") {
		t.Fatalf("Stop = %+v", res)
	}
	if h.o.State() != models.StateStopped {
		t.Fatalf("state = %s", h.o.State())
	}
	if open := h.store.positionsBy(models.PositionOpen); len(open) != 1 {
		t.Fatalf("failed close must stay OPEN, got %+v", open)
	}

	h.gw.set(func(g *fakeGateway) { g.sideErr = nil })
	if res := h.o.Start(ctx); !res.OK {
		t.Fatalf("restart: %s", res.Message)
	}
	if res := h.o.Stop(ctx); !res.OK {
		t.Fatalf("Stop: %s", res.Message)
	}
	if open := h.store.positionsBy(models.PositionOpen); len(open) != 0 {
		t.Fatalf("retry must close the position, got %+v", open)
	}
}

func TestLoopPanicMovesToError(t *testing.T) {
	h := newHarness(t)
	if res := h.o.Start(context.Background()); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}
	h.gw.set(func(g *fakeGateway) { g.panicBalance = true })

	waitFor(t, "ERROR state", func() bool { return h.o.State() == models.StateError })
	if !strings.Contains(h.o.Status().LastError, "panic") {
		t.Fatalf("last error = %q", h.o.Status().LastError)
	}

	h.gw.set(func(g *fakeGateway) { g.panicBalance = false })
	if res := h.o.Stop(context.Background()); !res.OK {
		t.Fatalf("Stop from ERROR: %s", res.Message)
	}
	if h.o.State() != models.StateStopped {
		t.Fatalf("state = %s", h.o.State())
	}
}

func TestStopForceCancelsHungCall(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Trading.StopTimeout = 50 * time.Millisecond })
	h.gw.set(func(g *fakeGateway) { g.hang = true })

	if res := h.o.Start(context.Background()); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}
	waitFor(t, "hung fetch", func() bool { return h.gw.ohlcvCalls() > 0 })

	began := time.Now()
	if res := h.o.Stop(context.Background()); !res.OK {
		t.Fatalf("Stop: %s", res.Message)
	}
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("Stop took %s", elapsed)
	}
	if h.o.State() != models.StateStopped {
		t.Fatalf("state = %s", h.o.State())
	}
}

func TestClosePositionCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if res := h.o.ClosePosition(ctx, "BTC-USDT"); res.OK {
		t.Fatal("close while stopped must fail")
	}

	h.openPosition("BTC-USDT", models.SideBuy, 100, 90, 120)
	if res := h.o.Start(ctx); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}
	if res := h.o.ClosePosition(ctx, "btc-usdt"); !res.OK {
		t.Fatalf("ClosePosition: %s", res.Message)
	}
	closed := h.store.positionsBy(models.PositionClosed)
	if len(closed) != 1 || closed[0].CloseReason != ReasonManual {
		t.Fatalf("closed = %+v", closed)
	}
	if res := h.o.ClosePosition(ctx, "BTC-USDT"); res.OK {
		t.Fatal("second close must fail")
	}
}

func TestUpdateActiveSymbols(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.o.UpdateActiveSymbols(ctx, []string{"sol-usdt", "SOL-USDT", " eth-usdt "})
	if !res.OK {
		t.Fatalf("update: %s", res.Message)
	}
	want := "SOL-USDT,ETH-USDT"
	if got := strings.Join(h.o.Status().ActiveSymbols, ","); got != want {
		t.Fatalf("active = %q", got)
	}
	if got := strings.Join(h.store.symbols, ","); got != want {
		t.Fatalf("stored = %q", got)
	}
	if got := strings.Join(h.gw.watched, ","); got != want {
		t.Fatalf("watched = %q", got)
	}

	if res := h.o.UpdateActiveSymbols(ctx, []string{" "}); res.OK {
		t.Fatal("empty list must be rejected")
	}

	h.store.set(func(s *fakeStore) { s.writeErr = errBoom })
	res = h.o.UpdateActiveSymbols(ctx, []string{"BTC-USDT"})
	if !res.OK || !strings.Contains(res.Message, "not persisted") {
		t.Fatalf("update with storage down = %+v", res)
	}
	if got := h.o.Status().ActiveSymbols; got[0] != "BTC-USDT" {
		t.Fatalf("memory must still change: %v", got)
	}
}

func TestUnsavedCloseNotReopenedAfterRestart(t *testing.T) {
	h := newHarness(t)
	h.openPosition("BTC-USDT", models.SideBuy, 100, 90, 120)
	ctx := context.Background()

	if res := h.o.Start(ctx); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}
	h.store.set(func(s *fakeStore) { s.writeErr = errBoom })
	if res := h.o.ClosePosition(ctx, "BTC-USDT"); !res.OK {
		t.Fatalf("ClosePosition: %s", res.Message)
	}
	if res := h.o.Stop(ctx); !res.OK {
		t.Fatalf("Stop: %s", res.Message)
	}
	if open := h.store.positionsBy(models.PositionOpen); len(open) != 1 {
		t.Fatalf("storage must still hold the stale OPEN row, got %+v", open)
	}

	// хранилище всё ещё пишет с ошибкой: строка OPEN, но позиция уже закрыта
	if res := h.o.Start(ctx); !res.OK {
		t.Fatalf("restart: %s", res.Message)
	}
	if h.o.ledger.Has("BTC-USDT") {
		t.Fatal("position closed on the exchange must not come back from storage")
	}

	h.store.set(func(s *fakeStore) { s.writeErr = nil })
	waitFor(t, "close saved on retry", func() bool {
		return len(h.store.positionsBy(models.PositionClosed)) == 1
	})
	if res := h.o.Stop(ctx); !res.OK {
		t.Fatalf("Stop: %s", res.Message)
	}
	if n := h.gw.orderCount(); n != 1 {
		t.Fatalf("orders = %d, want a single close", n)
	}
	if open := h.store.positionsBy(models.PositionOpen); len(open) != 0 {
		t.Fatalf("still open in storage: %+v", open)
	}
}

func TestUnsavedOpenSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.set(func(s *fakeStore) { s.writeErr = errBoom })
	h.strat.set("BTC-USDT", buy(0.9))

	h.runCycle()
	if !h.o.ledger.Has("BTC-USDT") {
		t.Fatal("position must be opened")
	}
	if len(h.store.positionsBy(models.PositionOpen)) != 0 {
		t.Fatal("write must have failed")
	}
	h.strat.set("BTC-USDT", strategy.Result{Action: models.ActionWait})

	if res := h.o.Start(ctx); !res.OK {
		t.Fatalf("Start: %s", res.Message)
	}
	h.gw.set(func(g *fakeGateway) { g.sideErr = map[models.Side]error{models.SideSell: errBoom} })
	res := h.o.Stop(ctx)
	if !res.OK || !strings.Contains(res.Message, "BTC-USDT") {
		t.Fatalf("Stop = %+v", res)
	}

	if res := h.o.Start(ctx); !res.OK {
		t.Fatalf("restart: %s", res.Message)
	}
	if !h.o.ledger.Has("BTC-USDT") {
		t.Fatal("exposure known only in memory must survive a restart")
	}

	h.store.set(func(s *fakeStore) { s.writeErr = nil })
	waitFor(t, "open saved on retry", func() bool {
		return len(h.store.positionsBy(models.PositionOpen)) == 1
	})

	h.gw.set(func(g *fakeGateway) { g.sideErr = nil })
	if res := h.o.Stop(ctx); !res.OK || strings.Contains(res.Message, "still open") {
		t.Fatalf("Stop = %+v", res)
	}
	if closed := h.store.positionsBy(models.PositionClosed); len(closed) != 1 || closed[0].CloseReason != ReasonShutdown {
		t.Fatalf("closed = %+v", closed)
	}
}
