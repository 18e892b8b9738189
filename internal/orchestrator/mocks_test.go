package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
	"trade_agent/internal/pacing"
	"trade_agent/internal/risk"
	"trade_agent/internal/strategy"
)

var errBoom = errors.New("boom")

type orderCall struct {
	Symbol string
	Side   models.Side
	Qty    float64
}

type fakeGateway struct {
	mu sync.Mutex

	creds    bool
	pingErr  error
	balance  float64
	prices   map[string]float64
	fillFee  float64
	// отказ биржи по стороне ордера
	sideErr map[models.Side]error

	// блокирует FetchOHLCV до отмены ctx
	hang bool
	// паника в FetchBalance: вылетает за пределы цикла
	panicBalance bool

	orders  []orderCall
	watched []string
	ohlcv   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		creds:   true,
		balance: 1000,
		prices:  map[string]float64{"BTC-USDT": 100, "ETH-USDT": 100},
	}
}

func (g *fakeGateway) HasCredentials() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creds
}

func (g *fakeGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pingErr
}

func (g *fakeGateway) FetchBalance(ctx context.Context) (models.Balances, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panicBalance {
		panic("balance exploded")
	}
	return models.Balances{"USDT": {Free: g.balance, Total: g.balance}}, nil
}

func (g *fakeGateway) FetchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.prices[symbol]
	if !ok {
		return models.Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	return models.Ticker{Symbol: symbol, Last: p}, nil
}

func (g *fakeGateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	g.mu.Lock()
	g.ohlcv++
	hang := g.hang
	price := g.prices[symbol]
	g.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []models.Candle{{Open: price, High: price, Low: price, Close: price}}, nil
}

func (g *fakeGateway) CreateOrder(ctx context.Context, symbol string, side models.Side, qty float64) (*models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, orderCall{Symbol: symbol, Side: side, Qty: qty})
	if err := g.sideErr[side]; err != nil {
		return nil, err
	}
	return &models.Order{
		ID:       fmt.Sprintf("ord-%d", len(g.orders)),
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    g.prices[symbol],
		Fee:      g.fillFee,
	}, nil
}

func (g *fakeGateway) Watch(symbols []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.watched = append([]string(nil), symbols...)
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) orderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}

func (g *fakeGateway) ohlcvCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ohlcv
}

type fakeStore struct {
	mu sync.Mutex

	pingErr      error
	runStateErr  error
	openErr      error
	writeErr     error
	signals      map[string]models.Signal
	positions    map[string]models.Position
	symbols      []string
	runState     *models.BotRunState
	runStateLog  []models.BotRunState
	savedSymbols [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		signals:   make(map[string]models.Signal),
		positions: make(map[string]models.Position),
	}
}

func (s *fakeStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeStore) SaveSignal(ctx context.Context, sig *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.signals[sig.ID] = *sig
	return nil
}

func (s *fakeStore) MarkSignalExecuted(ctx context.Context, signalID, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	sig, ok := s.signals[signalID]
	if !ok {
		return errors.New("no rows")
	}
	sig.Executed = true
	sig.PositionID = positionID
	s.signals[signalID] = sig
	return nil
}

func (s *fakeStore) SavePosition(ctx context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.positions[p.ID] = *p
	return nil
}

func (s *fakeStore) OpenPositions(ctx context.Context) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	var out []models.Position
	for _, p := range s.positions {
		if p.Status == models.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) ActiveSymbols(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...), nil
}

func (s *fakeStore) SaveActiveSymbols(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.symbols = append([]string(nil), symbols...)
	s.savedSymbols = append(s.savedSymbols, s.symbols)
	return nil
}

func (s *fakeStore) LoadRunState(ctx context.Context) (*models.BotRunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runState == nil {
		return nil, nil
	}
	cp := *s.runState
	return &cp, nil
}

func (s *fakeStore) SaveRunState(ctx context.Context, rs models.BotRunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runStateErr != nil {
		return s.runStateErr
	}
	s.runState = &rs
	s.runStateLog = append(s.runStateLog, rs)
	return nil
}

func (s *fakeStore) CountTradesSince(ctx context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.positions {
		if !p.OpenedAt.Before(since) && p.Status != models.PositionCancelled {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) SumRealizedProfitSince(ctx context.Context, since time.Time) (float64, error) {
	ts, err := s.TradeStats(ctx, since)
	return ts.TotalProfit, err
}

func (s *fakeStore) TradeStats(ctx context.Context, since time.Time) (models.TradeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ts models.TradeStats
	for _, p := range s.positions {
		if p.Status != models.PositionClosed || p.ClosedAt == nil || p.ClosedAt.Before(since) {
			continue
		}
		ts.Trades++
		ts.TotalProfit += p.RealizedProfit
		switch {
		case p.RealizedProfit > 0:
			ts.Wins++
		case p.RealizedProfit < 0:
			ts.Losses++
		}
	}
	return ts, nil
}

func (s *fakeStore) set(fn func(s *fakeStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeStore) positionsBy(status models.PositionStatus) []models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *fakeStore) allSignals() []models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Signal, 0, len(s.signals))
	for _, sig := range s.signals {
		out = append(out, sig)
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	kinds []models.EventKind
}

func (n *fakeNotifier) Send(kind models.EventKind, payload models.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *fakeNotifier) count(kind models.EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

type fakeSelector struct {
	name string
	conf float64
	err  error
}

func (s fakeSelector) Select(ctx context.Context, symbol string) (string, float64, error) {
	return s.name, s.conf, s.err
}

// fakeStrategy отдаёт заранее заданный ответ по символу.
type fakeStrategy struct {
	mu      sync.Mutex
	results map[string]strategy.Result
	panics  map[string]bool
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{results: make(map[string]strategy.Result), panics: make(map[string]bool)}
}

func (s *fakeStrategy) Name() string { return "fake" }

func (s *fakeStrategy) Analyze(candles []models.Candle, symbol string) (strategy.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics[symbol] {
		panic("strategy exploded on " + symbol)
	}
	if r, ok := s.results[symbol]; ok {
		return r, nil
	}
	return strategy.Result{Action: models.ActionWait, Reason: "flat"}, nil
}

func (s *fakeStrategy) set(symbol string, r strategy.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[symbol] = r
}

// fastPacer - короткая пауза с честной реакцией на отмену.
type fastPacer struct {
	mu     sync.Mutex
	pauses map[pacing.Kind]int
}

func (p *fastPacer) Pause(ctx context.Context, kind pacing.Kind) error {
	p.mu.Lock()
	if p.pauses == nil {
		p.pauses = make(map[pacing.Kind]int)
	}
	p.pauses[kind]++
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

func (p *fastPacer) Reset() {}

func (p *fastPacer) count(kind pacing.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauses[kind]
}

// clock - подвижные часы для тестов дневного лимита.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	cfg      *config.Config
	gw       *fakeGateway
	store    *fakeStore
	notifier *fakeNotifier
	strat    *fakeStrategy
	pacer    *fastPacer
	clock    *clock
	o        *Orchestrator
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Exchange.FeeRate = 0
	cfg.Trading.Symbols = []string{"BTC-USDT", "ETH-USDT"}
	cfg.Trading.HumanizeSizes = false
	cfg.Trading.MinNotional = 0
	cfg.Trading.StopPct = 1
	cfg.Trading.TakeProfitRR = 2
	cfg.Trading.StopTimeout = time.Second
	cfg.Trading.SnapshotEvery = 0
	return &cfg
}

func newHarness(t *testing.T, mutate ...func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	h := &harness{
		cfg:      cfg,
		gw:       newFakeGateway(),
		store:    newFakeStore(),
		notifier: &fakeNotifier{},
		strat:    newFakeStrategy(),
		pacer:    &fastPacer{},
		clock:    &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	reg := strategy.NewRegistry(h.strat)
	h.o = New(cfg, h.gw, h.store, h.notifier, fakeSelector{name: "fake", conf: 1}, reg, h.pacer,
		risk.NewFromConfig(cfg), WithClock(h.clock.Now))

	t.Cleanup(func() {
		if st := h.o.State(); st == models.StateRunning || st == models.StateError {
			h.o.Stop(context.Background())
		}
	})
	return h
}

// runCycle - один проход без горутины цикла.
func (h *harness) runCycle() pacing.Kind {
	ctx := context.Background()
	return h.o.cycle(ctx, ctx)
}

func (h *harness) openPosition(symbol string, side models.Side, entry, sl, tp float64) models.Position {
	p := models.Position{
		ID:           "pos-" + symbol,
		Symbol:       symbol,
		Side:         side,
		EntryPrice:   entry,
		Quantity:     2,
		StopLoss:     sl,
		TakeProfit:   tp,
		Status:       models.PositionOpen,
		StrategyName: "fake",
		OpenedAt:     h.clock.Now(),
	}
	h.store.set(func(s *fakeStore) { s.positions[p.ID] = p })
	return p
}

// seedLedger грузит OPEN из стора в леджер, как это делает Start.
func (h *harness) seedLedger() {
	open, _ := h.store.OpenPositions(context.Background())
	h.o.ledger.Merge(open, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
