package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trade_agent/internal/ledger"
	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
	"trade_agent/internal/pacing"
	"trade_agent/internal/risk"
	"trade_agent/internal/strategy"
	"trade_agent/pkg/logger"
)

// Gateway - то, что оркестратору нужно от биржи (живой или бумажной).
type Gateway interface {
	HasCredentials() bool
	Ping(ctx context.Context) error
	FetchBalance(ctx context.Context) (models.Balances, error)
	FetchTicker(ctx context.Context, symbol string) (models.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	// nil-ордер без ошибки тоже считается отказом
	CreateOrder(ctx context.Context, symbol string, side models.Side, qty float64) (*models.Order, error)
}

// SymbolWatcher - опционально: гейтвей умеет перенацелить поток цен.
type SymbolWatcher interface {
	Watch(symbols []string)
}

// LotSizer - опционально: гейтвей знает шаг лота инструмента.
type LotSizer interface {
	LotStep(ctx context.Context, symbol string) (float64, error)
}

type Storage interface {
	Ping(ctx context.Context) error
	SaveSignal(ctx context.Context, sig *models.Signal) error
	MarkSignalExecuted(ctx context.Context, signalID, positionID string) error
	SavePosition(ctx context.Context, p *models.Position) error
	OpenPositions(ctx context.Context) ([]models.Position, error)
	ActiveSymbols(ctx context.Context) ([]string, error)
	SaveActiveSymbols(ctx context.Context, symbols []string) error
	LoadRunState(ctx context.Context) (*models.BotRunState, error)
	SaveRunState(ctx context.Context, rs models.BotRunState) error
	CountTradesSince(ctx context.Context, since time.Time) (int, error)
	SumRealizedProfitSince(ctx context.Context, since time.Time) (float64, error)
	TradeStats(ctx context.Context, since time.Time) (models.TradeStats, error)
}

// Notifier - best-effort, не блокирует.
type Notifier interface {
	Send(kind models.EventKind, payload models.Payload)
}

type Selector interface {
	Select(ctx context.Context, symbol string) (string, float64, error)
}

type Registry interface {
	Get(name string) (strategy.Strategy, bool)
}

// Pacer - *pacing.Controller.
type Pacer interface {
	Pause(ctx context.Context, kind pacing.Kind) error
	Reset()
}

const (
	preflightTimeout = 10 * time.Second
	stopGrace        = 2 * time.Second
)

// Orchestrator - один торговый агент: жизненный цикл, главный цикл, позиции.
type Orchestrator struct {
	trading    config.Trading
	feeRate    float64
	quoteAsset string
	lotStep    map[string]float64

	gw       Gateway
	store    Storage
	notifier Notifier
	selector Selector
	registry Registry
	pacer    Pacer
	risk     *risk.Manager
	ledger   *ledger.Ledger
	now      func() time.Time

	// сериализует Start/Stop
	lifecycle sync.Mutex
	// сериализует любые изменения позиций: исполнение, закрытие, flatten
	trade chan struct{}

	mu          sync.RWMutex
	state       models.BotState
	symbols     []string
	startedAt   time.Time
	lastErr     string
	balance     float64
	tradesToday int
	cappedDay   time.Time

	cycles    atomic.Int64
	recovered atomic.Bool

	// позиции, чья последняя запись в хранилище не прошла; пишутся под trade
	pendMu  sync.Mutex
	pending map[string]models.Position

	stopLoop   context.CancelFunc
	hardCancel context.CancelFunc
	done       chan struct{}
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(
	cfg *config.Config,
	gw Gateway,
	store Storage,
	notifier Notifier,
	selector Selector,
	registry Registry,
	pacer Pacer,
	rm *risk.Manager,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		trading:    cfg.Trading,
		feeRate:    cfg.Exchange.FeeRate,
		quoteAsset: cfg.Exchange.QuoteAsset,
		lotStep:    cfg.Exchange.LotStep,
		gw:         gw,
		store:      store,
		notifier:   notifier,
		selector:   selector,
		registry:   registry,
		pacer:      pacer,
		risk:       rm,
		ledger:     ledger.New(),
		now:        time.Now,
		trade:      make(chan struct{}, 1),
		pending:    make(map[string]models.Position),
		state:      models.StateStopped,
		symbols:    append([]string(nil), cfg.Trading.Symbols...),
	}
	if o.quoteAsset == "" {
		o.quoteAsset = "USDT"
	}
	for _, opt := range opts {
		opt(o)
	}
	setStateGauge(o.state)
	return o
}

// Status - снимок без общих ссылок на внутреннее состояние.
func (o *Orchestrator) Status() models.Status {
	o.mu.RLock()
	st := models.Status{
		State:         o.state,
		ActiveSymbols: append([]string(nil), o.symbols...),
		TradesToday:   o.tradesToday,
		DailyCap:      o.trading.DailyTradeCap,
		Balance:       o.balance,
		LastError:     o.lastErr,
	}
	if o.state == models.StateRunning && !o.startedAt.IsZero() {
		st.Uptime = o.now().Sub(o.startedAt)
	}
	o.mu.RUnlock()

	st.OpenPositions = o.ledger.Snapshot()
	st.CycleCount = o.cycles.Load()
	st.Stats = o.risk.Stats()
	return st
}

func (o *Orchestrator) activeSymbols() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.symbols...)
}

func (o *Orchestrator) setLastError(err error) {
	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
}

// acquire берёт торговый семафор, уважая отмену.
func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.trade <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() { <-o.trade }

// persist - любая запись в хранилище: ошибка логируется и считается, но не пробрасывается.
func (o *Orchestrator) persist(ctx context.Context, op string, fn func(ctx context.Context) error) bool {
	if err := fn(ctx); err != nil {
		persistFailures.WithLabelValues(op).Inc()
		logger.Error("[ORCH] persist %s: %v", op, fmt.Errorf("%w: %w", ErrPersistence, err))
		return false
	}
	return true
}

// savePosition пишет позицию; при ошибке запоминает её до следующего flushPending.
// Вызывать под торговым семафором.
func (o *Orchestrator) savePosition(ctx context.Context, op string, p models.Position) bool {
	ok := o.persist(ctx, op, func(ctx context.Context) error {
		return o.store.SavePosition(ctx, &p)
	})
	o.pendMu.Lock()
	if ok {
		delete(o.pending, p.ID)
	} else {
		o.pending[p.ID] = p
	}
	pendingWrites.Set(float64(len(o.pending)))
	o.pendMu.Unlock()
	return ok
}

// flushPending повторяет несохранённые записи позиций. Вызывать под торговым семафором.
// Возвращает, сколько осталось.
func (o *Orchestrator) flushPending(ctx context.Context) int {
	o.pendMu.Lock()
	todo := make([]models.Position, 0, len(o.pending))
	for _, p := range o.pending {
		todo = append(todo, p)
	}
	o.pendMu.Unlock()

	for _, p := range todo {
		if ctx.Err() != nil {
			break
		}
		if o.savePosition(ctx, "position.retry", p) {
			logger.Info("[ORCH] position %s %s (%s) saved on retry", p.Symbol, p.ID, p.Status)
		}
	}

	o.pendMu.Lock()
	defer o.pendMu.Unlock()
	return len(o.pending)
}

// closedUnsaved - позиция закрыта в памяти, а в хранилище ещё OPEN.
func (o *Orchestrator) closedUnsaved(p models.Position) bool {
	o.pendMu.Lock()
	defer o.pendMu.Unlock()
	cur, ok := o.pending[p.ID]
	return ok && cur.Status != models.PositionOpen
}

func (o *Orchestrator) notify(kind models.EventKind, payload models.Payload) {
	if o.notifier == nil {
		return
	}
	o.notifier.Send(kind, payload)
}
