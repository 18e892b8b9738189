package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
)

// MarketData - публичные данные, которые paper-шлюз берёт у настоящей биржи.
type MarketData interface {
	Ping(ctx context.Context) error
	FetchTicker(ctx context.Context, symbol string) (models.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
}

// Paper - dry-run шлюз: цены настоящие, исполнение и баланс симулируются.
type Paper struct {
	market   MarketData
	quote    string
	feeRate  float64
	slippage float64

	mu       sync.Mutex
	balances map[string]float64
	rng      *rand.Rand
	now      func() time.Time
}

func NewPaper(cfg config.Exchange, market MarketData) *Paper {
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	return &Paper{
		market:   market,
		quote:    quote,
		feeRate:  cfg.FeeRate,
		slippage: cfg.Slippage,
		balances: map[string]float64{quote: cfg.PaperBalance},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

func (p *Paper) HasCredentials() bool { return true }

func (p *Paper) Ping(ctx context.Context) error { return p.market.Ping(ctx) }

func (p *Paper) Watch(symbols []string) {
	if w, ok := p.market.(interface{ Watch([]string) }); ok {
		w.Watch(symbols)
	}
}

// LotStep - шаг лота настоящей биржи, если она его знает.
func (p *Paper) LotStep(ctx context.Context, symbol string) (float64, error) {
	if ls, ok := p.market.(interface {
		LotStep(ctx context.Context, symbol string) (float64, error)
	}); ok {
		return ls.LotStep(ctx, symbol)
	}
	return 0, errors.Errorf("paper: no lot size source for %s", symbol)
}

func (p *Paper) FetchBalance(ctx context.Context) (models.Balances, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(models.Balances, len(p.balances))
	for asset, v := range p.balances {
		free := v
		if free < 0 {
			free = 0
		}
		out[asset] = models.Balance{Free: free, Total: v}
	}
	return out, nil
}

func (p *Paper) FetchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	return p.market.FetchTicker(ctx, symbol)
}

func (p *Paper) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	return p.market.FetchOHLCV(ctx, symbol, timeframe, limit)
}

// CreateOrder исполняет ордер по текущей цене со случайным проскальзыванием
// не в пользу бота. SELL без базового актива открывает шорт (баланс уходит в минус).
func (p *Paper) CreateOrder(ctx context.Context, symbol string, side models.Side, qty float64) (*models.Order, error) {
	if qty <= 0 {
		return nil, errors.Errorf("paper order %s: qty must be > 0", symbol)
	}
	t, err := p.market.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "paper order %s: ticker", symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price := t.Last
	if p.slippage > 0 {
		noise := p.rng.Float64() * p.slippage
		if side == models.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	notional := price * qty
	fee := notional * p.feeRate
	base := baseAsset(symbol, p.quote)

	switch side {
	case models.SideBuy:
		if p.balances[p.quote] < notional+fee {
			return nil, errors.Errorf("paper order %s: insufficient %s: need %.2f have %.2f",
				symbol, p.quote, notional+fee, p.balances[p.quote])
		}
		p.balances[p.quote] -= notional + fee
		p.balances[base] += qty
	case models.SideSell:
		p.balances[p.quote] += notional - fee
		p.balances[base] -= qty
	default:
		return nil, errors.Errorf("paper order %s: bad side %q", symbol, side)
	}

	return &models.Order{
		ID:            "paper-" + uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Price:         price,
		Fee:           fee,
		CreatedAt:     p.now(),
	}, nil
}

// baseAsset: "BTC-USDT" -> "BTC".
func baseAsset(symbol, quote string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' || symbol[i] == '/' {
			return symbol[:i]
		}
	}
	if n := len(symbol) - len(quote); n > 0 && symbol[n:] == quote {
		return symbol[:n]
	}
	return symbol
}
