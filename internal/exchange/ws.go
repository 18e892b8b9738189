package exchange

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"trade_agent/internal/models"
	"trade_agent/pkg/logger"
)

// PriceCache - последние цены по символам (пишет WS, читает REST-клиент).
type PriceCache struct {
	mu sync.RWMutex
	m  map[string]models.Ticker
}

func NewPriceCache() *PriceCache {
	return &PriceCache{m: make(map[string]models.Ticker)}
}

func (p *PriceCache) Set(symbol string, price float64, at time.Time) {
	p.mu.Lock()
	p.m[symbol] = models.Ticker{Symbol: symbol, Last: price, At: at}
	p.mu.Unlock()
}

// Get возвращает цену, если она не старше maxAge. maxAge <= 0 - кэш выключен.
func (p *PriceCache) Get(symbol string, maxAge time.Duration, now time.Time) (models.Ticker, bool) {
	if maxAge <= 0 {
		return models.Ticker{}, false
	}
	p.mu.RLock()
	t, ok := p.m[symbol]
	p.mu.RUnlock()
	if !ok || t.Last <= 0 || now.Sub(t.At) > maxAge {
		return models.Ticker{}, false
	}
	return t, true
}

// TickerStream держит одно WS-соединение с каналом tickers по списку символов.
// Watch меняет список и переподключает сокет.
type TickerStream struct {
	url    string
	dialer *websocket.Dialer
	cache  *PriceCache

	mu       sync.Mutex
	symbols  []string
	retarget chan struct{}

	connected atomic.Bool
	lastTick  atomic.Int64
}

func NewTickerStream(url string, cache *PriceCache) *TickerStream {
	return &TickerStream{
		url:      url,
		dialer:   websocket.DefaultDialer,
		cache:    cache,
		retarget: make(chan struct{}, 1),
	}
}

func (s *TickerStream) Watch(symbols []string) {
	cp := append([]string(nil), symbols...)
	sort.Strings(cp)

	s.mu.Lock()
	same := strings.Join(cp, ",") == strings.Join(s.symbols, ",")
	s.symbols = cp
	s.mu.Unlock()
	if same {
		return
	}
	select {
	case s.retarget <- struct{}{}:
	default:
	}
}

func (s *TickerStream) Connected() bool { return s.connected.Load() }

func (s *TickerStream) LastTick() time.Time {
	u := s.lastTick.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.UnixMilli(u)
}

func (s *TickerStream) current() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...)
}

// Run крутит цикл переподключений до отмены ctx.
func (s *TickerStream) Run(ctx context.Context) {
	for ctx.Err() == nil {
		symbols := s.current()
		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.retarget:
				continue
			}
		}

		if err := s.session(ctx, symbols); err != nil && ctx.Err() == nil {
			logger.Warn("[WS] tickers session: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *TickerStream) session(ctx context.Context, symbols []string) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer func() {
		s.connected.Store(false)
		_ = conn.Close()
	}()

	args := make([]map[string]string, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, map[string]string{"channel": "tickers", "instId": sym})
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return err
	}
	s.connected.Store(true)
	logger.Info("[WS] tickers subscribed: %d symbols", len(symbols))

	// keepalive ping каждые 20s - иначе OKX рвёт соединение с 4004;
	// на retarget/ctx закрываем сокет, чтобы разблокировать ReadMessage
	done := make(chan struct{})
	defer close(done)
	var retargeted atomic.Bool
	go func() {
		t := time.NewTicker(20 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-s.retarget:
				retargeted.Store(true)
				_ = conn.Close()
				return
			case <-t.C:
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if retargeted.Load() {
				return nil
			}
			return err
		}
		s.handle(msg)
	}
}

func (s *TickerStream) handle(msg []byte) {
	if string(msg) == "pong" {
		return
	}
	var frame struct {
		Arg struct {
			Channel string `json:"channel"`
		} `json:"arg"`
		Data []struct {
			InstID string `json:"instId"`
			Last   string `json:"last"`
			TS     string `json:"ts"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(msg, &frame); err != nil {
		return
	}
	if frame.Arg.Channel != "tickers" {
		return
	}
	for _, d := range frame.Data {
		p := parseFloat(d.Last)
		if p <= 0 {
			continue
		}
		at := parseMillis(d.TS)
		if at.IsZero() {
			at = time.Now()
		}
		s.cache.Set(d.InstID, p, at)
		s.lastTick.Store(at.UnixMilli())
	}
}
