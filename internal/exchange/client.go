package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"trade_agent/internal/helper"
	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
	"trade_agent/pkg/logger"
)

const (
	defaultBaseURL = "https://www.okx.com"

	pathTime    = "/api/v5/public/time"
	pathBalance = "/api/v5/account/balance"
	pathTicker  = "/api/v5/market/ticker"
	pathCandles = "/api/v5/market/candles"
	pathOrder   = "/api/v5/trade/order"
	pathInst    = "/api/v5/public/instruments"
)

// Client - REST-клиент OKX: баланс, тикер, свечи, рыночные ордера.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	passph     string
	tdMode     string
	quoteAsset string

	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	prices       *PriceCache
	tickerMaxAge time.Duration
	stream       *TickerStream

	lotMu sync.Mutex
	lots  map[string]float64
}

func NewClient(cfg config.Exchange, prices *PriceCache) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rl := cfg.RateLimit
	if rl <= 0 {
		rl = 5
	}
	if prices == nil {
		prices = NewPriceCache()
	}
	return &Client{
		baseURL:      base,
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		passph:       cfg.Passphrase,
		tdMode:       cfg.TdMode,
		quoteAsset:   cfg.QuoteAsset,
		http:         &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(rl), int(math.Ceil(rl))),
		now:          time.Now,
		prices:       prices,
		tickerMaxAge: cfg.TickerMaxAge,
		lots:         make(map[string]float64),
	}
}

// AttachStream подключает WS-поток тикеров, который будет перенацеливаться через Watch.
func (c *Client) AttachStream(s *TickerStream) { c.stream = s }

func (c *Client) HasCredentials() bool {
	return c.apiKey != "" && c.apiSecret != "" && c.passph != ""
}

// Watch перенацеливает поток цен на новый список символов.
func (c *Client) Watch(symbols []string) {
	if c.stream != nil {
		c.stream.Watch(symbols)
	}
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := call[struct {
		TS string `json:"ts"`
	}](ctx, c, http.MethodGet, pathTime, nil, nil, false)
	return err
}

func (c *Client) FetchBalance(ctx context.Context) (models.Balances, error) {
	type detail struct {
		Ccy      string `json:"ccy"`
		AvailBal string `json:"availBal"`
		CashBal  string `json:"cashBal"`
		Eq       string `json:"eq"`
	}
	data, err := call[struct {
		Details []detail `json:"details"`
	}](ctx, c, http.MethodGet, pathBalance, nil, nil, true)
	if err != nil {
		return nil, err
	}

	out := make(models.Balances)
	for _, acc := range data {
		for _, d := range acc.Details {
			total := parseFloat(d.Eq)
			if total == 0 {
				total = parseFloat(d.CashBal)
			}
			out[d.Ccy] = models.Balance{Free: parseFloat(d.AvailBal), Total: total}
		}
	}
	return out, nil
}

// FetchTicker сначала смотрит в кэш WS-потока, потом идёт в REST.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	if t, ok := c.prices.Get(symbol, c.tickerMaxAge, c.now()); ok {
		return t, nil
	}

	q := url.Values{"instId": {symbol}}
	data, err := call[struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		TS     string `json:"ts"`
	}](ctx, c, http.MethodGet, pathTicker, q, nil, false)
	if err != nil {
		return models.Ticker{}, err
	}
	if len(data) == 0 {
		return models.Ticker{}, errors.Errorf("okx ticker %s: empty data", symbol)
	}
	last := parseFloat(data[0].Last)
	if last <= 0 {
		return models.Ticker{}, errors.Errorf("okx ticker %s: bad last %q", symbol, data[0].Last)
	}
	at := parseMillis(data[0].TS)
	if at.IsZero() {
		at = c.now()
	}
	c.prices.Set(symbol, last, at)
	return models.Ticker{Symbol: symbol, Last: last, At: at}, nil
}

// LotStep - шаг количества (lotSz) спотового инструмента, кэшируется навсегда.
func (c *Client) LotStep(ctx context.Context, symbol string) (float64, error) {
	c.lotMu.Lock()
	step, ok := c.lots[symbol]
	c.lotMu.Unlock()
	if ok {
		return step, nil
	}

	q := url.Values{"instType": {"SPOT"}, "instId": {symbol}}
	data, err := call[struct {
		InstID string `json:"instId"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
		State  string `json:"state"`
	}](ctx, c, http.MethodGet, pathInst, q, nil, false)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, errors.Errorf("okx instrument %s not found", symbol)
	}
	inst := data[0]
	if inst.State != "" && inst.State != "live" {
		return 0, errors.Errorf("okx instrument %s not live: state=%s", symbol, inst.State)
	}
	step = parseFloat(inst.LotSz)
	if step <= 0 {
		return 0, errors.Errorf("okx instrument %s: bad lotSz %q", symbol, inst.LotSz)
	}

	c.lotMu.Lock()
	c.lots[symbol] = step
	c.lotMu.Unlock()
	return step, nil
}

// FetchOHLCV - свечи от старых к новым.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	q := url.Values{
		"instId": {symbol},
		"bar":    {okxBar(timeframe)},
		"limit":  {strconv.Itoa(limit)},
	}
	rows, err := call[[]string](ctx, c, http.MethodGet, pathCandles, q, nil, false)
	if err != nil {
		return nil, err
	}

	// OKX отдаёт от новых к старым: [ts,o,h,l,c,vol,...]
	out := make([]models.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if len(r) < 6 {
			continue
		}
		out = append(out, models.Candle{
			Start:  parseMillis(r[0]),
			Open:   parseFloat(r[1]),
			High:   parseFloat(r[2]),
			Low:    parseFloat(r[3]),
			Close:  parseFloat(r[4]),
			Volume: parseFloat(r[5]),
		})
	}
	return out, nil
}

// CreateOrder ставит рыночный ордер и дочитывает среднюю цену и комиссию.
// clOrdId позволяет бирже отбросить дубль при повторной отправке.
func (c *Client) CreateOrder(ctx context.Context, symbol string, side models.Side, qty float64) (*models.Order, error) {
	if qty <= 0 {
		return nil, errors.Errorf("okx order %s: qty must be > 0", symbol)
	}
	clOrdID := strings.ReplaceAll(uuid.NewString(), "-", "")
	body := map[string]string{
		"instId":  symbol,
		"tdMode":  c.tdMode,
		"side":    strings.ToLower(string(side)),
		"ordType": "market",
		"sz":      strconv.FormatFloat(qty, 'f', -1, 64),
		"clOrdId": clOrdID,
		"tgtCcy":  "base_ccy",
	}
	placed, err := call[struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}](ctx, c, http.MethodPost, pathOrder, nil, body, true)
	if err != nil {
		return nil, err
	}
	if len(placed) == 0 || placed[0].OrdID == "" {
		return nil, errors.Errorf("okx order %s: no ordId in response", symbol)
	}
	if placed[0].SCode != "" && placed[0].SCode != "0" {
		return nil, errors.Errorf("okx order %s rejected: sCode=%s sMsg=%s", symbol, placed[0].SCode, placed[0].SMsg)
	}

	order := &models.Order{
		ID:            placed[0].OrdID,
		ClientOrderID: clOrdID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		CreatedAt:     c.now(),
	}

	// детали исполнения - best effort: ордер уже стоит, ошибку наверх не отдаём
	if err := c.fillDetails(ctx, order); err != nil {
		logger.Warn("[OKX] order %s %s details: %v", symbol, order.ID, err)
	}
	return order, nil
}

func (c *Client) fillDetails(ctx context.Context, o *models.Order) error {
	q := url.Values{"instId": {o.Symbol}, "ordId": {o.ID}}
	data, err := call[struct {
		AvgPx     string `json:"avgPx"`
		AccFillSz string `json:"accFillSz"`
		Fee       string `json:"fee"`
		FeeCcy    string `json:"feeCcy"`
	}](ctx, c, http.MethodGet, pathOrder, q, nil, true)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("okx order details: empty data")
	}
	d := data[0]
	o.Price = parseFloat(d.AvgPx)
	if filled := parseFloat(d.AccFillSz); filled > 0 {
		o.Quantity = filled
	}
	// fee у OKX отрицательный (списание); в базовой валюте переводим в quote
	fee := math.Abs(parseFloat(d.Fee))
	if d.FeeCcy != "" && d.FeeCcy == baseAsset(o.Symbol, c.quoteAsset) {
		// на споте BUY комиссия уходит из купленного: на кошельке filled - fee
		o.Quantity = c.netOfFee(ctx, o.Symbol, o.Quantity, fee)
		if o.Price > 0 {
			fee *= o.Price
		}
	}
	o.Fee = fee
	return nil
}

// netOfFee - количество за вычетом комиссии в базовой валюте, вниз до шага лота.
func (c *Client) netOfFee(ctx context.Context, symbol string, qty, fee float64) float64 {
	net := decimal.NewFromFloat(qty).Sub(decimal.NewFromFloat(fee))
	if !net.IsPositive() {
		return 0
	}
	out, _ := net.Float64()
	step, err := c.LotStep(ctx, symbol)
	if err != nil {
		logger.Warn("[OKX] %s lot step for net qty: %v", symbol, err)
		return out
	}
	return helper.RoundDownToTick(out, step)
}

type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

// call - запрос к OKX с лимитером, подписью и разбором конверта {code,msg,data}.
func call[T any](ctx context.Context, c *Client, method, path string, q url.Values, body any, signed bool) ([]T, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter")
	}

	requestPath := path
	if len(q) > 0 {
		requestPath += "?" + q.Encode()
	}
	var payload []byte
	if body != nil {
		b, err := sonic.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal body")
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		if !c.HasCredentials() {
			return nil, errors.New("okx: api credentials are not configured")
		}
		c.sign(req, method, requestPath, string(payload))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "okx %s %s", method, path)
	}
	defer resp.Body.Close()

	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("okx %s: http %d: %s", path, resp.StatusCode, string(rb))
	}

	var env envelope[T]
	if err := sonic.Unmarshal(rb, &env); err != nil {
		return nil, errors.Wrapf(err, "okx %s: decode", path)
	}
	if env.Code != "0" {
		return nil, errors.Errorf("okx %s error: code=%s msg=%s", path, env.Code, env.Msg)
	}
	return env.Data, nil
}

func (c *Client) sign(req *http.Request, method, requestPath, body string) {
	ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	msg := ts + strings.ToUpper(method) + requestPath + body
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(msg))
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(h.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passph)
}

// okxBar: "1h" -> "1H", минуты остаются в нижнем регистре.
func okxBar(tf string) string {
	tf = helper.NormTF(tf)
	if tf == "" {
		return "15m"
	}
	if strings.HasSuffix(tf, "m") {
		return tf
	}
	return strings.ToUpper(tf)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
