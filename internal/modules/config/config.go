package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	chatTelegramENV   = "TELEGRAM_CHAT_ID"
	databaseDSN       = "DATABASE_DSN"
)

// Config ...
type Config struct {
	Service struct {
		Name       string `yaml:"name"`
		HealthAddr string `yaml:"health_addr"`
	} `yaml:"service"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	DB         string `yaml:"db_dsn"`
	DBMaxConns int32  `yaml:"db_max_conns"`

	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	Tracing struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"tracing"`

	Exchange Exchange `yaml:"exchange"`
	Trading  Trading  `yaml:"trading"`
	Pacing   Pacing   `yaml:"pacing"`
	Strategy Strategy `yaml:"strategy"`
}

type Exchange struct {
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`

	// DryRun - бумажная торговля без реальных ордеров
	DryRun       bool    `yaml:"dry_run"`
	PaperBalance float64 `yaml:"paper_balance"`
	FeeRate      float64 `yaml:"fee_rate"` // 0.001 => 0.1% от notional
	Slippage     float64 `yaml:"slippage"` // доля цены, только для paper

	RateLimit    float64       `yaml:"rate_limit"` // запросов в секунду
	Timeout      time.Duration `yaml:"timeout"`
	QuoteAsset   string        `yaml:"quote_asset"`
	TdMode       string        `yaml:"td_mode"`
	TickerMaxAge time.Duration `yaml:"ticker_max_age"`
	// LotStep - шаг количества по символу, 0 = без округления
	LotStep map[string]float64 `yaml:"lot_step"`
}

type Trading struct {
	Symbols    []string `yaml:"symbols"`
	Timeframe  string   `yaml:"timeframe"`
	OHLCVLimit int      `yaml:"ohlcv_limit"`

	// ниже MinConfidence сигнал только записывается
	MinConfidence     float64 `yaml:"min_confidence"`
	ExecuteConfidence float64 `yaml:"execute_confidence"`
	DailyTradeCap     int     `yaml:"daily_trade_cap"`

	// при лимите всё равно проверять SL/TP/max_hold открытых позиций
	SuperviseWhenCapped bool `yaml:"supervise_when_capped"`

	MaxPositionFraction float64            `yaml:"max_position_fraction"`
	PairOverrides       map[string]float64 `yaml:"pair_overrides"`
	MinNotional         float64            `yaml:"min_notional"`

	StopPct      float64 `yaml:"stop_pct"`       // 0.5 => SL в 0.5% от цены
	TakeProfitRR float64 `yaml:"take_profit_rr"` // 3.0 => TP = 3R

	MaxHold       time.Duration `yaml:"max_hold"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	HumanizeSizes bool          `yaml:"humanize_sizes"`

	DefaultStrategy    string            `yaml:"default_strategy"`
	StrategyOverrides  map[string]string `yaml:"strategy_overrides"`
	SelectorConfidence float64           `yaml:"selector_confidence"`

	SnapshotEvery int  `yaml:"snapshot_every"`
	AutoStart     bool `yaml:"auto_start"`
}

type Pacing struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Slice    time.Duration `yaml:"slice"`

	FatigueThreshold int     `yaml:"fatigue_threshold"`
	FatigueStep      float64 `yaml:"fatigue_step"`
	FatigueMax       float64 `yaml:"fatigue_max"`

	ShortBreakProb float64       `yaml:"short_break_prob"`
	ShortBreakMin  time.Duration `yaml:"short_break_min"`
	ShortBreakMax  time.Duration `yaml:"short_break_max"`
	LongBreakProb  float64       `yaml:"long_break_prob"`
	LongBreakMin   time.Duration `yaml:"long_break_min"`
	LongBreakMax   time.Duration `yaml:"long_break_max"`

	CappedPause time.Duration `yaml:"capped_pause"`
	Timezone    string        `yaml:"timezone"`
	// множители по типу действия: cycle|order|close|capped
	ActionMultipliers map[string]float64 `yaml:"action_multipliers"`
}

type Strategy struct {
	EMAShort      int     `yaml:"ema_short"`
	EMALong       int     `yaml:"ema_long"`
	RSIPeriod     int     `yaml:"rsi_period"`
	RSIOverbought float64 `yaml:"rsi_overbought"`
	RSIOversold   float64 `yaml:"rsi_oversold"`

	DonchianPeriod int `yaml:"donchian_period"` // обычно 20
	TrendEMA       int `yaml:"trend_ema"`       // обычно 50
}

// Default - значения, поверх которых декодируется yaml.
func Default() Config {
	var c Config
	c.Service.Name = "trade_agent"
	c.Service.HealthAddr = ":8080"
	c.Log.Level = "info"

	c.Exchange = Exchange{
		BaseURL:      "https://www.okx.com",
		WSURL:        "wss://ws.okx.com:8443/ws/v5/public",
		DryRun:       true,
		PaperBalance: 1000,
		FeeRate:      0.001,
		Slippage:     0.0005,
		RateLimit:    5,
		Timeout:      10 * time.Second,
		QuoteAsset:   "USDT",
		TdMode:       "cash",
		TickerMaxAge: 5 * time.Second,
	}
	c.Trading = Trading{
		Symbols:             []string{"BTC-USDT", "ETH-USDT"},
		Timeframe:           "15m",
		OHLCVLimit:          100,
		MinConfidence:       0.5,
		ExecuteConfidence:   0.6,
		DailyTradeCap:       10,
		MaxPositionFraction: 0.1,
		MinNotional:         5,
		StopPct:             0.5,
		TakeProfitRR:        3.0,
		MaxHold:             24 * time.Hour,
		StopTimeout:         30 * time.Second,
		HumanizeSizes:       true,
		DefaultStrategy:     "donchian",
		SelectorConfidence:  1.0,
		SnapshotEvery:       10,
	}
	c.Pacing = Pacing{
		MinDelay:         30 * time.Second,
		MaxDelay:         90 * time.Second,
		Slice:            500 * time.Millisecond,
		FatigueThreshold: 50,
		FatigueStep:      0.01,
		FatigueMax:       1.5,
		ShortBreakProb:   0.05,
		ShortBreakMin:    2 * time.Minute,
		ShortBreakMax:    5 * time.Minute,
		LongBreakProb:    0.01,
		LongBreakMin:     15 * time.Minute,
		LongBreakMax:     45 * time.Minute,
		CappedPause:      15 * time.Minute,
		Timezone:         "UTC",
		ActionMultipliers: map[string]float64{
			"cycle":  1.0,
			"order":  0.1,
			"close":  0.1,
			"capped": 1.0,
		},
	}
	c.Strategy = Strategy{
		EMAShort:       9,
		EMALong:        21,
		RSIPeriod:      14,
		RSIOverbought:  70,
		RSIOversold:    30,
		DonchianPeriod: 20,
		TrendEMA:       50,
	}
	return c
}

func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	config := Default()

	file, err := os.Open("configs/" + configFileName)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// без файла работаем на дефолтах + env
	case err != nil:
		return nil, fmt.Errorf("open config file: %w", err)
	default:
		defer func() {
			_ = file.Close()
		}()
		if err := Decode(file, &config); err != nil {
			return nil, err
		}
	}

	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Decode читает yaml поверх уже заполненного конфига.
func Decode(r io.Reader, cfg *Config) error {
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func applyEnv(c *Config) {
	if token := os.Getenv(tokenTelegramENV); token != "" {
		c.Telegram.Token = token
	}
	if v := os.Getenv(chatTelegramENV); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		c.DB = dsn
	}

	c.Log.Level = getenvDefault("LOG_LEVEL", c.Log.Level)
	c.Service.HealthAddr = getenvDefault("HEALTH_ADDR", c.Service.HealthAddr)
	c.Tracing.Host = getenvDefault("JAEGER_HOST", c.Tracing.Host)
	c.Tracing.Port = intFromEnv("JAEGER_PORT", c.Tracing.Port)

	c.Exchange.APIKey = getenvDefault("OKX_API_KEY", c.Exchange.APIKey)
	c.Exchange.APISecret = getenvDefault("OKX_API_SECRET", c.Exchange.APISecret)
	c.Exchange.Passphrase = getenvDefault("OKX_PASSPHRASE", c.Exchange.Passphrase)
	c.Exchange.DryRun = boolFromEnv("DRY_RUN", c.Exchange.DryRun)
	c.Exchange.FeeRate = floatFromEnv("FEE_RATE", c.Exchange.FeeRate)

	if v := os.Getenv("TRADING_SYMBOLS"); v != "" {
		c.Trading.Symbols = SplitSymbols(v)
	}
	c.Trading.Timeframe = getenvDefault("TIMEFRAME", c.Trading.Timeframe)
	c.Trading.DailyTradeCap = intFromEnv("DAILY_TRADE_CAP", c.Trading.DailyTradeCap)
	c.Trading.MaxPositionFraction = floatFromEnv("MAX_POSITION_FRACTION", c.Trading.MaxPositionFraction)
	c.Trading.StopTimeout = durationFromEnv("STOP_TIMEOUT", c.Trading.StopTimeout)
	c.Trading.AutoStart = boolFromEnv("AUTO_START", c.Trading.AutoStart)
	c.Trading.SuperviseWhenCapped = boolFromEnv("SUPERVISE_WHEN_CAPPED", c.Trading.SuperviseWhenCapped)

	c.Pacing.MinDelay = durationFromEnv("PACING_MIN_DELAY", c.Pacing.MinDelay)
	c.Pacing.MaxDelay = durationFromEnv("PACING_MAX_DELAY", c.Pacing.MaxDelay)
	c.Pacing.Timezone = getenvDefault("PACING_TZ", c.Pacing.Timezone)

	c.Strategy.EMAShort = intFromEnv("EMA_SHORT", c.Strategy.EMAShort)
	c.Strategy.EMALong = intFromEnv("EMA_LONG", c.Strategy.EMALong)
	c.Strategy.RSIPeriod = intFromEnv("RSI_PERIOD", c.Strategy.RSIPeriod)
	c.Strategy.RSIOverbought = floatFromEnv("RSI_OVERBOUGHT", c.Strategy.RSIOverbought)
	c.Strategy.RSIOversold = floatFromEnv("RSI_OVERSOLD", c.Strategy.RSIOversold)
}

// Пороги уверенности, ниже которых конфиг опуститься не может.
const (
	ConfidenceFloor = 0.5
	ExecuteFloor    = 0.6
)

// Validate проверяет то, без чего бот не сможет работать корректно.
func (c *Config) Validate() error {
	t := c.Trading
	switch {
	case t.MinConfidence < ConfidenceFloor || t.MinConfidence > 1:
		return fmt.Errorf("trading.min_confidence must be in [%v,1], got %v", ConfidenceFloor, t.MinConfidence)
	case t.ExecuteConfidence < ExecuteFloor || t.ExecuteConfidence < t.MinConfidence || t.ExecuteConfidence > 1:
		return fmt.Errorf("trading.execute_confidence must be in [max(%v,min_confidence),1], got %v", ExecuteFloor, t.ExecuteConfidence)
	case t.DailyTradeCap <= 0:
		return fmt.Errorf("trading.daily_trade_cap must be > 0")
	case t.MaxPositionFraction <= 0 || t.MaxPositionFraction > 1:
		return fmt.Errorf("trading.max_position_fraction must be in (0,1]")
	case t.OHLCVLimit <= 0:
		return fmt.Errorf("trading.ohlcv_limit must be > 0")
	case t.StopTimeout <= 0:
		return fmt.Errorf("trading.stop_timeout must be > 0")
	case t.SelectorConfidence < 0 || t.SelectorConfidence > 1:
		return fmt.Errorf("trading.selector_confidence must be in [0,1]")
	case t.StopPct <= 0 || t.TakeProfitRR <= 0:
		return fmt.Errorf("trading.stop_pct and trading.take_profit_rr must be > 0")
	}
	for sym, f := range t.PairOverrides {
		if f < 0 || f > 1 {
			return fmt.Errorf("trading.pair_overrides[%s] must be in [0,1]", sym)
		}
	}

	p := c.Pacing
	if p.MinDelay < 0 || p.MaxDelay < p.MinDelay {
		return fmt.Errorf("pacing: need 0 <= min_delay <= max_delay")
	}
	if p.Slice <= 0 {
		return fmt.Errorf("pacing.slice must be > 0")
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("pacing.timezone: %w", err)
	}

	if c.Strategy.EMAShort >= c.Strategy.EMALong {
		return fmt.Errorf("EMA_SHORT must be < EMA_LONG")
	}
	if !c.Exchange.DryRun && c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required for live trading")
	}
	return nil
}

// PairFraction - доля депозита для символа с учётом override.
func (t Trading) PairFraction(symbol string) float64 {
	if f, ok := t.PairOverrides[symbol]; ok && f > 0 {
		return f
	}
	return 0
}

// SplitSymbols: "btc-usdt, ETH-USDT" -> [BTC-USDT ETH-USDT], дубли выкидываются.
func SplitSymbols(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "1" || v == "true" || v == "TRUE" {
			return true
		}
		if v == "0" || v == "false" || v == "FALSE" {
			return false
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
