package pacing

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"trade_agent/internal/modules/config"
	"trade_agent/pkg/logger"
)

// Kind - тип действия, под которое считается пауза.
type Kind string

const (
	KindCycle  Kind = "cycle"
	KindOrder  Kind = "order"
	KindClose  Kind = "close"
	KindCapped Kind = "capped"
)

// State - локальное состояние темпа (не персистится).
type State struct {
	LastAction   time.Time
	ActionCount  int
	SessionStart time.Time
}

// Controller выдаёт «человеческие» задержки между действиями бота.
type Controller struct {
	cfg config.Pacing
	loc *time.Location

	mu    sync.Mutex
	rnd   *rand.Rand
	now   func() time.Time
	state State
}

type Option func(*Controller)

func WithRand(r *rand.Rand) Option { return func(c *Controller) { c.rnd = r } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func New(cfg config.Pacing, opts ...Option) (*Controller, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("pacing timezone %q: %w", tz, err)
	}
	if cfg.Slice <= 0 {
		cfg.Slice = 500 * time.Millisecond
	}
	c := &Controller{
		cfg: cfg,
		loc: loc,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.state.SessionStart = c.now()
	return c, nil
}

// Reset начинает новую сессию: счётчик усталости обнуляется.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{SessionStart: c.now()}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Delay считает паузу перед действием kind. Счётчик действий не трогает.
func (c *Controller) Delay(kind Kind) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == KindCycle || kind == KindCapped {
		if d, ok := c.breakLocked(); ok {
			return d
		}
	}

	base := c.uniformLocked(c.cfg.MinDelay, c.cfg.MaxDelay)
	if kind == KindCapped && c.cfg.CappedPause > base {
		base = c.cfg.CappedPause
	}

	factor := TimeOfDayFactor(c.now().In(c.loc).Hour()) *
		FatigueFactor(c.state.ActionCount, c.cfg.FatigueThreshold, c.cfg.FatigueStep, c.cfg.FatigueMax) *
		c.kindMultiplier(kind)

	return time.Duration(float64(base) * factor)
}

// Pause спит Delay(kind) кусками по slice и выходит сразу после отмены ctx.
func (c *Controller) Pause(ctx context.Context, kind Kind) error {
	d := c.Delay(kind)
	pacingDelay.WithLabelValues(string(kind)).Observe(d.Seconds())
	logger.Debug("[PACE] %s pause %s", kind, d.Round(time.Millisecond))

	err := c.Sleep(ctx, d)
	c.markAction()
	return err
}

// Sleep - сон кусками с проверкой контекста.
func (c *Controller) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remaining := d
	for remaining > 0 {
		step := c.cfg.Slice
		if step > remaining {
			step = remaining
		}
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		remaining -= step
	}
	return nil
}

func (c *Controller) markAction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ActionCount++
	c.state.LastAction = c.now()
}

func (c *Controller) breakLocked() (time.Duration, bool) {
	r := c.rnd.Float64()
	if c.cfg.LongBreakProb > 0 && r < c.cfg.LongBreakProb {
		return c.uniformLocked(c.cfg.LongBreakMin, c.cfg.LongBreakMax), true
	}
	if c.cfg.ShortBreakProb > 0 && r < c.cfg.LongBreakProb+c.cfg.ShortBreakProb {
		return c.uniformLocked(c.cfg.ShortBreakMin, c.cfg.ShortBreakMax), true
	}
	return 0, false
}

func (c *Controller) uniformLocked(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.rnd.Int63n(int64(hi-lo)+1))
}

func (c *Controller) kindMultiplier(kind Kind) float64 {
	if m, ok := c.cfg.ActionMultipliers[string(kind)]; ok && m > 0 {
		return m
	}
	return 1
}

// TimeOfDayFactor: ночью бот «медленнее», утром чуть медленнее обычного.
func TimeOfDayFactor(hour int) float64 {
	switch {
	case hour >= 0 && hour < 6:
		return 1.6
	case hour >= 22:
		return 1.3
	case hour >= 7 && hour < 9:
		return 1.1
	default:
		return 1.0
	}
}

// FatigueFactor = 1 + step*(count-threshold), не больше max.
func FatigueFactor(count, threshold int, step, max float64) float64 {
	if threshold <= 0 || count <= threshold || step <= 0 {
		return 1
	}
	f := 1 + step*float64(count-threshold)
	if max > 1 && f > max {
		return max
	}
	return f
}
