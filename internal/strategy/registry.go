package strategy

import (
	"sort"
	"sync"

	"trade_agent/internal/modules/config"
)

// Registry - стратегии по имени.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Strategy
}

func NewRegistry(ss ...Strategy) *Registry {
	r := &Registry{m: make(map[string]Strategy, len(ss))}
	for _, s := range ss {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[s.Name()] = s
}

func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[name]
	return s, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NewDefaultRegistry собирает все встроенные стратегии из конфига.
func NewDefaultRegistry(cfg *config.Config) *Registry {
	sc := cfg.Strategy
	return NewRegistry(
		NewDonchian(DonchianConfig{
			Period:   sc.DonchianPeriod,
			TrendEma: sc.TrendEMA,
		}),
		NewEMARSI(EMARSIConfig{
			EMAShort:      sc.EMAShort,
			EMALong:       sc.EMALong,
			RSIPeriod:     sc.RSIPeriod,
			RSIOverbought: sc.RSIOverbought,
			RSIOSold:      sc.RSIOversold,
		}),
	)
}
