package strategy

import (
	"context"
	"fmt"

	"trade_agent/internal/modules/config"
)

// ConfiguredSelector выбирает стратегию по конфигу: override по символу,
// иначе стратегия по умолчанию. Уверенность выбора фиксированная.
type ConfiguredSelector struct {
	registry   *Registry
	def        string
	overrides  map[string]string
	confidence float64
}

func NewConfiguredSelector(cfg *config.Config, registry *Registry) *ConfiguredSelector {
	conf := cfg.Trading.SelectorConfidence
	if conf <= 0 {
		conf = 1
	}
	return &ConfiguredSelector{
		registry:   registry,
		def:        cfg.Trading.DefaultStrategy,
		overrides:  cfg.Trading.StrategyOverrides,
		confidence: conf,
	}
}

func (s *ConfiguredSelector) Select(ctx context.Context, symbol string) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	name := s.def
	if o, ok := s.overrides[symbol]; ok && o != "" {
		name = o
	}
	if _, ok := s.registry.Get(name); !ok {
		return "", 0, fmt.Errorf("unknown strategy %q for %s", name, symbol)
	}
	return name, s.confidence, nil
}
