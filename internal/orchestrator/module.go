package orchestrator

import (
	"context"

	"go.uber.org/fx"

	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
	"trade_agent/internal/pacing"
	"trade_agent/internal/risk"
	"trade_agent/internal/strategy"
	"trade_agent/pkg/logger"
)

type Params struct {
	fx.In

	Cfg      *config.Config
	Gateway  Gateway
	Store    Storage
	Notifier Notifier
	Selector *strategy.ConfiguredSelector
	Registry *strategy.Registry
	Pacer    *pacing.Controller
	Risk     *risk.Manager
}

func NewFromParams(p Params) *Orchestrator {
	return New(p.Cfg, p.Gateway, p.Store, p.Notifier, p.Selector, p.Registry, p.Pacer, p.Risk)
}

func Module() fx.Option {
	return fx.Module("orchestrator",
		fx.Provide(
			risk.NewFromConfig,
			func(cfg *config.Config) (*pacing.Controller, error) {
				return pacing.New(cfg.Pacing)
			},
			NewFromParams,
		),
		fx.Invoke(func(lc fx.Lifecycle, o *Orchestrator, cfg *config.Config) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					// не фатально: Start повторит восстановление сам
					if err := o.Recover(ctx); err != nil {
						logger.Warn("[ORCH] boot recovery: %v", err)
					}
					if cfg.Trading.AutoStart {
						res := o.Start(ctx)
						logger.Info("[ORCH] auto start: ok=%v %s", res.OK, res.Message)
					}
					return nil
				},
				OnStop: func(ctx context.Context) error {
					if st := o.State(); st == models.StateRunning || st == models.StateError {
						res := o.Stop(ctx)
						logger.Info("[ORCH] shutdown: %s", res.Message)
					}
					return nil
				},
			})
		}),
	)
}
