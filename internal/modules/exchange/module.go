package exchange

import (
	"context"

	"go.uber.org/fx"

	"trade_agent/internal/exchange"
	"trade_agent/internal/modules/config"
	"trade_agent/internal/orchestrator"
	"trade_agent/pkg/logger"
)

func newClient(cfg *config.Config, cache *exchange.PriceCache, stream *exchange.TickerStream) *exchange.Client {
	c := exchange.NewClient(cfg.Exchange, cache)
	c.AttachStream(stream)
	return c
}

func newStream(cfg *config.Config, cache *exchange.PriceCache) *exchange.TickerStream {
	return exchange.NewTickerStream(cfg.Exchange.WSURL, cache)
}

// newGateway: в dry-run цены с OKX, исполнение на бумаге.
func newGateway(cfg *config.Config, c *exchange.Client) orchestrator.Gateway {
	if cfg.Exchange.DryRun {
		logger.Info("[OKX] dry run: paper balance %.2f %s", cfg.Exchange.PaperBalance, cfg.Exchange.QuoteAsset)
		return exchange.NewPaper(cfg.Exchange, c)
	}
	if !c.HasCredentials() {
		logger.Warn("[OKX] live mode without API credentials, start will be rejected")
	}
	return c
}

// Module поднимает REST-клиент OKX и WS-поток тикеров.
func Module() fx.Option {
	return fx.Module("exchange",
		fx.Provide(
			exchange.NewPriceCache,
			newStream,
			newClient,
			newGateway,
		),
		fx.Invoke(func(lc fx.Lifecycle, s *exchange.TickerStream, cfg *config.Config) {
			var cancel context.CancelFunc
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					var ctx context.Context
					ctx, cancel = context.WithCancel(context.Background())
					s.Watch(cfg.Trading.Symbols)
					go s.Run(ctx)
					return nil
				},
				OnStop: func(_ context.Context) error {
					if cancel != nil {
						cancel()
					}
					return nil
				},
			})
		}),
	)
}
