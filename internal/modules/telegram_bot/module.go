package telegram

import (
	"context"

	"go.uber.org/fx"

	"trade_agent/internal/modules/config"
	"trade_agent/internal/notify"
	"trade_agent/internal/orchestrator"
	"trade_agent/pkg/logger"
)

// newNotifier: без токена уведомления уходят в лог.
func newNotifier(cfg *config.Config) (notify.Notifier, *notify.Telegram, error) {
	if cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0 {
		logger.Warn("[TG] token or chat id not set, notifications go to log")
		return notify.NewStdout(), nil, nil
	}
	t, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		return nil, nil, err
	}
	return t, t, nil
}

func Module() fx.Option {
	return fx.Module("telegram",
		fx.Provide(
			newNotifier,
			// адаптер: notify.Notifier -> orchestrator.Notifier
			func(n notify.Notifier) orchestrator.Notifier { return n },
		),
		fx.Invoke(
			func(lc fx.Lifecycle, t *notify.Telegram, o *orchestrator.Orchestrator) {
				if t == nil {
					return
				}
				t.SetCommander(o)

				var cancel context.CancelFunc
				lc.Append(fx.Hook{
					OnStart: func(_ context.Context) error {
						// команды живут дольше старта приложения
						var ctx context.Context
						ctx, cancel = context.WithCancel(context.Background())
						return t.Start(ctx)
					},
					OnStop: func(_ context.Context) error {
						t.Stop()
						if cancel != nil {
							cancel()
						}
						return nil
					},
				})
			},
		),
	)
}
