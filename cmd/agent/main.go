package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/fx"

	"trade_agent/internal/modules/config"
	"trade_agent/internal/modules/exchange"
	"trade_agent/internal/modules/health"
	"trade_agent/internal/modules/postgres"
	telegram "trade_agent/internal/modules/telegram_bot"
	"trade_agent/internal/orchestrator"
	"trade_agent/internal/strategy"
	"trade_agent/pkg/logger"
	"trade_agent/pkg/tracing"
)

// observability: логгер и jaeger до старта остальных модулей.
func observability(lc fx.Lifecycle, cfg *config.Config) error {
	logger.SetServiceName(cfg.Service.Name)
	tracing.SetServiceName(cfg.Service.Name)
	if err := logger.Init(cfg.Log.Level); err != nil {
		return err
	}

	tc := tracing.Config{Host: cfg.Tracing.Host, Port: cfg.Tracing.Port}
	if tc.Enabled() {
		_, closer, err := tracing.InitTracer(tc)
		if err != nil {
			logger.Warn("[MAIN] tracing disabled: %v", err)
		} else {
			lc.Append(fx.Hook{OnStop: func(context.Context) error { closer(); return nil }})
		}
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { logger.Sync(); return nil }})
	return nil
}

func main() {
	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		fx.Invoke(observability),
		postgres.Module(),
		exchange.Module(),
		strategy.Module(),
		// telegram раньше оркестратора: при остановке он гасится последним и успевает отправить "stopped"
		telegram.Module(),
		orchestrator.Module(),
		health.Module(),
		// Stop ждёт цикл до stop_timeout и ещё закрывает позиции
		fx.StartTimeout(time.Minute),
		fx.StopTimeout(2*time.Minute),
	)
	if err := app.Err(); err != nil {
		log.Fatal(err)
	}
	app.Run()
}
