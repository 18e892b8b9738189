package strategy

import (
	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("strategy",
		fx.Provide(
			NewDefaultRegistry,
			NewConfiguredSelector,
		),
	)
}
