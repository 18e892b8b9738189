package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"

	"trade_agent/internal/modules/config"
	"trade_agent/internal/orchestrator"
	"trade_agent/internal/storage"
	"trade_agent/pkg/db"
)

// Module - пул pgx, менеджер транзакций и стор оркестратора.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(lc fx.Lifecycle, ctx context.Context, cfg *config.Config) (*db.PgTxManager, error) {
				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN:            cfg.DB,
					MaxConns:       cfg.DBMaxConns,
					ConnectTimeout: 5 * time.Second,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				err = poolMaster.Ping(ctx)
				if err != nil {
					poolMaster.Close()
					return nil, err
				}

				tx := db.NewPgTxManager(poolMaster)
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						tx.Close()
						return nil
					},
				})
				return tx, nil
			},
			func(tx *db.PgTxManager) db.TxManager { return tx },
			storage.New,
			func(s *storage.Store) orchestrator.Storage { return s },
		),
	)
}
