package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"

	"trade_agent/internal/models"
	"trade_agent/pkg/db"
)

// Store - postgres-хранилище сигналов, позиций, состояния запуска и символов.
type Store struct {
	db db.TxManager
}

func New(tx db.TxManager) *Store {
	return &Store{db: tx}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// orderRefs хранится в positions.orders (jsonb).
type orderRefs struct {
	Entry string `json:"entry,omitempty"`
	Exit  string `json:"exit,omitempty"`
}

func encodeOrders(p *models.Position) ([]byte, error) {
	return sonic.Marshal(orderRefs{Entry: p.EntryOrderID, Exit: p.ExitOrderID})
}

func decodeOrders(raw []byte, p *models.Position) error {
	if len(raw) == 0 {
		return nil
	}
	var refs orderRefs
	if err := sonic.Unmarshal(raw, &refs); err != nil {
		return err
	}
	p.EntryOrderID, p.ExitOrderID = refs.Entry, refs.Exit
	return nil
}

func nullable(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func (s *Store) SaveSignal(ctx context.Context, sig *models.Signal) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveSignal: %w", err)
		}
	}()

	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO signals (id, symbol, action, strategy_confidence, selector_confidence, confidence,
			                     price, stop_loss, take_profit, strategy_name, reason, created_at, executed, position_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET executed = EXCLUDED.executed, position_id = EXCLUDED.position_id`,
			sig.ID, sig.Symbol, string(sig.Action), sig.StrategyConfidence, sig.SelectorConfidence, sig.Confidence,
			sig.Price, sig.StopLoss, sig.TakeProfit, sig.StrategyName, sig.Reason, sig.CreatedAt, sig.Executed,
			nullable(sig.PositionID),
		)
		return err
	})
}

func (s *Store) MarkSignalExecuted(ctx context.Context, signalID, positionID string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.MarkSignalExecuted: %w", err)
		}
	}()

	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctxTx,
			`UPDATE signals SET executed = TRUE, position_id = $2 WHERE id = $1`,
			signalID, nullable(positionID),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

func (s *Store) SavePosition(ctx context.Context, p *models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SavePosition: %w", err)
		}
	}()

	orders, err := encodeOrders(p)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO positions (id, symbol, side, entry_price, quantity, stop_loss, take_profit, status,
			                       strategy_name, signal_id, opened_at, closed_at, exit_price, realized_profit,
			                       unrealized_pnl, entry_fee, exit_fee, close_reason, orders, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
			ON CONFLICT (id) DO UPDATE SET
				stop_loss = EXCLUDED.stop_loss,
				take_profit = EXCLUDED.take_profit,
				status = EXCLUDED.status,
				closed_at = EXCLUDED.closed_at,
				exit_price = EXCLUDED.exit_price,
				realized_profit = EXCLUDED.realized_profit,
				unrealized_pnl = EXCLUDED.unrealized_pnl,
				exit_fee = EXCLUDED.exit_fee,
				close_reason = EXCLUDED.close_reason,
				orders = EXCLUDED.orders,
				updated_at = now()`,
			p.ID, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity, p.StopLoss, p.TakeProfit, string(p.Status),
			p.StrategyName, nullable(p.SignalID), p.OpenedAt, p.ClosedAt, p.ExitPrice, p.RealizedProfit,
			p.UnrealizedPnL, p.EntryFee, p.ExitFee, p.CloseReason, orders,
		)
		return err
	})
}

func (s *Store) OpenPositions(ctx context.Context) (out []models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.OpenPositions: %w", err)
		}
	}()

	rows, err := s.db.Conn().Query(ctx, `
		SELECT id::text, symbol, side, entry_price, quantity, stop_loss, take_profit, status, strategy_name,
		       COALESCE(signal_id::text, ''), opened_at, closed_at, exit_price, realized_profit, unrealized_pnl,
		       entry_fee, exit_fee, close_reason, orders
		FROM positions
		WHERE status = 'OPEN'
		ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p            models.Position
			side, status string
			orders       []byte
		)
		if err := rows.Scan(&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.Quantity, &p.StopLoss, &p.TakeProfit,
			&status, &p.StrategyName, &p.SignalID, &p.OpenedAt, &p.ClosedAt, &p.ExitPrice, &p.RealizedProfit,
			&p.UnrealizedPnL, &p.EntryFee, &p.ExitFee, &p.CloseReason, &orders); err != nil {
			return nil, err
		}
		p.Side = models.Side(side)
		p.Status = models.PositionStatus(status)
		if err := decodeOrders(orders, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ActiveSymbols(ctx context.Context) (out []string, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.ActiveSymbols: %w", err)
		}
	}()

	rows, err := s.db.Conn().Query(ctx, `SELECT symbol FROM active_symbols ORDER BY position, symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// SaveActiveSymbols полностью заменяет список в одной транзакции.
func (s *Store) SaveActiveSymbols(ctx context.Context, symbols []string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveActiveSymbols: %w", err)
		}
	}()

	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctxTx, `DELETE FROM active_symbols`); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, sym := range symbols {
			batch.Queue(`INSERT INTO active_symbols (symbol, position, updated_at) VALUES ($1, $2, now())`, sym, i)
		}
		return tx.SendBatch(ctxTx, batch).Close()
	})
}

// LoadRunState: nil без ошибки, если строки ещё нет.
func (s *Store) LoadRunState(ctx context.Context) (st *models.BotRunState, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LoadRunState: %w", err)
		}
	}()

	var rs models.BotRunState
	err = s.db.Conn().QueryRow(ctx, `
		SELECT is_running, start_time, stop_time, total_trades, winning_trades, losing_trades,
		       total_profit, current_balance, updated_at
		FROM bot_run_state WHERE id = 1`,
	).Scan(&rs.IsRunning, &rs.StartTime, &rs.StopTime, &rs.TotalTrades, &rs.WinningTrades, &rs.LosingTrades,
		&rs.TotalProfit, &rs.CurrentBalance, &rs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (s *Store) SaveRunState(ctx context.Context, rs models.BotRunState) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveRunState: %w", err)
		}
	}()

	if rs.UpdatedAt.IsZero() {
		rs.UpdatedAt = time.Now().UTC()
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO bot_run_state (id, is_running, start_time, stop_time, total_trades, winning_trades,
			                           losing_trades, total_profit, current_balance, updated_at)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				is_running = EXCLUDED.is_running,
				start_time = EXCLUDED.start_time,
				stop_time = EXCLUDED.stop_time,
				total_trades = EXCLUDED.total_trades,
				winning_trades = EXCLUDED.winning_trades,
				losing_trades = EXCLUDED.losing_trades,
				total_profit = EXCLUDED.total_profit,
				current_balance = EXCLUDED.current_balance,
				updated_at = EXCLUDED.updated_at`,
			rs.IsRunning, rs.StartTime, rs.StopTime, rs.TotalTrades, rs.WinningTrades, rs.LosingTrades,
			rs.TotalProfit, rs.CurrentBalance, rs.UpdatedAt,
		)
		return err
	})
}

// CountTradesSince - сколько позиций открыто начиная с since (отменённые не считаются).
func (s *Store) CountTradesSince(ctx context.Context, since time.Time) (n int, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.CountTradesSince: %w", err)
		}
	}()

	err = s.db.Conn().QueryRow(ctx,
		`SELECT count(*) FROM positions WHERE opened_at >= $1 AND status <> 'CANCELLED'`, since,
	).Scan(&n)
	return n, err
}

func (s *Store) SumRealizedProfitSince(ctx context.Context, since time.Time) (sum float64, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SumRealizedProfitSince: %w", err)
		}
	}()

	err = s.db.Conn().QueryRow(ctx,
		`SELECT COALESCE(sum(realized_profit), 0) FROM positions WHERE status = 'CLOSED' AND closed_at >= $1`, since,
	).Scan(&sum)
	return sum, err
}

// TradeStats - агрегат по закрытым позициям с since; нулевой since - за всё время.
func (s *Store) TradeStats(ctx context.Context, since time.Time) (ts models.TradeStats, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.TradeStats: %w", err)
		}
	}()

	err = s.db.Conn().QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE realized_profit > 0),
		       count(*) FILTER (WHERE realized_profit < 0),
		       COALESCE(sum(realized_profit), 0)
		FROM positions
		WHERE status = 'CLOSED' AND closed_at >= $1`, since,
	).Scan(&ts.Trades, &ts.Wins, &ts.Losses, &ts.TotalProfit)
	return ts, err
}
