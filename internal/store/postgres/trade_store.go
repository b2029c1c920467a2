package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// TradeStore implements domain.TradeRepository over trade_history.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// InsertTrade appends a closed-trade record. Re-inserting an id is a no-op.
func (s *TradeStore) InsertTrade(ctx context.Context, t domain.TradeRecord) error {
	const query = `
		INSERT INTO trade_history (
			id, symbol, side, entry_price, exit_price, size,
			pnl, pnl_pct, fees, net_pnl, close_reason, signal_id,
			partial, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Symbol, string(t.Side), t.EntryPrice, t.ExitPrice, t.Size,
		t.PnL, t.PnLPct, t.Fees, t.NetPnL, t.CloseReason, t.SignalID,
		t.Partial, t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns trades closed inside the window, newest first.
func (s *TradeStore) ListTrades(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	q := newListQuery(`SELECT id, symbol, side, entry_price, exit_price, size,
		pnl, pnl_pct, fees, net_pnl, close_reason, signal_id,
		partial, opened_at, closed_at FROM trade_history`)
	q.window("closed_at", opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var side string
		if err := rows.Scan(
			&t.ID, &t.Symbol, &side, &t.EntryPrice, &t.ExitPrice, &t.Size,
			&t.PnL, &t.PnLPct, &t.Fees, &t.NetPnL, &t.CloseReason, &t.SignalID,
			&t.Partial, &t.OpenedAt, &t.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Side = domain.Side(side)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return out, nil
}

// DeleteTradesBefore removes trades closed before the cutoff, returning the
// number of rows deleted. Used after the archiver has uploaded them.
func (s *TradeStore) DeleteTradesBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_history WHERE closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.TradeRepository = (*TradeStore)(nil)
