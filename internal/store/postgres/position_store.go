package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// PositionStore implements domain.PositionRepository. Open positions are rows
// with a NULL closed_at; a partial unique index keeps one per symbol.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// GetActivePositions returns every open position, newest first.
func (s *PositionStore) GetActivePositions(ctx context.Context) ([]domain.PositionRow, error) {
	const query = `
		SELECT symbol, side, size, avg_entry, current_stop, current_tp, opened_at
		FROM positions
		WHERE closed_at IS NULL
		ORDER BY opened_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: get active positions: %w", err)
	}
	defer rows.Close()

	var out []domain.PositionRow
	for rows.Next() {
		var r domain.PositionRow
		var side string
		if err := rows.Scan(&r.Symbol, &side, &r.Size, &r.AvgEntry, &r.CurrentStop, &r.CurrentTP, &r.OpenedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		r.Side = domain.Side(side)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get active positions rows: %w", err)
	}
	return out, nil
}

// InsertPosition records a newly opened position. An open row left behind
// for the same symbol is overwritten.
func (s *PositionStore) InsertPosition(ctx context.Context, r domain.PositionRow) error {
	const query = `
		INSERT INTO positions (symbol, side, size, avg_entry, current_stop, current_tp, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (symbol) WHERE closed_at IS NULL DO UPDATE SET
			side = EXCLUDED.side,
			size = EXCLUDED.size,
			avg_entry = EXCLUDED.avg_entry,
			current_stop = EXCLUDED.current_stop,
			current_tp = EXCLUDED.current_tp,
			opened_at = EXCLUDED.opened_at,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		r.Symbol, string(r.Side), r.Size, r.AvgEntry, r.CurrentStop, r.CurrentTP, r.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert position %s: %w", r.Symbol, err)
	}
	return nil
}

// UpdatePosition rewrites the mutable columns of the open position on symbol.
func (s *PositionStore) UpdatePosition(ctx context.Context, symbol string, p domain.PositionPatch) error {
	const query = `
		UPDATE positions SET
			side = $2, size = $3, avg_entry = $4,
			current_stop = $5, current_tp = $6, updated_at = NOW()
		WHERE symbol = $1 AND closed_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, symbol, string(p.Side), p.Size, p.AvgEntry, p.CurrentStop, p.CurrentTP)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", symbol, domain.ErrNotFound)
	}
	return nil
}

// ClosePosition stamps the open position on symbol as closed.
func (s *PositionStore) ClosePosition(ctx context.Context, symbol string, c domain.PositionClose) error {
	const query = `
		UPDATE positions SET
			size = 0, closed_at = NOW(), close_price = $2,
			realized_pnl = $3, close_reason = $4, updated_at = NOW()
		WHERE symbol = $1 AND closed_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, symbol, c.ClosePrice, c.RealizedPnL, c.CloseReason)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: close position %s: %w", symbol, domain.ErrNotFound)
	}
	return nil
}

var _ domain.PositionRepository = (*PositionStore)(nil)
