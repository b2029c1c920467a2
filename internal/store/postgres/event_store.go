package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// EventStore implements domain.EventLog using the system_events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// LogEvent appends an event. The detail map is stored as JSONB.
func (s *EventStore) LogEvent(ctx context.Context, kind string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal event detail: %w", err)
	}
	const query = `INSERT INTO system_events (kind, detail) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, query, kind, detailJSON); err != nil {
		return fmt.Errorf("postgres: log event %s: %w", kind, err)
	}
	return nil
}

// ListEvents returns events newest first. An empty kind lists every kind.
func (s *EventStore) ListEvents(ctx context.Context, kind string, opts domain.ListOpts) ([]domain.SystemEvent, error) {
	q := newListQuery(`SELECT id, kind, detail, created_at FROM system_events`)
	if kind != "" {
		q.where("kind = $%d", kind)
	}
	q.window("created_at", opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []domain.SystemEvent
	for rows.Next() {
		var e domain.SystemEvent
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.Kind, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event detail: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}

var _ domain.EventLog = (*EventStore)(nil)
