package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SystemEvent is a single row of the append-only system_events log.
type SystemEvent struct {
	ID        int64
	Kind      string
	Detail    map[string]any
	CreatedAt time.Time
}

// PositionRepository persists active positions for crash recovery.
type PositionRepository interface {
	GetActivePositions(ctx context.Context) ([]PositionRow, error)
	InsertPosition(ctx context.Context, row PositionRow) error
	UpdatePosition(ctx context.Context, symbol string, patch PositionPatch) error
	ClosePosition(ctx context.Context, symbol string, close PositionClose) error
}

// EventLog is the append-only system_events log.
type EventLog interface {
	LogEvent(ctx context.Context, kind string, detail map[string]any) error
	ListEvents(ctx context.Context, kind string, opts ListOpts) ([]SystemEvent, error)
}

// TradeRepository persists closed-trade records.
type TradeRepository interface {
	InsertTrade(ctx context.Context, t TradeRecord) error
	ListTrades(ctx context.Context, opts ListOpts) ([]TradeRecord, error)
	DeleteTradesBefore(ctx context.Context, before time.Time) (int64, error)
}

// DatabaseManager is the durable store behind Shadow State and the treasury.
type DatabaseManager interface {
	PositionRepository
	EventLog
	TradeRepository
}
