package postgres

import "github.com/alanyoungcy/titanhub/internal/domain"

// Database bundles the stores into the hub's DatabaseManager.
type Database struct {
	*PositionStore
	*TradeStore
	*EventStore
}

// NewDatabase builds every store over the client's pool.
func NewDatabase(c *Client) *Database {
	return &Database{
		PositionStore: NewPositionStore(c.Pool()),
		TradeStore:    NewTradeStore(c.Pool()),
		EventStore:    NewEventStore(c.Pool()),
	}
}

var _ domain.DatabaseManager = (*Database)(nil)
