package domain

import "time"

// Side is the direction of an open exposure.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Position is the hub's belief about an open exchange exposure for a symbol.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfits   []float64 `json:"take_profits"`
	SignalID      string    `json:"signal_id"`
	Leverage      float64   `json:"leverage,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	MarkPrice     float64   `json:"mark_price,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	FeesPaid      float64   `json:"fees_paid"`
	FundingPaid   float64   `json:"funding_paid"`
}

// Clone returns a copy that shares no mutable state with p.
func (p Position) Clone() Position {
	p.TakeProfits = cloneFloats(p.TakeProfits)
	return p
}

// Notional is the size valued at the last mark, or at entry when unmarked.
func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return p.Size * price
}

// PositionRow is the persisted active-position shape used for recovery.
type PositionRow struct {
	Symbol      string
	Side        Side
	Size        float64
	AvgEntry    float64
	CurrentStop float64
	CurrentTP   float64
	OpenedAt    time.Time
}

// PositionPatch carries the mutable columns of an active position.
type PositionPatch struct {
	Side        Side
	Size        float64
	AvgEntry    float64
	CurrentStop float64
	CurrentTP   float64
}

// PositionClose carries the close-out columns of a position.
type PositionClose struct {
	ClosePrice  float64
	RealizedPnL float64
	CloseReason string
}

// ToRow converts a live position to its persisted shape.
func (p Position) ToRow() PositionRow {
	return PositionRow{
		Symbol:      p.Symbol,
		Side:        p.Side,
		Size:        p.Size,
		AvgEntry:    p.EntryPrice,
		CurrentStop: p.StopLoss,
		CurrentTP:   firstOrZero(p.TakeProfits),
		OpenedAt:    p.OpenedAt,
	}
}

// ToPatch converts a live position to an update patch.
func (p Position) ToPatch() PositionPatch {
	return PositionPatch{
		Side:        p.Side,
		Size:        p.Size,
		AvgEntry:    p.EntryPrice,
		CurrentStop: p.StopLoss,
		CurrentTP:   firstOrZero(p.TakeProfits),
	}
}

func firstOrZero(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[0]
}
