package domain

import "time"

// IntentType is the normalized kind of a trade request.
type IntentType string

const (
	IntentBuySetup   IntentType = "BUY_SETUP"
	IntentSellSetup  IntentType = "SELL_SETUP"
	IntentCloseLong  IntentType = "CLOSE_LONG"
	IntentCloseShort IntentType = "CLOSE_SHORT"
)

// IsClose reports whether the intent closes exposure rather than adding it.
func (t IntentType) IsClose() bool {
	return t == IntentCloseLong || t == IntentCloseShort
}

// IntentStatus tracks an intent through the prepare/confirm protocol.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentValidated IntentStatus = "VALIDATED"
	IntentRejected  IntentStatus = "REJECTED"
	IntentConfirmed IntentStatus = "CONFIRMED"
	IntentExpired   IntentStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are possible.
func (s IntentStatus) Terminal() bool {
	return s == IntentRejected || s == IntentConfirmed || s == IntentExpired
}

// PriceBand is an ordered [Min, Max] entry zone.
type PriceBand struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Mid returns the centre of the band.
func (b PriceBand) Mid() float64 {
	return (b.Min + b.Max) / 2
}

// Intent is a requested trade action that has not become a position yet.
type Intent struct {
	SignalID        string       `json:"signal_id"`
	Type            IntentType   `json:"type"`
	Source          SignalSource `json:"source,omitempty"`
	Symbol          string       `json:"symbol"`
	Direction       int          `json:"direction"`
	EntryZone       PriceBand    `json:"entry_zone"`
	StopLoss        float64      `json:"stop_loss"`
	TakeProfits     []float64    `json:"take_profits"`
	Size            float64      `json:"size,omitempty"`
	Leverage        float64      `json:"leverage,omitempty"`
	Status          IntentStatus `json:"status"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	ReceivedAt      time.Time    `json:"received_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Side maps the direction onto a position side.
func (i Intent) Side() Side {
	if i.Direction < 0 {
		return SideShort
	}
	return SideLong
}

// Clone returns a copy that shares no mutable state with i.
func (i Intent) Clone() Intent {
	i.TakeProfits = cloneFloats(i.TakeProfits)
	return i
}

// IntentPayload is the raw input to Shadow State intent processing.
type IntentPayload struct {
	SignalID    string
	Type        string // PREPARE, CLOSE, or an already normalized IntentType
	Source      SignalSource
	Symbol      string
	Direction   int
	EntryZone   PriceBand
	StopLoss    float64
	TakeProfits []float64
	Size        float64
	Leverage    float64
}

func cloneFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	copy(out, in)
	return out
}
