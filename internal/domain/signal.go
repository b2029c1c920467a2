package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SignalType is the protocol verb carried by an intent signal.
type SignalType string

const (
	SignalPrepare SignalType = "PREPARE"
	SignalConfirm SignalType = "CONFIRM"
	SignalAbort   SignalType = "ABORT"
	SignalClose   SignalType = "CLOSE"
)

// SignalSource names the generator service that emitted a signal.
type SignalSource string

const (
	SourceScavenger SignalSource = "scavenger"
	SourceHunter    SignalSource = "hunter"
	SourceSentinel  SignalSource = "sentinel"
)

// Signal is the wire format consumed by the signal router.
type Signal struct {
	SignalID    string       `json:"signal_id"`
	SignalType  SignalType   `json:"signal_type"`
	Source      SignalSource `json:"source"`
	Symbol      string       `json:"symbol"`
	Direction   string       `json:"direction"`
	EntryZone   PriceBand    `json:"entry_zone"`
	StopLoss    float64      `json:"stop_loss"`
	TakeProfits []float64    `json:"take_profits"`
	Confidence  float64      `json:"confidence"`
	Leverage    float64      `json:"leverage"`
	Timestamp   int64        `json:"timestamp"`
}

// DirectionSign converts LONG/SHORT into +1/-1, returning 0 when unknown.
func (s Signal) DirectionSign() int {
	switch strings.ToUpper(s.Direction) {
	case string(SideLong):
		return 1
	case string(SideShort):
		return -1
	}
	return 0
}

// Time returns the generator timestamp.
func (s Signal) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Validate checks the fields every signal type needs.
func (s Signal) Validate() error {
	if s.SignalID == "" {
		return fmt.Errorf("%w: signal_id is required", ErrValidation)
	}
	switch s.SignalType {
	case SignalPrepare, SignalConfirm, SignalAbort, SignalClose:
	default:
		return fmt.Errorf("%w: unknown signal_type %q", ErrValidation, s.SignalType)
	}
	if s.SignalType == SignalPrepare || s.SignalType == SignalClose {
		if s.Symbol == "" {
			return fmt.Errorf("%w: symbol is required", ErrValidation)
		}
		if s.DirectionSign() == 0 {
			return fmt.Errorf("%w: direction must be LONG or SHORT", ErrValidation)
		}
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("%w: confidence must be within 0-100", ErrValidation)
	}
	return nil
}

// Payload converts a signal into Shadow State intent input.
func (s Signal) Payload() IntentPayload {
	t := "PREPARE"
	if s.SignalType == SignalClose {
		t = "CLOSE"
	}
	return IntentPayload{
		SignalID:    s.SignalID,
		Type:        t,
		Source:      s.Source,
		Symbol:      s.Symbol,
		Direction:   s.DirectionSign(),
		EntryZone:   s.EntryZone,
		StopLoss:    s.StopLoss,
		TakeProfits: cloneFloats(s.TakeProfits),
		Leverage:    s.Leverage,
	}
}

// SignedEnvelope is a signal payload with its transport signature, as carried
// on the signal stream.
type SignedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}
