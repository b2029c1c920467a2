package domain

// StatusType is the kind of a status broadcast.
type StatusType string

const (
	StatusOrderFilled          StatusType = "ORDER_FILLED"
	StatusOrderPartiallyFilled StatusType = "ORDER_PARTIALLY_FILLED"
	StatusOrderRejected        StatusType = "ORDER_REJECTED"
	StatusOrderCanceled        StatusType = "ORDER_CANCELED"
	StatusPositionOpened       StatusType = "POSITION_OPENED"
	StatusPositionUpdated      StatusType = "POSITION_UPDATED"
	StatusPositionClosed       StatusType = "POSITION_CLOSED"
	StatusEmergencyFlatten     StatusType = "EMERGENCY_FLATTEN"
	StatusSweepCompleted       StatusType = "SWEEP_COMPLETED"
	StatusSweepFailed          StatusType = "SWEEP_FAILED"
	StatusHaltChanged          StatusType = "HALT_CHANGED"
	StatusPhaseChanged         StatusType = "PHASE_CHANGED"
)

// StatusMessage is a push-only update for status observers. An empty Symbol
// addresses every client regardless of filter.
type StatusMessage struct {
	ID        string         `json:"id"`
	Type      StatusType     `json:"type"`
	Symbol    string         `json:"symbol,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
