package domain

import "time"

// Close reasons recorded on trade records.
const (
	CloseReasonManual       = "MANUAL"
	CloseReasonSignal       = "SIGNAL_CLOSE"
	CloseReasonOppositeFill = "OPPOSITE_FILL"
	CloseReasonStopLoss     = "STOP_LOSS"
	CloseReasonTakeProfit   = "TAKE_PROFIT"
	CloseReasonEmergency    = "EMERGENCY_FLATTEN"
)

// TradeRecord is an immutable closed-trade audit entry.
type TradeRecord struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Size        float64   `json:"size"`
	PnL         float64   `json:"pnl"`
	PnLPct      float64   `json:"pnl_pct"`
	Fees        float64   `json:"fees"`
	NetPnL      float64   `json:"net_pnl"`
	CloseReason string    `json:"close_reason"`
	SignalID    string    `json:"signal_id"`
	Partial     bool      `json:"partial"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

// PnLStats summarizes a window of trade records.
type PnLStats struct {
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
	TotalPnL   float64 `json:"total_pnl"`
}
