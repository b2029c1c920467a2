package domain

import "time"

// WalletSnapshot is the last-known multi-wallet view.
type WalletSnapshot struct {
	Futures       float64   `json:"futures"`
	Spot          float64   `json:"spot"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TotalNAV is futures + spot + unrealized PnL.
func (w WalletSnapshot) TotalNAV() float64 {
	return w.Futures + w.Spot + w.UnrealizedPnL
}

// SweepResult describes a completed or failed sweep.
type SweepResult struct {
	Reason     string          `json:"reason"`
	Amount     float64         `json:"amount"`
	Attempts   int             `json:"attempts"`
	TransferID string          `json:"transfer_id,omitempty"`
	Before     WalletSnapshot  `json:"before"`
	After      *WalletSnapshot `json:"after,omitempty"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}
