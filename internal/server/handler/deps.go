package handler

import (
	"context"

	"github.com/alanyoungcy/titanhub/internal/crypto"
	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/executor"
	"github.com/alanyoungcy/titanhub/internal/service"
)

// StateReader is the read side of Shadow State used by the API.
type StateReader interface {
	Positions() []domain.Position
	GetPosition(symbol string) (domain.Position, bool)
	TradeHistory(limit int) []domain.TradeRecord
	CalculatePnLStats(windowSize int) domain.PnLStats
	GetStateSnapshot() service.StateSnapshot
	TotalExposure() float64
	TotalUnrealizedPnL() float64
	PendingIntents() []domain.Intent
}

// RiskControl is the risk overlay surface used by status and commands.
type RiskControl interface {
	Snapshot() service.RiskSnapshot
	SetHalt(ctx context.Context, level service.HaltLevel, reason, actor string)
}

// PhaseReader reports the active phase.
type PhaseReader interface {
	CurrentPhase() service.Phase
}

// Treasury is the treasury surface used by the API.
type Treasury interface {
	Status() service.TreasuryStatus
	ExecuteSweep(ctx context.Context, reason string) (*domain.SweepResult, error)
}

// SignalRouter accepts signed signals and runs emergency flattens.
type SignalRouter interface {
	Handle(ctx context.Context, payload []byte, signature string) (executor.Result, error)
	EmergencyFlatten(ctx context.Context, reason, actor string) ([]domain.TradeRecord, error)
	Prepared() int
}

// CommandVerifier authenticates operator risk commands.
type CommandVerifier interface {
	VerifyCommand(c crypto.RiskCommand) error
}
