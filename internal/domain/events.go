package domain

import "time"

// Shadow State event names. Status consumers key off these strings.
const (
	EventIntentProcessed      = "intent:processed"
	EventIntentValidated      = "intent:validated"
	EventIntentRejected       = "intent:rejected"
	EventPositionOpened       = "position:opened"
	EventPositionUpdated      = "position:updated"
	EventPositionClosed       = "position:closed"
	EventTradeRecorded        = "trade:recorded"
	EventPositionPartialClose = "position:partial_close"
)

// StateEvent is a Shadow State transition delivered to observers. Pointers are
// copies owned by the receiver.
type StateEvent struct {
	Name     string
	Intent   *Intent
	Position *Position
	Trade    *TradeRecord
	Reason   string
	At       time.Time
}

// System event kinds appended to the system_events log.
const (
	SysSignalAborted     = "SIGNAL_ABORTED"
	SysSignalRejected    = "SIGNAL_REJECTED"
	SysZombieSignal      = "ZOMBIE_SIGNAL"
	SysSweepCompleted    = "SWEEP_COMPLETED"
	SysSweepFailed       = "SWEEP_FAILED"
	SysHaltState         = "HALT_STATE"
	SysEmergencyFlatten  = "EMERGENCY_FLATTEN"
	SysRecoveryCompleted = "RECOVERY_COMPLETED"
	SysRecoveryFailed    = "RECOVERY_FAILED"
	SysRiskCommand       = "RISK_COMMAND"
	SysArchiveCompleted  = "ARCHIVE_COMPLETED"
	SysDriftDetected     = "DRIFT_DETECTED"
	SysFundingApplied    = "FUNDING_APPLIED"
)
