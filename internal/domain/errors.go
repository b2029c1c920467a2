package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
	ErrValidation       = errors.New("validation failed")
	ErrDestroyed        = errors.New("shadow state destroyed")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrPhaseMismatch    = errors.New("phase mismatch")
	ErrRiskRejected     = errors.New("rejected by risk overlay")
	ErrHalted           = errors.New("trading halted")
	ErrStaleIntent      = errors.New("intent is stale")
	ErrDuplicateSignal  = errors.New("duplicate signal")
	ErrNotPrepared      = errors.New("signal was not prepared")
	ErrSweepInProgress  = errors.New("sweep already in progress")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrUnsupported      = errors.New("operation not supported")
)
