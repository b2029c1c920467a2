package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the combined hub status.
type StatusHandler struct {
	mode     string
	state    StateReader
	risk     RiskControl
	phases   PhaseReader
	treasury Treasury
	router   SignalRouter
	breaker  func() string
}

// NewStatusHandler creates a StatusHandler. treasury, router and breaker may
// be nil in monitor mode.
func NewStatusHandler(mode string, state StateReader, risk RiskControl, phases PhaseReader, treasury Treasury, router SignalRouter, breaker func() string) *StatusHandler {
	return &StatusHandler{
		mode:     mode,
		state:    state,
		risk:     risk,
		phases:   phases,
		treasury: treasury,
		router:   router,
		breaker:  breaker,
	}
}

// Snapshot is the status body; the WebSocket greeting reuses it.
func (h *StatusHandler) Snapshot() map[string]any {
	snap := h.state.GetStateSnapshot()
	out := map[string]any{
		"mode":                  h.mode,
		"positions":             snap.Positions,
		"pending_intents_count": snap.PendingIntentsCount,
		"pending_intents":       h.state.PendingIntents(),
		"exposure":              h.state.TotalExposure(),
		"unrealized_pnl":        h.state.TotalUnrealizedPnL(),
		"risk":                  h.risk.Snapshot(),
		"phase":                 h.phases.CurrentPhase(),
		"timestamp":             snap.Timestamp.UTC().Format(time.RFC3339),
	}
	if h.treasury != nil {
		out["treasury"] = h.treasury.Status()
	}
	if h.router != nil {
		out["prepared_signals"] = h.router.Prepared()
	}
	if h.breaker != nil {
		out["broker_breaker"] = h.breaker()
	}
	return out
}

// GetStatus
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}
