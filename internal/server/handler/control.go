package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/titanhub/internal/crypto"
	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/service"
)

// Risk command actions.
const (
	ActionHalt     = "HALT"
	ActionSoftHalt = "SOFT_HALT"
	ActionResume   = "RESUME"
	ActionFlatten  = "FLATTEN"
)

// commandTTL is how long a command id stays burned.
const commandTTL = 24 * time.Hour

// ControlHandler executes signed operator risk commands. Each command id is
// accepted once.
type ControlHandler struct {
	verifier CommandVerifier
	risk     RiskControl
	router   SignalRouter
	events   domain.EventLog
	seen     domain.IdempotencyStore
	logger   *slog.Logger

	mu    sync.Mutex
	local map[string]time.Time
}

// NewControlHandler creates a ControlHandler. router may be nil (no FLATTEN);
// events and seen may be nil, in which case command ids are remembered in
// memory.
func NewControlHandler(verifier CommandVerifier, risk RiskControl, router SignalRouter, events domain.EventLog, seen domain.IdempotencyStore, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{
		verifier: verifier,
		risk:     risk,
		router:   router,
		events:   events,
		seen:     seen,
		logger:   logHandler(logger, "control"),
		local:    make(map[string]time.Time),
	}
}

// Command
// POST /api/control/command
func (h *ControlHandler) Command(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	var cmd crypto.RiskCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, "malformed command")
		return
	}
	if err := h.verifier.VerifyCommand(cmd); err != nil {
		h.logger.Warn("handler: risk command rejected",
			slog.String("actor_id", cmd.ActorID),
			slog.String("action", cmd.Action),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, h.logger, err)
		return
	}
	cmd.Action = strings.ToUpper(strings.TrimSpace(cmd.Action))
	switch cmd.Action {
	case ActionHalt, ActionSoftHalt, ActionResume, ActionFlatten:
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+cmd.Action)
		return
	}
	fresh, err := h.claim(r.Context(), cmd.CommandID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if !fresh {
		writeError(w, http.StatusConflict, "command "+cmd.CommandID+" already executed")
		return
	}

	ctx := r.Context()
	result := map[string]any{"command_id": cmd.CommandID, "action": cmd.Action}
	reason := cmd.Reason
	if reason == "" {
		reason = "operator " + strings.ToLower(cmd.Action)
	}

	switch cmd.Action {
	case ActionHalt:
		h.risk.SetHalt(ctx, service.HaltHard, reason, cmd.ActorID)
	case ActionSoftHalt:
		h.risk.SetHalt(ctx, service.HaltSoft, reason, cmd.ActorID)
	case ActionResume:
		h.risk.SetHalt(ctx, service.HaltNone, reason, cmd.ActorID)
	case ActionFlatten:
		if h.router == nil {
			writeError(w, http.StatusServiceUnavailable, "flatten unavailable in this mode")
			return
		}
		trades, err := h.router.EmergencyFlatten(ctx, reason, cmd.ActorID)
		result["trades"] = trades
		if err != nil {
			h.logger.Error("handler: emergency flatten incomplete", slog.String("error", err.Error()))
			result["error"] = err.Error()
			h.audit(ctx, cmd, "partial")
			writeJSON(w, http.StatusBadGateway, result)
			return
		}
	}

	h.audit(ctx, cmd, "ok")
	h.logger.Warn("handler: risk command executed",
		slog.String("action", cmd.Action),
		slog.String("actor_id", cmd.ActorID),
		slog.String("command_id", cmd.CommandID),
	)
	result["risk"] = h.risk.Snapshot()
	writeJSON(w, http.StatusOK, result)
}

// claim burns the command id, returning false on replay.
func (h *ControlHandler) claim(ctx context.Context, id string) (bool, error) {
	if h.seen != nil {
		ok, err := h.seen.Claim(ctx, "cmd:"+id, commandTTL)
		if err != nil {
			return false, fmt.Errorf("handler: claim command: %w", err)
		}
		return ok, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for k, at := range h.local {
		if now.Sub(at) > commandTTL {
			delete(h.local, k)
		}
	}
	if _, dup := h.local[id]; dup {
		return false, nil
	}
	h.local[id] = now
	return true, nil
}

func (h *ControlHandler) audit(ctx context.Context, cmd crypto.RiskCommand, outcome string) {
	if h.events == nil {
		return
	}
	err := h.events.LogEvent(ctx, domain.SysRiskCommand, map[string]any{
		"action":     cmd.Action,
		"actor_id":   cmd.ActorID,
		"command_id": cmd.CommandID,
		"reason":     cmd.Reason,
		"outcome":    outcome,
	})
	if err != nil {
		h.logger.Warn("handler: failed to log risk command", slog.String("error", err.Error()))
	}
}
