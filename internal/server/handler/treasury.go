package handler

import (
	"log/slog"
	"net/http"
)

// TreasuryHandler serves wallet status and manual sweeps.
type TreasuryHandler struct {
	treasury Treasury
	logger   *slog.Logger
}

func NewTreasuryHandler(treasury Treasury, logger *slog.Logger) *TreasuryHandler {
	return &TreasuryHandler{treasury: treasury, logger: logHandler(logger, "treasury")}
}

// GetTreasury
// GET /api/treasury
func (h *TreasuryHandler) GetTreasury(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.treasury.Status())
}

// Sweep runs a manual sweep. A concurrent sweep answers 409.
// POST /api/treasury/sweep
func (h *TreasuryHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.treasury.ExecuteSweep(r.Context(), "manual")
	if err != nil {
		if res != nil {
			h.logger.Warn("handler: manual sweep failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "sweep": res})
			return
		}
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"swept": res.Amount > 0,
		"sweep": res,
	})
}
