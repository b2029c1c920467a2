package handler

import (
	"net/http"
	"strings"
)

// PositionHandler serves open positions from Shadow State.
type PositionHandler struct {
	state StateReader
}

func NewPositionHandler(state StateReader) *PositionHandler {
	return &PositionHandler{state: state}
}

// ListPositions returns every open position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, _ *http.Request) {
	positions := h.state.Positions()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
	})
}

// GetPosition returns the position for one symbol.
// GET /api/positions/{symbol}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	pos, ok := h.state.GetPosition(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no open position for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
