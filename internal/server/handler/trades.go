package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// TradeHandler serves trade history and PnL statistics. With a repository it
// pages through Postgres; otherwise it reads Shadow State's in-memory
// history.
type TradeHandler struct {
	state  StateReader
	repo   domain.TradeRepository
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler. repo may be nil.
func NewTradeHandler(state StateReader, repo domain.TradeRepository, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{state: state, repo: repo, logger: logHandler(logger, "trades")}
}

// ListTrades
// GET /api/trades?limit=&offset=&since=&until=
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	var trades []domain.TradeRecord
	if h.repo != nil {
		trades, err = h.repo.ListTrades(r.Context(), opts)
		if err != nil {
			writeDomainError(w, h.logger, err)
			return
		}
	} else {
		trades = h.state.TradeHistory(opts.Limit)
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"count":  len(trades),
	})
}

// Stats returns win rate and total PnL over the last window trades.
// GET /api/trades/stats?window=50
func (h *TradeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	window := 50
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive integer")
			return
		}
		window = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window": window,
		"stats":  h.state.CalculatePnLStats(window),
	})
}
