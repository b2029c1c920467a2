package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// EventHandler lists the system_events audit log.
type EventHandler struct {
	events domain.EventLog
	logger *slog.Logger
}

func NewEventHandler(events domain.EventLog, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logHandler(logger, "events")}
}

// ListEvents
// GET /api/events?kind=SWEEP_FAILED&limit=&offset=&since=&until=
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	kind := strings.ToUpper(r.URL.Query().Get("kind"))
	evs, err := h.events.ListEvents(r.Context(), kind, opts)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if evs == nil {
		evs = []domain.SystemEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": evs,
		"count":  len(evs),
	})
}
