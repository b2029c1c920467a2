package handler

import (
	"log/slog"
	"net/http"
)

// SignatureHeader carries the hex HMAC of the signal body.
const SignatureHeader = "X-Signature"

// SignalHandler is the HTTP ingress for generator signals.
type SignalHandler struct {
	router SignalRouter
	logger *slog.Logger
}

func NewSignalHandler(router SignalRouter, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{router: router, logger: logHandler(logger, "signals")}
}

// Submit routes one signed signal. The router's result is returned even when
// the signal is refused, with the status mapped from the error.
// POST /api/signals
func (h *SignalHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	res, err := h.router.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			h.logger.Error("handler: signal failed",
				slog.String("signal_id", res.SignalID),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
