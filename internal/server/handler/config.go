package handler

import "net/http"

// ConfigHandler serves the running configuration with secrets masked.
type ConfigHandler struct {
	redacted any
}

// NewConfigHandler takes an already redacted configuration value.
func NewConfigHandler(redacted any) *ConfigHandler {
	return &ConfigHandler{redacted: redacted}
}

// GetConfig
// GET /api/config
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.redacted)
}
