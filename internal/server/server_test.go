package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/titanhub/internal/server/handler"
	"github.com/alanyoungcy/titanhub/internal/server/middleware"
)

func TestServerRoutesAndAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"noop": handler.PingFunc(func(context.Context) error { return nil }),
		}, logger),
		Config: handler.NewConfigHandler(map[string]string{"mode": "paper"}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("titan_up 1\n"))
		}),
	}
	srv := NewServer(Config{
		Port: 0,
		Auth: middleware.AuthConfig{APIKey: "k"},
	}, h, nil, nil, logger)

	tests := []struct {
		path string
		key  string
		want int
	}{
		{"/api/health", "", http.StatusOK},
		{"/metrics", "", http.StatusOK},
		{"/api/config", "", http.StatusUnauthorized},
		{"/api/config", "k", http.StatusOK},
		{"/api/signals", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", tt.path, nil)
		if tt.key != "" {
			r.Header.Set("X-API-Key", tt.key)
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, r)
		if w.Code != tt.want {
			t.Errorf("GET %s (key %q) = %d, want %d", tt.path, tt.key, w.Code, tt.want)
		}
	}
}
