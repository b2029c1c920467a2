package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth(t *testing.T) {
	const secret = "jwt-secret"
	admin, err := IssueToken(secret, "titanhub", "ops", "admin", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	viewer, _ := IssueToken(secret, "titanhub", "ui", roleViewer, time.Hour)
	expired, _ := IssueToken(secret, "titanhub", "ops", "admin", -time.Hour)
	foreign, _ := IssueToken("other", "titanhub", "ops", "admin", time.Hour)

	h := Auth(AuthConfig{
		APIKey:    "key-123",
		JWTSecret: secret,
		Issuer:    "titanhub",
		Public:    []string{"/api/health"},
	})(okHandler())

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		want   int
	}{
		{"public path", "GET", "/api/health", nil, http.StatusOK},
		{"missing token", "GET", "/api/status", nil, http.StatusUnauthorized},
		{"api key header", "GET", "/api/status", map[string]string{"X-API-Key": "key-123"}, http.StatusOK},
		{"api key bearer", "POST", "/api/treasury/sweep", map[string]string{"Authorization": "Bearer key-123"}, http.StatusOK},
		{"wrong api key", "GET", "/api/status", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"admin jwt", "POST", "/api/control/command", map[string]string{"Authorization": "Bearer " + admin}, http.StatusOK},
		{"viewer jwt read", "GET", "/api/positions", map[string]string{"Authorization": "Bearer " + viewer}, http.StatusOK},
		{"viewer jwt write", "POST", "/api/treasury/sweep", map[string]string{"Authorization": "Bearer " + viewer}, http.StatusForbidden},
		{"expired jwt", "GET", "/api/status", map[string]string{"Authorization": "Bearer " + expired}, http.StatusUnauthorized},
		{"foreign jwt", "GET", "/api/status", map[string]string{"Authorization": "Bearer " + foreign}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	w := httptest.NewRecorder()
	Auth(AuthConfig{})(okHandler()).ServeHTTP(w, httptest.NewRequest("POST", "/api/signals", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

type countingLimiter struct {
	limit int
	seen  map[string]int
	err   error
}

func (c *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.seen[key]++
	return c.seen[key] <= c.limit, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{limit: 2, seen: map[string]int{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := RateLimit(lim, 2, time.Second, logger)(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("GET", "/api/status", nil)
		r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
	if lim.seen["api:10.0.0.1"] != 3 {
		t.Errorf("keys = %v", lim.seen)
	}

	lim.err = errors.New("redis down")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
	if w.Code != http.StatusOK {
		t.Errorf("limiter error status = %d, want fail-open 200", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://ui.example.com"})(okHandler())
	r := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	r.Header.Set("Origin", "https://ui.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://ui.example.com" {
		t.Errorf("allow-origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestExtractClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	if got := extractClientIP(r); got != "192.0.2.1" {
		t.Errorf("remote addr ip = %q", got)
	}
	r.Header.Set("X-Real-IP", "198.51.100.7")
	if got := extractClientIP(r); got != "198.51.100.7" {
		t.Errorf("x-real-ip = %q", got)
	}
}
