package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/titanhub/internal/crypto"
	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/executor"
	"github.com/alanyoungcy/titanhub/internal/service"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeState struct {
	positions []domain.Position
	trades    []domain.TradeRecord
	pending   []domain.Intent
}

func (f *fakeState) Positions() []domain.Position { return f.positions }

func (f *fakeState) GetPosition(symbol string) (domain.Position, bool) {
	for _, p := range f.positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return domain.Position{}, false
}

func (f *fakeState) TradeHistory(limit int) []domain.TradeRecord {
	if limit > 0 && len(f.trades) > limit {
		return f.trades[len(f.trades)-limit:]
	}
	return f.trades
}

func (f *fakeState) CalculatePnLStats(int) domain.PnLStats {
	return domain.PnLStats{TradeCount: len(f.trades), WinRate: 0.5, TotalPnL: 12}
}

func (f *fakeState) GetStateSnapshot() service.StateSnapshot {
	return service.StateSnapshot{Positions: f.positions, Timestamp: time.Unix(0, 0)}
}

func (f *fakeState) TotalExposure() float64          { return 0 }
func (f *fakeState) TotalUnrealizedPnL() float64     { return 0 }
func (f *fakeState) PendingIntents() []domain.Intent { return f.pending }

type fakeRisk struct {
	level  service.HaltLevel
	reason string
	actor  string
}

func (f *fakeRisk) Snapshot() service.RiskSnapshot {
	return service.RiskSnapshot{Halt: f.level.String(), HaltReason: f.reason}
}

func (f *fakeRisk) SetHalt(_ context.Context, level service.HaltLevel, reason, actor string) {
	f.level, f.reason, f.actor = level, reason, actor
}

type fakeRouter struct {
	res       executor.Result
	err       error
	flattened int
	gotSig    string
}

func (f *fakeRouter) Handle(_ context.Context, _ []byte, sig string) (executor.Result, error) {
	f.gotSig = sig
	return f.res, f.err
}

func (f *fakeRouter) EmergencyFlatten(context.Context, string, string) ([]domain.TradeRecord, error) {
	f.flattened++
	return nil, nil
}

func (f *fakeRouter) Prepared() int { return 0 }

type fakeTreasury struct {
	res *domain.SweepResult
	err error
}

func (f *fakeTreasury) Status() service.TreasuryStatus { return service.TreasuryStatus{TotalNAV: 1000} }

func (f *fakeTreasury) ExecuteSweep(context.Context, string) (*domain.SweepResult, error) {
	return f.res, f.err
}

func do(h http.HandlerFunc, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation, 400},
		{domain.ErrInvalidSignature, 401},
		{domain.ErrNotFound, 404},
		{domain.ErrDuplicateSignal, 409},
		{domain.ErrSweepInProgress, 409},
		{domain.ErrLockHeld, 409},
		{domain.ErrRiskRejected, 422},
		{domain.ErrPhaseMismatch, 422},
		{domain.ErrRateLimited, 429},
		{domain.ErrHalted, 503},
		{domain.ErrCircuitOpen, 503},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("outer: %w", tt.err)
		if got := statusFor(wrapped); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/trades?limit=9999&offset=5&since=1700000000000", nil)
	opts, err := parseListOpts(r)
	if err != nil {
		t.Fatalf("parseListOpts: %v", err)
	}
	if opts.Limit != 500 || opts.Offset != 5 {
		t.Errorf("limit/offset = %d/%d, want 500/5", opts.Limit, opts.Offset)
	}
	if opts.Since == nil || opts.Since.UnixMilli() != 1700000000000 {
		t.Errorf("since = %v", opts.Since)
	}

	r = httptest.NewRequest("GET", "/api/trades?until=yesterday", nil)
	if _, err := parseListOpts(r); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad until err = %v, want ErrValidation", err)
	}
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
	}, discard())
	if w := do(h.HealthCheck, "GET", "/api/health", "", nil); w.Code != 200 {
		t.Fatalf("healthy status = %d", w.Code)
	}

	h = NewHealthHandler(map[string]Pinger{
		"redis": PingFunc(func(context.Context) error { return errors.New("down") }),
	}, discard())
	w := do(h.HealthCheck, "GET", "/api/health", "", nil)
	if w.Code != http.StatusServiceUnavailable || decode(t, w)["status"] != "degraded" {
		t.Errorf("degraded: code=%d body=%s", w.Code, w.Body)
	}
}

func TestPositions(t *testing.T) {
	st := &fakeState{positions: []domain.Position{{Symbol: "BTCUSDT", Side: domain.SideLong, Size: 0.1}}}
	h := NewPositionHandler(st)

	w := do(h.ListPositions, "GET", "/api/positions", "", nil)
	if decode(t, w)["count"] != float64(1) {
		t.Errorf("list body = %s", w.Body)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions/{symbol}", h.GetPosition)
	for sym, want := range map[string]int{"btcusdt": 200, "ETHUSDT": 404} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/positions/"+sym, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", sym, rec.Code, want)
		}
	}
}

func TestTradesFallbackToShadowState(t *testing.T) {
	st := &fakeState{trades: []domain.TradeRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	h := NewTradeHandler(st, nil, discard())

	w := do(h.ListTrades, "GET", "/api/trades?limit=2", "", nil)
	if decode(t, w)["count"] != float64(2) {
		t.Errorf("body = %s", w.Body)
	}
	if w := do(h.Stats, "GET", "/api/trades/stats?window=0", "", nil); w.Code != 400 {
		t.Errorf("window=0 status = %d, want 400", w.Code)
	}
	w = do(h.Stats, "GET", "/api/trades/stats", "", nil)
	stats, _ := decode(t, w)["stats"].(map[string]any)
	if stats["win_rate"] != 0.5 {
		t.Errorf("stats = %v", stats)
	}
}

func TestSignalSubmit(t *testing.T) {
	router := &fakeRouter{res: executor.Result{SignalID: "s1", Outcome: executor.OutcomePrepared}}
	h := NewSignalHandler(router, discard())

	w := do(h.Submit, "POST", "/api/signals", `{"signal_id":"s1"}`, map[string]string{SignatureHeader: "abc"})
	if w.Code != 200 || router.gotSig != "abc" {
		t.Fatalf("code=%d sig=%q", w.Code, router.gotSig)
	}

	router.res = executor.Result{SignalID: "s2", Outcome: executor.OutcomeRejected, Reason: "PHASE_MISMATCH"}
	router.err = fmt.Errorf("router: %w", domain.ErrPhaseMismatch)
	w = do(h.Submit, "POST", "/api/signals", `{}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("rejected status = %d, want 422", w.Code)
	}
	res, _ := decode(t, w)["result"].(map[string]any)
	if res["reason"] != "PHASE_MISMATCH" {
		t.Errorf("result = %v", res)
	}
}

func TestTreasurySweep(t *testing.T) {
	tr := &fakeTreasury{err: fmt.Errorf("treasury: %w", domain.ErrSweepInProgress)}
	h := NewTreasuryHandler(tr, discard())
	if w := do(h.Sweep, "POST", "/api/treasury/sweep", "", nil); w.Code != http.StatusConflict {
		t.Errorf("in-progress status = %d, want 409", w.Code)
	}

	tr.err = nil
	tr.res = &domain.SweepResult{Amount: 25}
	w := do(h.Sweep, "POST", "/api/treasury/sweep", "", nil)
	if w.Code != 200 || decode(t, w)["swept"] != true {
		t.Errorf("sweep: code=%d body=%s", w.Code, w.Body)
	}
}

func signedCommand(t *testing.T, v *crypto.SignalVerifier, action, id string) string {
	t.Helper()
	cmd := crypto.RiskCommand{Action: action, ActorID: "ops", CommandID: id, Timestamp: time.Now().Unix()}
	cmd.Signature = v.SignCommand(cmd)
	b, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestControlCommand(t *testing.T) {
	v, err := crypto.NewSignalVerifier("secret", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	risk := &fakeRisk{}
	router := &fakeRouter{}
	h := NewControlHandler(v, risk, router, nil, nil, discard())

	w := do(h.Command, "POST", "/api/control/command", signedCommand(t, v, "halt", "c1"), nil)
	if w.Code != 200 || risk.level != service.HaltHard || risk.actor != "ops" {
		t.Fatalf("halt: code=%d level=%v body=%s", w.Code, risk.level, w.Body)
	}

	if w := do(h.Command, "POST", "/api/control/command", signedCommand(t, v, "HALT", "c1"), nil); w.Code != http.StatusConflict {
		t.Errorf("replayed command status = %d, want 409", w.Code)
	}

	if w := do(h.Command, "POST", "/api/control/command", signedCommand(t, v, "FLATTEN", "c2"), nil); w.Code != 200 || router.flattened != 1 {
		t.Errorf("flatten: code=%d flattened=%d", w.Code, router.flattened)
	}

	if w := do(h.Command, "POST", "/api/control/command", signedCommand(t, v, "RESUME", "c3"), nil); w.Code != 200 || risk.level != service.HaltNone {
		t.Errorf("resume: code=%d level=%v", w.Code, risk.level)
	}

	forged := strings.Replace(signedCommand(t, v, "RESUME", "c4"), `"action":"RESUME"`, `"action":"SOFT_HALT"`, 1)
	if w := do(h.Command, "POST", "/api/control/command", forged, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("forged command status = %d, want 401", w.Code)
	}
}

func TestStatusListsPendingIntents(t *testing.T) {
	phases, err := service.NewPhaseManager(service.DefaultPhases(), nil, discard())
	if err != nil {
		t.Fatal(err)
	}
	st := &fakeState{pending: []domain.Intent{{SignalID: "sig-1", Symbol: "BTCUSDT", Status: domain.IntentPending}}}
	h := NewStatusHandler("paper", st, &fakeRisk{}, phases, nil, nil, nil)

	body := decode(t, do(h.GetStatus, "GET", "/api/status", "", nil))
	pending, ok := body["pending_intents"].([]any)
	if !ok || len(pending) != 1 {
		t.Fatalf("pending_intents = %v", body["pending_intents"])
	}
	if got := pending[0].(map[string]any)["signal_id"]; got != "sig-1" {
		t.Errorf("signal_id = %v", got)
	}
	if _, ok := body["treasury"]; ok {
		t.Error("monitor status without treasury should omit it")
	}
}
