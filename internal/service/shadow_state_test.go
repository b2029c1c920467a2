package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

func newTestShadow(db domain.DatabaseManager, cfg ShadowStateConfig) *ShadowState {
	s := NewShadowState(db, cfg, nil, discardLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var n int
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return s
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func prepare(t *testing.T, s *ShadowState, id, symbol, typ string, dir int) domain.Intent {
	t.Helper()
	intent, err := s.ProcessIntent(domain.IntentPayload{
		SignalID:  id,
		Type:      typ,
		Source:    domain.SourceScavenger,
		Symbol:    symbol,
		Direction: dir,
		EntryZone: domain.PriceBand{Min: 99, Max: 101},
		StopLoss:  90,
	})
	if err != nil {
		t.Fatalf("ProcessIntent(%s): %v", id, err)
	}
	return intent
}

func fill(price, size, fee float64) domain.FillResult {
	return domain.FillResult{Filled: true, FillPrice: price, FillSize: size, RequestedSize: size, Fee: fee}
}

func confirm(t *testing.T, s *ShadowState, id string, f domain.FillResult) *Execution {
	t.Helper()
	exec, err := s.ConfirmExecution(id, f)
	if err != nil {
		t.Fatalf("ConfirmExecution(%s): %v", id, err)
	}
	return exec
}

// openLong opens a long on symbol at price through the prepare/confirm path.
func openLong(t *testing.T, s *ShadowState, id, symbol string, price, size, fee float64) {
	t.Helper()
	prepare(t, s, id, symbol, "PREPARE", 1)
	confirm(t, s, id, fill(price, size, fee))
}

func TestProcessIntentNormalizesType(t *testing.T) {
	tests := []struct {
		raw  string
		dir  int
		want domain.IntentType
	}{
		{"PREPARE", 1, domain.IntentBuySetup},
		{"prepare", -1, domain.IntentSellSetup},
		{"", 1, domain.IntentBuySetup},
		{"CLOSE", 1, domain.IntentCloseLong},
		{"close", -1, domain.IntentCloseShort},
		{"sell_setup", -1, domain.IntentSellSetup},
		{"CLOSE_SHORT", -1, domain.IntentCloseShort},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			s := newTestShadow(nil, ShadowStateConfig{})
			got := prepare(t, s, "sig-1", "BTCUSDT", tt.raw, tt.dir)
			if got.Type != tt.want {
				t.Errorf("type = %s, want %s", got.Type, tt.want)
			}
			if got.Status != domain.IntentPending {
				t.Errorf("status = %s, want PENDING", got.Status)
			}
		})
	}
}

func TestProcessIntentRejectsMalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		p    domain.IntentPayload
	}{
		{"no id", domain.IntentPayload{Symbol: "BTCUSDT", Direction: 1}},
		{"no symbol", domain.IntentPayload{SignalID: "a", Direction: 1}},
		{"zero direction", domain.IntentPayload{SignalID: "a", Symbol: "BTCUSDT"}},
		{"unknown type", domain.IntentPayload{SignalID: "a", Symbol: "BTCUSDT", Direction: 1, Type: "HEDGE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestShadow(nil, ShadowStateConfig{})
			if _, err := s.ProcessIntent(tt.p); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if n := len(s.PendingIntents()); n != 0 {
				t.Errorf("pending = %d, want 0", n)
			}
		})
	}
}

func TestProcessIntentDuplicates(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	first := prepare(t, s, "sig-1", "BTCUSDT", "PREPARE", 1)

	again, err := s.ProcessIntent(domain.IntentPayload{SignalID: "sig-1", Symbol: "ETHUSDT", Direction: -1})
	if err != nil {
		t.Fatalf("pending duplicate: %v", err)
	}
	if again.Symbol != first.Symbol || !again.ReceivedAt.Equal(first.ReceivedAt) {
		t.Errorf("duplicate should return the stored intent, got %+v", again)
	}
	if n := len(s.PendingIntents()); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}

	if _, err := s.RejectIntent("sig-1", "RISK"); err != nil {
		t.Fatal(err)
	}
	_, err = s.ProcessIntent(domain.IntentPayload{SignalID: "sig-1", Symbol: "BTCUSDT", Direction: 1})
	if !errors.Is(err, domain.ErrDuplicateSignal) {
		t.Fatalf("terminal duplicate err = %v, want ErrDuplicateSignal", err)
	}
}

func TestRejectAndExpireLeavePositionsAlone(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "open", "BTCUSDT", 100, 1, 0)
	before, _ := s.GetPosition("BTCUSDT")

	prepare(t, s, "r", "BTCUSDT", "PREPARE", -1)
	prepare(t, s, "e", "BTCUSDT", "PREPARE", 1)

	rejected, err := s.RejectIntent("r", "PHASE_MISMATCH")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != domain.IntentRejected || rejected.RejectionReason != "PHASE_MISMATCH" {
		t.Errorf("rejected = %+v", rejected)
	}
	if _, err := s.ExpireIntent("e"); err != nil {
		t.Fatal(err)
	}

	after, ok := s.GetPosition("BTCUSDT")
	if !ok || after.Size != before.Size || after.EntryPrice != before.EntryPrice {
		t.Errorf("position changed: before %+v after %+v", before, after)
	}
	if st, _ := s.TerminalStatus("r"); st != domain.IntentRejected {
		t.Errorf("terminal status r = %s", st)
	}
	if st, _ := s.TerminalStatus("e"); st != domain.IntentExpired {
		t.Errorf("terminal status e = %s", st)
	}
	if _, ok := s.GetIntent("r"); ok {
		t.Error("rejected intent should leave the pending set")
	}
	if _, err := s.RejectIntent("missing", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("reject unknown err = %v, want ErrNotFound", err)
	}
}

func TestConfirmOpensPosition(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	prepare(t, s, "sig-1", "BTCUSDT", "PREPARE", 1)
	if _, err := s.ValidateIntent("sig-1"); err != nil {
		t.Fatal(err)
	}

	exec := confirm(t, s, "sig-1", fill(50000, 0.1, 2))
	if exec.Intent.Status != domain.IntentConfirmed {
		t.Errorf("intent status = %s", exec.Intent.Status)
	}
	if exec.Position == nil {
		t.Fatal("expected an open position")
	}
	p := *exec.Position
	if p.Side != domain.SideLong || p.Size != 0.1 || p.EntryPrice != 50000 || p.FeesPaid != 2 {
		t.Errorf("position = %+v", p)
	}
	if p.StopLoss != 90 || p.SignalID != "sig-1" {
		t.Errorf("position should carry intent levels, got %+v", p)
	}
	if len(exec.Trades) != 0 {
		t.Errorf("opening fill should not record trades, got %d", len(exec.Trades))
	}
	if st, ok := s.TerminalStatus("sig-1"); !ok || st != domain.IntentConfirmed {
		t.Errorf("terminal status = %s, %v", st, ok)
	}
}

func TestConfirmSameSideAveragesEntry(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "a", "BTCUSDT", 50000, 0.1, 1)
	openLong(t, s, "b", "BTCUSDT", 52000, 0.1, 1)

	p, ok := s.GetPosition("BTCUSDT")
	if !ok {
		t.Fatal("position missing")
	}
	if !approx(p.Size, 0.2) || !approx(p.EntryPrice, 51000) || !approx(p.FeesPaid, 2) {
		t.Errorf("position = %+v", p)
	}
	if len(s.TradeHistory(0)) != 0 {
		t.Error("averaging in should not record a trade")
	}
}

func TestConfirmOppositeFillReduces(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "a", "BTCUSDT", 100, 1, 0)
	prepare(t, s, "b", "BTCUSDT", "PREPARE", -1)

	exec := confirm(t, s, "b", fill(110, 0.5, 0))
	if len(exec.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(exec.Trades))
	}
	tr := exec.Trades[0]
	if !approx(tr.PnL, 5) || !tr.Partial || tr.CloseReason != domain.CloseReasonOppositeFill {
		t.Errorf("trade = %+v", tr)
	}
	if exec.Position == nil || exec.Position.Side != domain.SideLong || !approx(exec.Position.Size, 0.5) {
		t.Errorf("remaining position = %+v", exec.Position)
	}
	if exec.Position.EntryPrice != 100 {
		t.Errorf("entry should be kept on reduce, got %v", exec.Position.EntryPrice)
	}
}

func TestConfirmOppositeFillFlips(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "a", "BTCUSDT", 100, 1, 0)
	prepare(t, s, "b", "BTCUSDT", "PREPARE", -1)

	exec := confirm(t, s, "b", fill(90, 3, 3))
	if len(exec.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(exec.Trades))
	}
	tr := exec.Trades[0]
	if !approx(tr.PnL, -10) || !approx(tr.Fees, 1) || !approx(tr.NetPnL, -11) || tr.Partial {
		t.Errorf("trade = %+v", tr)
	}
	p := exec.Position
	if p == nil || p.Side != domain.SideShort || !approx(p.Size, 2) || p.EntryPrice != 90 {
		t.Fatalf("flipped position = %+v", p)
	}
	if !approx(p.FeesPaid, 2) || p.SignalID != "b" {
		t.Errorf("flipped position = %+v", p)
	}
}

func TestConfirmCloseIntent(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "a", "BTCUSDT", 100, 1, 0)

	prepare(t, s, "wrong-side", "BTCUSDT", "CLOSE", -1)
	exec := confirm(t, s, "wrong-side", fill(120, 1, 0))
	if len(exec.Trades) != 0 || !s.HasPosition("BTCUSDT") {
		t.Fatalf("close short on a long must not trade, got %+v", exec)
	}

	prepare(t, s, "close", "BTCUSDT", "CLOSE", 1)
	exec = confirm(t, s, "close", fill(120, 1, 0))
	if len(exec.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(exec.Trades))
	}
	if tr := exec.Trades[0]; !approx(tr.PnL, 20) || tr.CloseReason != domain.CloseReasonSignal || !approx(tr.PnLPct, 20) {
		t.Errorf("trade = %+v", tr)
	}
	if exec.Position != nil || s.HasPosition("BTCUSDT") {
		t.Error("position should be flat")
	}
}

func TestConfirmUnfilledAndInvalidFills(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	prepare(t, s, "nf", "BTCUSDT", "PREPARE", 1)
	exec, err := s.ConfirmExecution("nf", domain.FillResult{Filled: false})
	if err != nil || exec != nil {
		t.Fatalf("unfilled: exec=%v err=%v", exec, err)
	}
	if st, _ := s.TerminalStatus("nf"); st != domain.IntentRejected {
		t.Errorf("unfilled intent status = %s", st)
	}

	prepare(t, s, "bad", "BTCUSDT", "PREPARE", 1)
	_, err = s.ConfirmExecution("bad", fill(math.NaN(), 1, 0))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("invalid fill err = %v", err)
	}
	if s.HasPosition("BTCUSDT") {
		t.Error("invalid fill must not open a position")
	}

	if _, err := s.ConfirmExecution("ghost", fill(100, 1, 0)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown signal err = %v", err)
	}
}

func TestClosePartialPosition(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	if _, err := s.ClosePartialPosition("BTCUSDT", 100, 1, domain.CloseReasonManual); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no position err = %v", err)
	}

	openLong(t, s, "a", "BTCUSDT", 100, 2, 4)
	if _, err := s.ClosePartialPosition("BTCUSDT", 100, 3, domain.CloseReasonManual); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("oversized close err = %v", err)
	}
	if _, err := s.ClosePartialPosition("BTCUSDT", 0, 1, domain.CloseReasonManual); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero price err = %v", err)
	}

	tr, err := s.ClosePartialPosition("BTCUSDT", 110, 1, domain.CloseReasonTakeProfit)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(tr.PnL, 10) || !approx(tr.Fees, 2) || !approx(tr.NetPnL, 8) || !tr.Partial {
		t.Errorf("trade = %+v", tr)
	}
	p, _ := s.GetPosition("BTCUSDT")
	if !approx(p.Size, 1) || p.EntryPrice != 100 || !approx(p.FeesPaid, 2) {
		t.Errorf("remaining = %+v", p)
	}

	tr, err = s.ClosePartialPosition("BTCUSDT", 110, 1, domain.CloseReasonTakeProfit)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Partial || s.HasPosition("BTCUSDT") {
		t.Error("closing the remaining size should flatten the position")
	}
}

func TestClosePosition(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	tr, err := s.ClosePosition("BTCUSDT", 100, domain.CloseReasonManual)
	if err != nil || tr != nil {
		t.Fatalf("unknown symbol: tr=%v err=%v", tr, err)
	}

	prepare(t, s, "s", "ETHUSDT", "PREPARE", -1)
	confirm(t, s, "s", fill(2000, 2, 0))
	tr, err = s.ClosePosition("ETHUSDT", 1900, domain.CloseReasonStopLoss)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Side != domain.SideShort || !approx(tr.PnL, 200) || !approx(tr.PnLPct, 5) {
		t.Errorf("short close trade = %+v", tr)
	}
}

func TestCloseAllPositionsSkipsUnpricedSymbols(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "a", "BTCUSDT", 100, 1, 0)
	openLong(t, s, "b", "ETHUSDT", 10, 1, 0)

	trades, err := s.CloseAllPositions(func(sym string) float64 {
		if sym == "ETHUSDT" {
			return math.Inf(1)
		}
		return 105
	}, domain.CloseReasonEmergency)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].Symbol != "BTCUSDT" || trades[0].CloseReason != domain.CloseReasonEmergency {
		t.Fatalf("trades = %+v", trades)
	}
	if !s.HasPosition("ETHUSDT") || s.HasPosition("BTCUSDT") {
		t.Errorf("positions = %+v", s.Positions())
	}
}

func TestCalculatePnLStats(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	if got := s.CalculatePnLStats(10); got.TradeCount != 0 || got.WinRate != 0 {
		t.Errorf("empty stats = %+v", got)
	}
	for i, exit := range []float64{110, 95, 120} {
		id := string(rune('a' + i))
		openLong(t, s, id, "BTCUSDT", 100, 1, 0)
		if _, err := s.ClosePosition("BTCUSDT", exit, domain.CloseReasonManual); err != nil {
			t.Fatal(err)
		}
	}

	all := s.CalculatePnLStats(0)
	if all.TradeCount != 3 || !approx(all.WinRate, 2.0/3.0) || !approx(all.TotalPnL, 25) {
		t.Errorf("all stats = %+v", all)
	}
	last2 := s.CalculatePnLStats(2)
	if last2.TradeCount != 2 || !approx(last2.WinRate, 0.5) || !approx(last2.TotalPnL, 15) {
		t.Errorf("window stats = %+v", last2)
	}
}

func TestTradeHistoryIsCapped(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{MaxTradeHistory: 2})
	for i, exit := range []float64{101, 102, 103} {
		openLong(t, s, string(rune('a'+i)), "BTCUSDT", 100, 1, 0)
		if _, err := s.ClosePosition("BTCUSDT", exit, domain.CloseReasonManual); err != nil {
			t.Fatal(err)
		}
	}
	hist := s.TradeHistory(0)
	if len(hist) != 2 || hist[0].ExitPrice != 102 || hist[1].ExitPrice != 103 {
		t.Fatalf("history = %+v", hist)
	}
	if last := s.TradeHistory(1); len(last) != 1 || last[0].ExitPrice != 103 {
		t.Errorf("TradeHistory(1) = %+v", last)
	}
}

func TestTerminalMemoryEvictsOldest(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{TerminalMemory: 2})
	for _, id := range []string{"a", "b", "c"} {
		prepare(t, s, id, "BTCUSDT", "PREPARE", 1)
		if _, err := s.RejectIntent(id, "RISK"); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := s.TerminalStatus("a"); ok {
		t.Error("oldest terminal id should be evicted")
	}
	if _, ok := s.TerminalStatus("c"); !ok {
		t.Error("newest terminal id should be remembered")
	}
	if _, err := s.ProcessIntent(domain.IntentPayload{SignalID: "a", Symbol: "BTCUSDT", Direction: 1}); err != nil {
		t.Errorf("evicted id should be accepted again: %v", err)
	}
}

func TestValuationFundingAndExposure(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "a", "BTCUSDT", 100, 2, 0)

	if got := s.TotalExposure(); got != 200 {
		t.Errorf("unmarked exposure = %v, want 200", got)
	}
	p, ok := s.UpdateValuation("BTCUSDT", 109, 111)
	if !ok || p.MarkPrice != 110 || !approx(p.UnrealizedPnL, 20) {
		t.Fatalf("valuation = %+v ok=%v", p, ok)
	}
	if got := s.TotalExposure(); got != 220 {
		t.Errorf("marked exposure = %v, want 220", got)
	}
	if got := s.TotalUnrealizedPnL(); !approx(got, 20) {
		t.Errorf("unrealized = %v", got)
	}
	if _, ok := s.UpdateValuation("ETHUSDT", 1, 2); ok {
		t.Error("valuation of unknown symbol should report false")
	}
	if _, ok := s.UpdateValuation("BTCUSDT", 0, 0); ok {
		t.Error("empty book should not mark")
	}

	if err := s.ApplyFunding("BTCUSDT", 1.5); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyFunding("BTCUSDT", -0.5); err != nil {
		t.Fatal(err)
	}
	if p, _ := s.GetPosition("BTCUSDT"); !approx(p.FundingPaid, 1) {
		t.Errorf("funding = %v", p.FundingPaid)
	}
	if err := s.ApplyFunding("ETHUSDT", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("funding unknown err = %v", err)
	}
}

func TestSnapshotAndZombies(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "a", "BTCUSDT", 100, 1, 0)
	prepare(t, s, "p", "ETHUSDT", "PREPARE", 1)

	snap := s.GetStateSnapshot()
	if len(snap.Positions) != 1 || snap.PendingIntentsCount != 1 || snap.Timestamp.IsZero() {
		t.Errorf("snapshot = %+v", snap)
	}
	if s.IsZombieSignal("BTCUSDT", "x") {
		t.Error("open symbol is not a zombie")
	}
	if !s.IsZombieSignal("SOLUSDT", "x") {
		t.Error("flat symbol close is a zombie")
	}
}

func TestDestroy(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "a", "BTCUSDT", 100, 1, 0)
	var events int
	s.Subscribe(func(domain.StateEvent) { events++ })

	s.Destroy()
	s.Destroy()

	if len(s.Positions()) != 0 {
		t.Error("destroy should clear positions")
	}
	if _, err := s.ProcessIntent(domain.IntentPayload{SignalID: "b", Symbol: "BTCUSDT", Direction: 1}); !errors.Is(err, domain.ErrDestroyed) {
		t.Errorf("process after destroy err = %v", err)
	}
	if _, err := s.ClosePosition("BTCUSDT", 100, domain.CloseReasonManual); !errors.Is(err, domain.ErrDestroyed) {
		t.Errorf("close after destroy err = %v", err)
	}
	if _, err := s.CloseAllPositions(func(string) float64 { return 1 }, domain.CloseReasonEmergency); !errors.Is(err, domain.ErrDestroyed) {
		t.Errorf("close all after destroy err = %v", err)
	}
	if events != 0 {
		t.Errorf("observers should be detached, got %d events", events)
	}
}

func TestSubscribeFiltersAndDetaches(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	var got []string
	stop := s.Subscribe(func(ev domain.StateEvent) { got = append(got, ev.Name) },
		domain.EventPositionOpened, domain.EventPositionClosed)

	openLong(t, s, "a", "BTCUSDT", 100, 1, 0)
	if len(got) != 1 || got[0] != domain.EventPositionOpened {
		t.Fatalf("events = %v", got)
	}
	stop()
	if _, err := s.ClosePosition("BTCUSDT", 101, domain.CloseReasonManual); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("detached observer still called: %v", got)
	}

	var all []string
	s.Subscribe(func(ev domain.StateEvent) { all = append(all, ev.Name) })
	prepare(t, s, "b", "BTCUSDT", "PREPARE", 1)
	if _, err := s.RejectIntent("b", "RISK"); err != nil {
		t.Fatal(err)
	}
	want := []string{domain.EventIntentProcessed, domain.EventIntentRejected}
	if len(all) != len(want) || all[0] != want[0] || all[1] != want[1] {
		t.Errorf("events = %v, want %v", all, want)
	}
}

func TestPersistence(t *testing.T) {
	db := newMemDB()
	s := newTestShadow(db, ShadowStateConfig{})
	ctx := context.Background()

	openLong(t, s, "a", "BTCUSDT", 100, 2, 0)
	if err := s.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	db.mu.Lock()
	row, ok := db.active["BTCUSDT"]
	db.mu.Unlock()
	if !ok || row.Size != 2 || row.AvgEntry != 100 || row.CurrentStop != 90 {
		t.Fatalf("inserted row = %+v ok=%v", row, ok)
	}

	if _, err := s.ClosePartialPosition("BTCUSDT", 110, 1, domain.CloseReasonTakeProfit); err != nil {
		t.Fatal(err)
	}
	if err := s.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	db.mu.Lock()
	row = db.active["BTCUSDT"]
	db.mu.Unlock()
	if row.Size != 1 {
		t.Errorf("patched size = %v, want 1", row.Size)
	}

	if _, err := s.ClosePosition("BTCUSDT", 120, domain.CloseReasonManual); err != nil {
		t.Fatal(err)
	}
	if err := s.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.trades) != 2 {
		t.Errorf("persisted trades = %d, want 2", len(db.trades))
	}
	if _, ok := db.active["BTCUSDT"]; ok {
		t.Error("closed position should leave the active table")
	}
	if c := db.closed["BTCUSDT"]; c.ClosePrice != 120 || !approx(c.RealizedPnL, 20) || c.CloseReason != domain.CloseReasonManual {
		t.Errorf("close detail = %+v", c)
	}
}

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	db := newMemDB()
	db.insertErr = errors.New("connection reset")
	s := newTestShadow(db, ShadowStateConfig{})

	openLong(t, s, "a", "BTCUSDT", 100, 1, 0)
	if err := s.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.HasPosition("BTCUSDT") {
		t.Error("a failed write must not revert the in-memory position")
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	intent, err := s.ProcessIntent(domain.IntentPayload{
		SignalID:    "a",
		Symbol:      "BTCUSDT",
		Direction:   1,
		EntryZone:   domain.PriceBand{Min: 99, Max: 101},
		StopLoss:    90,
		TakeProfits: []float64{110, 120},
	})
	if err != nil {
		t.Fatal(err)
	}
	intent.TakeProfits[0] = 1
	intent.StopLoss = 1

	got, _ := s.GetIntent("a")
	if got.TakeProfits[0] != 110 || got.StopLoss != 90 {
		t.Fatalf("intent mutated through returned value: %+v", got)
	}
	got.TakeProfits[1] = 2
	if again, _ := s.GetIntent("a"); again.TakeProfits[1] != 120 {
		t.Fatalf("intent mutated through GetIntent copy: %+v", again)
	}

	confirm(t, s, "a", fill(100, 1, 0))
	pos, _ := s.GetPosition("BTCUSDT")
	pos.TakeProfits[0] = 1
	pos.Size = 50
	if again, _ := s.GetPosition("BTCUSDT"); again.Size != 1 || again.TakeProfits[0] != 110 {
		t.Errorf("position mutated through returned value: %+v", again)
	}
	for _, p := range s.Positions() {
		p.TakeProfits[0] = 3
	}
	if again, _ := s.GetPosition("BTCUSDT"); again.TakeProfits[0] != 110 {
		t.Errorf("position mutated through Positions copy: %+v", again)
	}
}

func TestClosePositionDropsZeroSize(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	s.positions["BTCUSDT"] = &domain.Position{Symbol: "BTCUSDT", Side: domain.SideLong, Size: 0, EntryPrice: 100}
	var events []string
	s.Subscribe(func(ev domain.StateEvent) { events = append(events, ev.Name) })

	tr, err := s.ClosePosition("BTCUSDT", 105, domain.CloseReasonManual)
	if err != nil || tr != nil {
		t.Fatalf("ClosePosition = %+v, %v; want nil, nil", tr, err)
	}
	if s.HasPosition("BTCUSDT") {
		t.Error("zero-size position should be removed")
	}
	if h := s.TradeHistory(0); len(h) != 0 {
		t.Errorf("no trade expected, got %+v", h)
	}
	for _, name := range events {
		if name == domain.EventTradeRecorded {
			t.Errorf("unexpected %s event", name)
		}
	}
}

func TestAverageInThenPartialClose(t *testing.T) {
	s := newTestShadow(nil, ShadowStateConfig{})
	openLong(t, s, "a", "BTCUSDT", 50000, 1.0, 0)
	prepare(t, s, "b", "BTCUSDT", "PREPARE", 1)
	confirm(t, s, "b", fill(50200, 0.5, 0))

	pos, _ := s.GetPosition("BTCUSDT")
	if math.Abs(pos.EntryPrice-50066.67) > 0.01 || !approx(pos.Size, 1.5) {
		t.Fatalf("after average-in: %+v", pos)
	}

	tr, err := s.ClosePartialPosition("BTCUSDT", 51000, 0.5, domain.CloseReasonManual)
	if err != nil || tr == nil {
		t.Fatalf("partial close = %+v, %v", tr, err)
	}
	if math.Abs(tr.PnL-466.67) > 0.01 {
		t.Errorf("pnl = %v, want 466.67", tr.PnL)
	}
	after, _ := s.GetPosition("BTCUSDT")
	if after.EntryPrice != pos.EntryPrice || !approx(after.Size, 1.0) {
		t.Errorf("after partial close: %+v", after)
	}
}
