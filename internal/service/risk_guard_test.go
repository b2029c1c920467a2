package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard(events domain.EventLog, equity float64) (*RiskGuard, *testClock) {
	clock := &testClock{t: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
	g := NewRiskGuard(DefaultRiskConfig(), events, nil, discardLogger())
	g.now = clock.now
	if equity > 0 {
		g.UpdateEquity(context.Background(), equity)
	}
	return g, clock
}

func okTrade() ProposedTrade {
	return ProposedTrade{Symbol: "BTCUSDT", Size: 0.1, Price: 50000, Leverage: 5}
}

func TestCheckPreTradeLimits(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		equity    float64
		trade     func(*ProposedTrade)
		exposure  float64
		open      int
		setup     func(*RiskGuard)
		wantCause string
	}{
		{name: "accepted", equity: 10000},
		{name: "whitelist", equity: 10000, trade: func(p *ProposedTrade) { p.Symbol = "DOGEUSDT" }, wantCause: ReasonSymbolNotWhitelisted},
		{name: "zero size", equity: 10000, trade: func(p *ProposedTrade) { p.Size = 0 }, wantCause: ReasonInvalidSize},
		{name: "signal leverage", equity: 10000, trade: func(p *ProposedTrade) { p.Leverage = 25 }, wantCause: ReasonMaxSignalLeverage},
		{name: "notional", equity: 10000, trade: func(p *ProposedTrade) { p.Size = 2 }, wantCause: ReasonMaxNotional},
		{name: "no equity", equity: 0, wantCause: ReasonNoEquity},
		{name: "account leverage", equity: 1000, exposure: 9000, wantCause: ReasonMaxAccountLeverage},
		{name: "max positions", equity: 10000, open: 5, wantCause: ReasonMaxPositions},
		{name: "pyramid over notional", equity: 10000, trade: func(p *ProposedTrade) { p.SymbolNotional = 46000 }, wantCause: ReasonMaxNotional},
		{name: "adds to held symbol", equity: 10000, open: 5, trade: func(p *ProposedTrade) { p.AddsToPosition = true }},
		{name: "daily loss", equity: 10000, setup: func(g *RiskGuard) {
			g.RecordTrade(domain.TradeRecord{NetPnL: -1000})
		}, wantCause: ReasonDailyLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGuard(nil, tt.equity)
			if tt.setup != nil {
				tt.setup(g)
			}
			trade := okTrade()
			if tt.trade != nil {
				tt.trade(&trade)
			}
			err := g.CheckPreTrade(ctx, trade, tt.exposure, tt.open)
			if tt.wantCause == "" {
				if err != nil {
					t.Fatalf("unexpected rejection: %v", err)
				}
				return
			}
			if !errors.Is(err, domain.ErrRiskRejected) {
				t.Fatalf("err = %v, want ErrRiskRejected", err)
			}
			if got := RejectionReason(err); got != tt.wantCause {
				t.Errorf("reason = %s, want %s", got, tt.wantCause)
			}
		})
	}
}

func TestCheckExposure(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		trade     func(*ProposedTrade)
		exposure  float64
		open      int
		wantCause string
	}{
		{name: "accepted", exposure: 10000, open: 2},
		{name: "symbol checks skipped", trade: func(p *ProposedTrade) { p.Symbol = "DOGEUSDT"; p.Leverage = 50 }},
		{name: "account leverage", exposure: 16000, wantCause: ReasonMaxAccountLeverage},
		{name: "held notional", trade: func(p *ProposedTrade) { p.SymbolNotional = 48000; p.AddsToPosition = true }, wantCause: ReasonMaxNotional},
		{name: "position count", open: 5, wantCause: ReasonMaxPositions},
		{name: "reduce", exposure: 1e9, open: 50, trade: func(p *ProposedTrade) { p.Reduce = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGuard(nil, 2000)
			trade := okTrade()
			if tt.trade != nil {
				tt.trade(&trade)
			}
			err := g.CheckExposure(ctx, trade, tt.exposure, tt.open)
			if tt.wantCause == "" {
				if err != nil {
					t.Fatalf("unexpected rejection: %v", err)
				}
				return
			}
			if got := RejectionReason(err); got != tt.wantCause {
				t.Errorf("reason = %s (%v), want %s", got, err, tt.wantCause)
			}
		})
	}
}

func TestDrawdownTripsSoftHalt(t *testing.T) {
	ctx := context.Background()
	db := newMemDB()
	g, _ := newTestGuard(db, 10000)

	var levels []HaltLevel
	g.OnHaltChange(func(level HaltLevel, _ string) { levels = append(levels, level) })

	g.UpdateEquity(ctx, 7900)
	if lvl, reason := g.Halt(); lvl != HaltSoft || reason == "" {
		t.Fatalf("halt = %s %q, want SOFT_HALT", lvl, reason)
	}
	if len(levels) != 1 || levels[0] != HaltSoft {
		t.Errorf("hooks = %v", levels)
	}
	if kinds := db.eventKinds(); len(kinds) != 1 || kinds[0] != domain.SysHaltState {
		t.Errorf("event log = %v", kinds)
	}

	err := g.CheckPreTrade(ctx, okTrade(), 0, 0)
	if !errors.Is(err, domain.ErrHalted) || RejectionReason(err) != "HALTED" {
		t.Errorf("soft halt should block new exposure, got %v", err)
	}
	reduce := okTrade()
	reduce.Reduce = true
	if err := g.CheckPreTrade(ctx, reduce, 0, 0); err != nil {
		t.Errorf("soft halt should allow reductions: %v", err)
	}

	g.SetHalt(ctx, HaltNone, "", "operator")
	if snap := g.Snapshot(); snap.PeakEquity != 7900 || snap.DrawdownPct != 0 {
		t.Errorf("reopening should reset the peak, got %+v", snap)
	}
	if err := g.CheckPreTrade(ctx, okTrade(), 0, 0); err != nil {
		t.Errorf("trade after reopen: %v", err)
	}
}

func TestHardHaltBlocksReductions(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGuard(nil, 10000)
	g.SetHalt(ctx, HaltHard, "exchange outage", "operator")

	reduce := okTrade()
	reduce.Reduce = true
	if err := g.CheckPreTrade(ctx, reduce, 0, 0); !errors.Is(err, domain.ErrHalted) {
		t.Errorf("pre-trade err = %v", err)
	}
	if err := g.CheckRegime(ctx, "BTCUSDT", true); !errors.Is(err, domain.ErrHalted) {
		t.Errorf("regime err = %v", err)
	}
}

func TestLossStreakCooldown(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(nil, 10000)
	for i := 0; i < 2; i++ {
		g.RecordTrade(domain.TradeRecord{NetPnL: -1})
	}
	g.RecordTrade(domain.TradeRecord{NetPnL: 5})
	if snap := g.Snapshot(); snap.ConsecutiveLosses != 0 {
		t.Fatalf("a win should reset the streak, got %d", snap.ConsecutiveLosses)
	}
	for i := 0; i < 3; i++ {
		g.RecordTrade(domain.TradeRecord{NetPnL: -1})
	}
	if got := RejectionReason(g.CheckPreTrade(ctx, okTrade(), 0, 0)); got != ReasonLossCooldown {
		t.Fatalf("reason = %q, want %s", got, ReasonLossCooldown)
	}
	clock.advance(31 * time.Minute)
	if err := g.CheckPreTrade(ctx, okTrade(), 0, 0); err != nil {
		t.Errorf("cooldown should expire: %v", err)
	}
}

func TestDailyLossRollsOver(t *testing.T) {
	g, clock := newTestGuard(nil, 10000)
	g.RecordTrade(domain.TradeRecord{NetPnL: -400})
	if got := g.Snapshot().DailyPnL; got != -400 {
		t.Fatalf("daily pnl = %v", got)
	}
	clock.advance(24 * time.Hour)
	if got := g.Snapshot().DailyPnL; got != 0 {
		t.Errorf("daily pnl after rollover = %v", got)
	}
}

func TestCheckRegimeStaleness(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGuard(nil, 10000)

	if got := RejectionReason(g.CheckRegime(ctx, "BTCUSDT", false)); got != ReasonMarketDataStale {
		t.Fatalf("unseen symbol reason = %q", got)
	}
	g.RecordTick("BTCUSDT", clock.now())
	g.RecordTick("BTCUSDT", clock.now().Add(-time.Minute))
	if err := g.CheckRegime(ctx, "BTCUSDT", false); err != nil {
		t.Fatalf("fresh tick: %v", err)
	}
	clock.advance(6 * time.Second)
	if !g.IsStale("BTCUSDT") {
		t.Error("older tick must not move freshness backwards")
	}
	if got := RejectionReason(g.CheckRegime(ctx, "BTCUSDT", true)); got != ReasonMarketDataStale {
		t.Errorf("stale reduce reason = %q", got)
	}
}

func TestRestoreHaltState(t *testing.T) {
	ctx := context.Background()
	db := newMemDB()
	first, _ := newTestGuard(db, 10000)
	first.SetHalt(ctx, HaltSoft, "manual", "operator")
	first.SetHalt(ctx, HaltHard, "manual", "operator")

	second, _ := newTestGuard(db, 0)
	if err := second.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if lvl, reason := second.Halt(); lvl != HaltHard || reason != "manual" {
		t.Errorf("restored = %s %q", lvl, reason)
	}

	if err := db.LogEvent(ctx, domain.SysHaltState, map[string]any{"level": "PANIC"}); err != nil {
		t.Fatal(err)
	}
	if err := second.Restore(ctx); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("corrupt level err = %v", err)
	}

	none, _ := newTestGuard(nil, 0)
	if err := none.Restore(ctx); err != nil {
		t.Errorf("no event log: %v", err)
	}
}

func TestParseHaltLevel(t *testing.T) {
	for _, lvl := range []HaltLevel{HaltNone, HaltSoft, HaltHard} {
		got, err := ParseHaltLevel(lvl.String())
		if err != nil || got != lvl {
			t.Errorf("ParseHaltLevel(%s) = %v, %v", lvl, got, err)
		}
	}
	if _, err := ParseHaltLevel("soft_halt"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("lowercase level err = %v", err)
	}
}
