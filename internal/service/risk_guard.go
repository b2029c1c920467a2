package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
)

// Rejection reason codes produced by the risk overlay.
const (
	ReasonSymbolNotWhitelisted = "SYMBOL_NOT_WHITELISTED"
	ReasonMaxNotional          = "MAX_POSITION_NOTIONAL_EXCEEDED"
	ReasonMaxAccountLeverage   = "MAX_ACCOUNT_LEVERAGE_EXCEEDED"
	ReasonMaxSignalLeverage    = "MAX_SIGNAL_LEVERAGE_EXCEEDED"
	ReasonDailyLoss            = "DAILY_LOSS_LIMIT_EXCEEDED"
	ReasonDrawdown             = "DRAWDOWN_BREAKER"
	ReasonMaxPositions         = "MAX_POSITIONS_REACHED"
	ReasonLossCooldown         = "LOSS_COOLDOWN"
	ReasonInvalidSize          = "INVALID_SIZE"
	ReasonMarketDataStale      = "MARKET_DATA_STALE"
	ReasonNoEquity             = "NO_EQUITY"
)

// RiskRejection is returned when a proposed trade breaks a limit.
type RiskRejection struct {
	Reason string
	Detail string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk: %s: %s", e.Reason, e.Detail)
}

func (e *RiskRejection) Unwrap() error { return domain.ErrRiskRejected }

// RejectionReason extracts the reason code from a risk error.
func RejectionReason(err error) string {
	var rr *RiskRejection
	if errors.As(err, &rr) {
		return rr.Reason
	}
	if errors.Is(err, domain.ErrHalted) {
		return "HALTED"
	}
	return ""
}

// HaltLevel is the global kill-switch state.
type HaltLevel int

const (
	HaltNone HaltLevel = iota
	HaltSoft
	HaltHard
)

func (h HaltLevel) String() string {
	switch h {
	case HaltSoft:
		return "SOFT_HALT"
	case HaltHard:
		return "HARD_HALT"
	default:
		return "OPEN"
	}
}

// ParseHaltLevel parses OPEN, SOFT_HALT or HARD_HALT.
func ParseHaltLevel(s string) (HaltLevel, error) {
	switch s {
	case "OPEN":
		return HaltNone, nil
	case "SOFT_HALT":
		return HaltSoft, nil
	case "HARD_HALT":
		return HaltHard, nil
	}
	return HaltNone, fmt.Errorf("%w: unknown halt level %q", domain.ErrValidation, s)
}

// RiskConfig holds the hard limits of the risk overlay.
type RiskConfig struct {
	SymbolWhitelist      []string
	MaxPositionNotional  float64
	MaxAccountLeverage   float64
	MaxSignalLeverage    float64
	MaxDailyLoss         float64
	MaxDrawdownPct       float64
	MaxOpenPositions     int
	MaxConsecutiveLosses int
	LossCooldown         time.Duration
	MaxStaleness         time.Duration
}

// DefaultRiskConfig returns conservative limits.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		SymbolWhitelist:      []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		MaxPositionNotional:  50000,
		MaxAccountLeverage:   10,
		MaxSignalLeverage:    20,
		MaxDailyLoss:         1000,
		MaxDrawdownPct:       20,
		MaxOpenPositions:     5,
		MaxConsecutiveLosses: 3,
		LossCooldown:         30 * time.Minute,
		MaxStaleness:         5 * time.Second,
	}
}

// ProposedTrade is the exposure a signal would add. SymbolNotional is the
// same-side notional already held or committed on Symbol; AddsToPosition is
// set when Symbol already counts toward the open-position limit.
type ProposedTrade struct {
	Symbol         string
	Size           float64
	Price          float64
	Leverage       float64
	Reduce         bool
	SymbolNotional float64
	AddsToPosition bool
}

// RiskSnapshot is the status view of the risk overlay.
type RiskSnapshot struct {
	Halt              string    `json:"halt"`
	HaltReason        string    `json:"halt_reason,omitempty"`
	Equity            float64   `json:"equity"`
	PeakEquity        float64   `json:"peak_equity"`
	DrawdownPct       float64   `json:"drawdown_pct"`
	DailyPnL          float64   `json:"daily_pnl"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
}

// RiskGuard enforces leverage, drawdown and kill-switch limits. It also
// tracks market-data freshness per symbol.
type RiskGuard struct {
	cfg       RiskConfig
	whitelist map[string]bool

	mu                sync.Mutex
	halt              HaltLevel
	haltReason        string
	equity            float64
	peakEquity        float64
	dailyPnL          float64
	dailyDay          string
	consecutiveLosses int
	cooldownUntil     time.Time
	lastTick          map[string]time.Time
	onHalt            []func(level HaltLevel, reason string)

	events  domain.EventLog
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRiskGuard creates a guard. events may be nil.
func NewRiskGuard(cfg RiskConfig, events domain.EventLog, m *metrics.Metrics, logger *slog.Logger) *RiskGuard {
	wl := make(map[string]bool, len(cfg.SymbolWhitelist))
	for _, s := range cfg.SymbolWhitelist {
		wl[s] = true
	}
	return &RiskGuard{
		cfg:       cfg,
		whitelist: wl,
		lastTick:  make(map[string]time.Time),
		events:    events,
		metrics:   m,
		logger:    logger.With(slog.String("component", "risk_guard")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnHaltChange registers fn to run after each halt transition.
func (g *RiskGuard) OnHaltChange(fn func(level HaltLevel, reason string)) {
	g.mu.Lock()
	g.onHalt = append(g.onHalt, fn)
	g.mu.Unlock()
}

// CheckPreTrade validates a proposed trade against every limit. exposure is
// the open plus committed notional and openPositions the number of symbols
// held or committed.
func (g *RiskGuard) CheckPreTrade(ctx context.Context, t ProposedTrade, exposure float64, openPositions int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()

	if g.halt == HaltHard || (g.halt == HaltSoft && !t.Reduce) {
		return fmt.Errorf("risk_guard: %s (%s): %w", g.halt, g.haltReason, domain.ErrHalted)
	}
	if t.Reduce {
		return nil
	}
	if len(g.whitelist) > 0 && !g.whitelist[t.Symbol] {
		return g.reject(ctx, ReasonSymbolNotWhitelisted, "symbol %s", t.Symbol)
	}
	if !validPrice(t.Size) || !validPrice(t.Price) {
		return g.reject(ctx, ReasonInvalidSize, "size %v price %v", t.Size, t.Price)
	}
	if g.cfg.MaxSignalLeverage > 0 && t.Leverage > g.cfg.MaxSignalLeverage {
		return g.reject(ctx, ReasonMaxSignalLeverage, "leverage %.1f > %.1f", t.Leverage, g.cfg.MaxSignalLeverage)
	}
	if err := g.checkExposureLocked(ctx, t, exposure, openPositions); err != nil {
		return err
	}
	if g.cfg.MaxDailyLoss > 0 && g.dailyPnL <= -g.cfg.MaxDailyLoss {
		return g.reject(ctx, ReasonDailyLoss, "daily pnl %.2f", g.dailyPnL)
	}
	if dd := g.drawdownLocked(); g.cfg.MaxDrawdownPct > 0 && dd >= g.cfg.MaxDrawdownPct {
		return g.reject(ctx, ReasonDrawdown, "drawdown %.2f%%", dd)
	}
	if g.now().Before(g.cooldownUntil) {
		return g.reject(ctx, ReasonLossCooldown, "until %s", g.cooldownUntil.Format(time.RFC3339))
	}
	return nil
}

// CheckExposure re-runs the notional, account leverage and position count
// limits. The router calls it at CONFIRM with live exposure, including
// orders still in flight.
func (g *RiskGuard) CheckExposure(ctx context.Context, t ProposedTrade, exposure float64, openPositions int) error {
	if t.Reduce {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkExposureLocked(ctx, t, exposure, openPositions)
}

func (g *RiskGuard) checkExposureLocked(ctx context.Context, t ProposedTrade, exposure float64, openPositions int) error {
	notional := t.Size * t.Price
	if total := t.SymbolNotional + notional; g.cfg.MaxPositionNotional > 0 && total > g.cfg.MaxPositionNotional {
		return g.reject(ctx, ReasonMaxNotional, "notional %.2f > %.2f", total, g.cfg.MaxPositionNotional)
	}
	if g.equity <= 0 {
		return g.reject(ctx, ReasonNoEquity, "equity %.2f", g.equity)
	}
	if lev := (exposure + notional) / g.equity; g.cfg.MaxAccountLeverage > 0 && lev > g.cfg.MaxAccountLeverage {
		return g.reject(ctx, ReasonMaxAccountLeverage, "account leverage %.2f > %.2f", lev, g.cfg.MaxAccountLeverage)
	}
	if g.cfg.MaxOpenPositions > 0 && !t.AddsToPosition && openPositions >= g.cfg.MaxOpenPositions {
		return g.reject(ctx, ReasonMaxPositions, "%d open", openPositions)
	}
	return nil
}

func (g *RiskGuard) reject(ctx context.Context, reason, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	g.logger.WarnContext(ctx, "risk_guard: trade rejected",
		slog.String("reason", reason),
		slog.String("detail", detail),
	)
	return &RiskRejection{Reason: reason, Detail: detail}
}

// CheckRegime re-validates conditions at CONFIRM time: halt state, drawdown
// and market-data freshness for symbol.
func (g *RiskGuard) CheckRegime(ctx context.Context, symbol string, reduce bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.halt == HaltHard || (g.halt == HaltSoft && !reduce) {
		return fmt.Errorf("risk_guard: %s (%s): %w", g.halt, g.haltReason, domain.ErrHalted)
	}
	if !reduce {
		if dd := g.drawdownLocked(); g.cfg.MaxDrawdownPct > 0 && dd >= g.cfg.MaxDrawdownPct {
			return g.reject(ctx, ReasonDrawdown, "drawdown %.2f%%", dd)
		}
	}
	if g.staleLocked(symbol) {
		return g.reject(ctx, ReasonMarketDataStale, "no fresh data for %s within %s", symbol, g.cfg.MaxStaleness)
	}
	return nil
}

// RecordTick marks market data for symbol as fresh at ts.
func (g *RiskGuard) RecordTick(symbol string, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ts.After(g.lastTick[symbol]) {
		g.lastTick[symbol] = ts
	}
}

// IsStale reports whether symbol has no data newer than MaxStaleness.
// Symbols never seen are stale.
func (g *RiskGuard) IsStale(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.staleLocked(symbol)
}

func (g *RiskGuard) staleLocked(symbol string) bool {
	if g.cfg.MaxStaleness <= 0 {
		return false
	}
	ts, ok := g.lastTick[symbol]
	if !ok {
		return true
	}
	return g.now().Sub(ts) > g.cfg.MaxStaleness
}

// UpdateEquity records equity, tracks the peak and trips a soft halt when
// drawdown reaches the limit.
func (g *RiskGuard) UpdateEquity(ctx context.Context, equity float64) {
	g.mu.Lock()
	g.equity = equity
	if equity > g.peakEquity {
		g.peakEquity = equity
	}
	dd := g.drawdownLocked()
	trip := g.cfg.MaxDrawdownPct > 0 && dd >= g.cfg.MaxDrawdownPct && g.halt == HaltNone
	g.mu.Unlock()

	if trip {
		g.SetHalt(ctx, HaltSoft, fmt.Sprintf("%s %.2f%%", ReasonDrawdown, dd), "system")
	}
}

func (g *RiskGuard) drawdownLocked() float64 {
	if g.peakEquity <= 0 {
		return 0
	}
	dd := (g.peakEquity - g.equity) / g.peakEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// RecordTrade folds a closed trade into the daily loss and loss-streak
// counters.
func (g *RiskGuard) RecordTrade(t domain.TradeRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()
	g.dailyPnL += t.NetPnL
	if t.NetPnL < 0 {
		g.consecutiveLosses++
		if g.cfg.MaxConsecutiveLosses > 0 && g.consecutiveLosses >= g.cfg.MaxConsecutiveLosses {
			g.cooldownUntil = g.now().Add(g.cfg.LossCooldown)
			g.consecutiveLosses = 0
			g.logger.Warn("risk_guard: loss streak cooldown",
				slog.Time("until", g.cooldownUntil),
			)
		}
		return
	}
	g.consecutiveLosses = 0
}

func (g *RiskGuard) rollDayLocked() {
	day := g.now().Format("2006-01-02")
	if day != g.dailyDay {
		g.dailyDay = day
		g.dailyPnL = 0
	}
}

// SetHalt changes the kill-switch level and records it in the event log.
func (g *RiskGuard) SetHalt(ctx context.Context, level HaltLevel, reason, actor string) {
	g.mu.Lock()
	if g.halt == level && g.haltReason == reason {
		g.mu.Unlock()
		return
	}
	g.halt = level
	g.haltReason = reason
	if level == HaltNone {
		g.cooldownUntil = time.Time{}
		g.peakEquity = g.equity
	}
	hooks := append([]func(HaltLevel, string){}, g.onHalt...)
	g.mu.Unlock()

	g.metrics.SetHaltState(int(level))
	g.logger.WarnContext(ctx, "risk_guard: halt state changed",
		slog.String("level", level.String()),
		slog.String("reason", reason),
		slog.String("actor", actor),
	)
	if g.events != nil {
		if err := g.events.LogEvent(ctx, domain.SysHaltState, map[string]any{
			"level":  level.String(),
			"reason": reason,
			"actor":  actor,
		}); err != nil {
			g.logger.ErrorContext(ctx, "risk_guard: persist halt state failed", slog.String("error", err.Error()))
		}
	}
	for _, fn := range hooks {
		fn(level, reason)
	}
}

// Halt returns the current kill-switch level and reason.
func (g *RiskGuard) Halt() (HaltLevel, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halt, g.haltReason
}

// Restore reloads the last recorded halt state so a restart does not
// silently re-open trading.
func (g *RiskGuard) Restore(ctx context.Context) error {
	if g.events == nil {
		return nil
	}
	evs, err := g.events.ListEvents(ctx, domain.SysHaltState, domain.ListOpts{Limit: 1})
	if err != nil {
		return fmt.Errorf("risk_guard: restore: %w", err)
	}
	if len(evs) == 0 {
		return nil
	}
	raw, _ := evs[0].Detail["level"].(string)
	level, err := ParseHaltLevel(raw)
	if err != nil {
		return fmt.Errorf("risk_guard: restore: %w", err)
	}
	reason, _ := evs[0].Detail["reason"].(string)

	g.mu.Lock()
	g.halt = level
	g.haltReason = reason
	g.mu.Unlock()
	g.metrics.SetHaltState(int(level))
	if level != HaltNone {
		g.logger.WarnContext(ctx, "risk_guard: restored halt state",
			slog.String("level", level.String()),
			slog.String("reason", reason),
		)
	}
	return nil
}

// Snapshot returns the status view.
func (g *RiskGuard) Snapshot() RiskSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()
	return RiskSnapshot{
		Halt:              g.halt.String(),
		HaltReason:        g.haltReason,
		Equity:            g.equity,
		PeakEquity:        g.peakEquity,
		DrawdownPct:       g.drawdownLocked(),
		DailyPnL:          g.dailyPnL,
		ConsecutiveLosses: g.consecutiveLosses,
		CooldownUntil:     g.cooldownUntil,
	}
}
