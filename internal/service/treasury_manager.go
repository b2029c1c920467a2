package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
)

const sweepLockKey = "treasury:sweep"

// navDivergence is the share of wallet balance by which Shadow State and
// broker unrealized PnL may differ before it is logged.
const navDivergence = 0.01

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// TreasuryConfig tunes the profit sweep.
type TreasuryConfig struct {
	Coin               string
	TargetAllocation   float64
	SweepThreshold     float64
	ReserveLimit       float64
	MaxRetries         int
	RetryDelay         time.Duration
	PostTradeThreshold float64
	AmountPrecision    int32
	LockTTL            time.Duration
}

// DefaultTreasuryConfig keeps 80% of NAV on futures and sweeps at 1.2x.
func DefaultTreasuryConfig() TreasuryConfig {
	return TreasuryConfig{
		Coin:               "USDT",
		TargetAllocation:   0.8,
		SweepThreshold:     1.2,
		ReserveLimit:       200,
		MaxRetries:         3,
		RetryDelay:         time.Second,
		PostTradeThreshold: 0.10,
		AmountPrecision:    2,
		LockTTL:            2 * time.Minute,
	}
}

// TreasuryStatus is the status view of the treasury.
type TreasuryStatus struct {
	Wallet          *domain.WalletSnapshot `json:"wallet,omitempty"`
	TotalNAV        float64                `json:"total_nav"`
	TargetFutures   float64                `json:"target_futures"`
	ShouldSweep     bool                   `json:"should_sweep"`
	SweepAmount     float64                `json:"sweep_amount"`
	SweepInProgress bool                   `json:"sweep_in_progress"`
	LastSweepAt     *time.Time             `json:"last_sweep_at,omitempty"`
}

// TreasuryManager keeps a target share of NAV on the futures wallet and
// sweeps the excess to spot.
type TreasuryManager struct {
	broker  domain.BrokerGateway
	events  domain.EventLog
	lock    domain.LockManager
	alerter Alerter
	cfg     TreasuryConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu          sync.RWMutex
	wallet      *domain.WalletSnapshot
	lastSweepAt time.Time
	onCompleted []func(domain.SweepResult)
	onFailed    []func(domain.SweepResult)
	onBalances  []func(domain.WalletSnapshot)
	unrealized  func() float64

	sweepInProgress atomic.Bool
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time
}

// NewTreasuryManager creates a manager. events, lock and alerter may be nil.
func NewTreasuryManager(
	broker domain.BrokerGateway,
	events domain.EventLog,
	lock domain.LockManager,
	alerter Alerter,
	cfg TreasuryConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *TreasuryManager {
	return &TreasuryManager{
		broker:  broker,
		events:  events,
		lock:    lock,
		alerter: alerter,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "treasury")),
		sleep:   sleepCtx,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnSweepCompleted registers fn for successful sweeps.
func (t *TreasuryManager) OnSweepCompleted(fn func(domain.SweepResult)) {
	t.mu.Lock()
	t.onCompleted = append(t.onCompleted, fn)
	t.mu.Unlock()
}

// OnSweepFailed registers fn for sweeps that exhausted their retries.
func (t *TreasuryManager) OnSweepFailed(fn func(domain.SweepResult)) {
	t.mu.Lock()
	t.onFailed = append(t.onFailed, fn)
	t.mu.Unlock()
}

// OnBalances registers fn for every successful balance refresh.
func (t *TreasuryManager) OnBalances(fn func(domain.WalletSnapshot)) {
	t.mu.Lock()
	t.onBalances = append(t.onBalances, fn)
	t.mu.Unlock()
}

// UseUnrealizedPnL makes fn, normally Shadow State's marked PnL, the source
// of unrealized PnL in NAV instead of the broker's figure.
func (t *TreasuryManager) UseUnrealizedPnL(fn func() float64) {
	t.mu.Lock()
	t.unrealized = fn
	t.mu.Unlock()
}

// UpdateBalances refreshes the wallet snapshot from the broker. On failure
// the cached snapshot is kept and nil is returned.
func (t *TreasuryManager) UpdateBalances(ctx context.Context) *domain.WalletSnapshot {
	bal, err := t.broker.GetWalletBalances(ctx)
	if err != nil {
		t.logger.WarnContext(ctx, "treasury: balance refresh failed, keeping last snapshot",
			slog.String("error", err.Error()),
		)
		return nil
	}
	snap := domain.WalletSnapshot{
		Futures:       bal.Futures,
		Spot:          bal.Spot,
		UnrealizedPnL: bal.UnrealizedPnL,
		UpdatedAt:     t.now(),
	}
	t.mu.RLock()
	unrealized := t.unrealized
	t.mu.RUnlock()
	if unrealized != nil {
		snap.UnrealizedPnL = unrealized()
		if diff := math.Abs(snap.UnrealizedPnL - bal.UnrealizedPnL); diff > navDivergence*(bal.Futures+bal.Spot) {
			t.logger.WarnContext(ctx, "treasury: unrealized pnl diverges from broker",
				slog.Float64("shadow", snap.UnrealizedPnL),
				slog.Float64("broker", bal.UnrealizedPnL),
			)
		}
	}
	t.mu.Lock()
	t.wallet = &snap
	hooks := append([]func(domain.WalletSnapshot){}, t.onBalances...)
	t.mu.Unlock()

	t.metrics.SetNAV(snap.TotalNAV())
	for _, fn := range hooks {
		fn(snap)
	}
	out := snap
	return &out
}

// Wallet returns the cached snapshot, if any.
func (t *TreasuryManager) Wallet() (domain.WalletSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.wallet == nil {
		return domain.WalletSnapshot{}, false
	}
	return *t.wallet, true
}

// ShouldSweep reports whether futures exceed target * threshold.
func (t *TreasuryManager) ShouldSweep() bool {
	w, ok := t.Wallet()
	if !ok {
		return false
	}
	return w.Futures > w.TotalNAV()*t.cfg.TargetAllocation*t.cfg.SweepThreshold
}

// CalculateSweepAmount returns min(futures-target, futures-reserve), clamped
// at zero and truncated to the transfer precision.
func (t *TreasuryManager) CalculateSweepAmount() float64 {
	w, ok := t.Wallet()
	if !ok {
		return 0
	}
	return sweepAmount(w, t.cfg)
}

func sweepAmount(w domain.WalletSnapshot, cfg TreasuryConfig) float64 {
	futures := decimal.NewFromFloat(w.Futures)
	target := decimal.NewFromFloat(w.TotalNAV()).Mul(decimal.NewFromFloat(cfg.TargetAllocation))
	excess := futures.Sub(target)
	headroom := futures.Sub(decimal.NewFromFloat(cfg.ReserveLimit))
	amount := decimal.Min(excess, headroom)
	if amount.Sign() <= 0 {
		return 0
	}
	// Truncate rather than round so the floor is never crossed.
	f, _ := amount.Truncate(cfg.AmountPrecision).Float64()
	return f
}

// ExecuteSweep moves excess futures balance to spot. Concurrent calls fail
// with ErrSweepInProgress instead of queueing. A zero result with nil error
// means no sweep was needed.
func (t *TreasuryManager) ExecuteSweep(ctx context.Context, reason string) (*domain.SweepResult, error) {
	if !t.sweepInProgress.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("treasury: execute sweep: %w", domain.ErrSweepInProgress)
	}
	defer t.sweepInProgress.Store(false)

	if t.lock != nil {
		unlock, err := t.lock.Acquire(ctx, sweepLockKey, t.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return nil, fmt.Errorf("treasury: execute sweep: %w", domain.ErrSweepInProgress)
			}
			return nil, fmt.Errorf("treasury: acquire sweep lock: %w", err)
		}
		defer unlock()
	}

	before := t.UpdateBalances(ctx)
	if before == nil {
		return nil, fmt.Errorf("treasury: execute sweep: balances unavailable")
	}
	if !t.ShouldSweep() {
		t.logger.DebugContext(ctx, "treasury: no sweep needed", slog.Float64("futures", before.Futures))
		return &domain.SweepResult{Reason: reason, Before: *before, At: t.now()}, nil
	}
	amount := sweepAmount(*before, t.cfg)
	if amount <= 0 {
		return &domain.SweepResult{Reason: reason, Before: *before, At: t.now()}, nil
	}

	res := domain.SweepResult{Reason: reason, Amount: amount, Before: *before}
	transfer, attempts, err := t.executeTransferWithRetry(ctx, amount)
	res.Attempts = attempts
	res.At = t.now()
	if err != nil {
		res.Error = err.Error()
		t.sweepFailed(ctx, res)
		return &res, fmt.Errorf("treasury: sweep of %.2f failed after %d attempts: %w", amount, attempts, err)
	}

	res.TransferID = transfer.TransferID
	t.mu.Lock()
	t.lastSweepAt = res.At
	t.mu.Unlock()
	res.After = t.UpdateBalances(ctx)
	t.sweepCompleted(ctx, res)
	return &res, nil
}

// executeTransferWithRetry retries with delay retryDelay*2^(attempt-1).
func (t *TreasuryManager) executeTransferWithRetry(ctx context.Context, amount float64) (domain.TransferResult, int, error) {
	req := domain.TransferRequest{
		Coin:            t.cfg.Coin,
		Amount:          decimal.NewFromFloat(amount).StringFixed(t.cfg.AmountPrecision),
		FromAccountType: domain.AccountFutures,
		ToAccountType:   domain.AccountSpot,
	}
	maxAttempts := t.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := t.broker.InternalTransfer(ctx, req)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err
		t.logger.WarnContext(ctx, "treasury: transfer attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", err.Error()),
		)
		if attempt == maxAttempts {
			break
		}
		t.metrics.SweepRetried()
		delay := t.cfg.RetryDelay * time.Duration(1<<(attempt-1))
		if err := t.sleep(ctx, delay); err != nil {
			return domain.TransferResult{}, attempt, fmt.Errorf("%w (last transfer error: %v)", err, lastErr)
		}
	}
	return domain.TransferResult{}, maxAttempts, lastErr
}

func (t *TreasuryManager) sweepCompleted(ctx context.Context, res domain.SweepResult) {
	t.metrics.Sweep("completed", res.Amount)
	t.logger.InfoContext(ctx, "treasury: sweep completed",
		slog.String("reason", res.Reason),
		slog.Float64("amount", res.Amount),
		slog.Int("attempts", res.Attempts),
	)
	t.audit(ctx, domain.SysSweepCompleted, res)

	t.mu.RLock()
	hooks := append([]func(domain.SweepResult){}, t.onCompleted...)
	t.mu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
}

func (t *TreasuryManager) sweepFailed(ctx context.Context, res domain.SweepResult) {
	t.metrics.Sweep("failed", 0)
	t.logger.ErrorContext(ctx, "treasury: sweep failed",
		slog.String("reason", res.Reason),
		slog.Float64("amount", res.Amount),
		slog.Int("attempts", res.Attempts),
		slog.String("error", res.Error),
	)
	t.audit(ctx, domain.SysSweepFailed, res)
	if t.alerter != nil {
		msg := fmt.Sprintf("Sweep of %.2f %s failed after %d attempts: %s", res.Amount, t.cfg.Coin, res.Attempts, res.Error)
		if err := t.alerter.Notify(ctx, "sweep_failed", "Treasury sweep failed", msg); err != nil {
			t.logger.WarnContext(ctx, "treasury: alert failed", slog.String("error", err.Error()))
		}
	}

	t.mu.RLock()
	hooks := append([]func(domain.SweepResult){}, t.onFailed...)
	t.mu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
}

func (t *TreasuryManager) audit(ctx context.Context, kind string, res domain.SweepResult) {
	if t.events == nil {
		return
	}
	detail := map[string]any{
		"reason":   res.Reason,
		"amount":   res.Amount,
		"attempts": res.Attempts,
		"futures":  res.Before.Futures,
		"spot":     res.Before.Spot,
	}
	if res.TransferID != "" {
		detail["transfer_id"] = res.TransferID
	}
	if res.Error != "" {
		detail["error"] = res.Error
	}
	// The caller's context may already be cancelled on shutdown.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.events.LogEvent(auditCtx, kind, detail); err != nil {
		t.logger.ErrorContext(ctx, "treasury: audit log failed",
			slog.String("event", kind),
			slog.String("error", err.Error()),
		)
	}
}

// CheckPostTradeSweep runs an immediate sweep when a single trade grew equity
// by more than the post-trade threshold. It reports whether a sweep ran.
func (t *TreasuryManager) CheckPostTradeSweep(ctx context.Context, tradePnL, preTradeEquity float64) bool {
	if preTradeEquity <= 0 || tradePnL <= 0 {
		return false
	}
	if tradePnL/preTradeEquity <= t.cfg.PostTradeThreshold {
		return false
	}
	t.logger.InfoContext(ctx, "treasury: post-trade sweep triggered",
		slog.Float64("trade_pnl", tradePnL),
		slog.Float64("pre_trade_equity", preTradeEquity),
	)
	if _, err := t.ExecuteSweep(ctx, "POST_TRADE_WINDFALL"); err != nil {
		t.logger.WarnContext(ctx, "treasury: post-trade sweep did not complete", slog.String("error", err.Error()))
	}
	return true
}

// Status returns the status view.
func (t *TreasuryManager) Status() TreasuryStatus {
	st := TreasuryStatus{SweepInProgress: t.sweepInProgress.Load()}
	w, ok := t.Wallet()
	if ok {
		st.Wallet = &w
		st.TotalNAV = w.TotalNAV()
		st.TargetFutures = st.TotalNAV * t.cfg.TargetAllocation
		st.ShouldSweep = t.ShouldSweep()
		st.SweepAmount = sweepAmount(w, t.cfg)
	}
	t.mu.RLock()
	if !t.lastSweepAt.IsZero() {
		ls := t.lastSweepAt
		st.LastSweepAt = &ls
	}
	t.mu.RUnlock()
	return st
}
