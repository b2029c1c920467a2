package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/titanhub/internal/crypto"
	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
	"github.com/alanyoungcy/titanhub/internal/service"
)

// Outcome is the router's verdict on a signal.
type Outcome string

const (
	OutcomePrepared  Outcome = "PREPARED"
	OutcomeExecuted  Outcome = "EXECUTED"
	OutcomeNotFilled Outcome = "NOT_FILLED"
	OutcomeAborted   Outcome = "ABORTED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeExpired   Outcome = "EXPIRED"
	OutcomeDuplicate Outcome = "DUPLICATE"
	OutcomeZombie    Outcome = "ZOMBIE"
	OutcomeIgnored   Outcome = "IGNORED"
)

// Router rejection reasons that do not come from the risk overlay.
const (
	ReasonPhaseMismatch   = "PHASE_MISMATCH"
	ReasonStaleSignal     = "STALE_SIGNAL"
	ReasonMarketData      = "MARKET_DATA_UNAVAILABLE"
	ReasonBrokerError     = "BROKER_ERROR"
	ReasonAborted         = "SIGNAL_ABORTED"
	ReasonFlattened       = "EMERGENCY_FLATTEN"
	ReasonPreparedExpired = "PREPARED_TTL_EXPIRED"
)

// Result describes what the router did with a signal.
type Result struct {
	SignalID string               `json:"signal_id"`
	Type     domain.SignalType    `json:"signal_type"`
	Outcome  Outcome              `json:"outcome"`
	Reason   string               `json:"reason,omitempty"`
	Size     float64              `json:"size,omitempty"`
	Intent   *domain.Intent       `json:"intent,omitempty"`
	Fill     *domain.FillResult   `json:"fill,omitempty"`
	Position *domain.Position     `json:"position,omitempty"`
	Trades   []domain.TradeRecord `json:"trades,omitempty"`
}

// PostTradeHook runs after trades are recorded.
type PostTradeHook interface {
	CheckPostTradeSweep(ctx context.Context, tradePnL, preTradeEquity float64) bool
}

// Config tunes the router.
type Config struct {
	PreparedTTL     time.Duration
	MaxIntentAge    time.Duration
	MaxSignalAge    time.Duration
	BookDepth       int
	OrderTimeout    time.Duration
	IdempotencyTTL  time.Duration
	CleanupInterval time.Duration
	Drift           DriftDetector
}

// DefaultConfig returns the stock router settings.
func DefaultConfig() Config {
	return Config{
		PreparedTTL:     10 * time.Minute,
		MaxIntentAge:    5 * time.Minute,
		MaxSignalAge:    30 * time.Second,
		BookDepth:       20,
		OrderTimeout:    10 * time.Second,
		IdempotencyTTL:  24 * time.Hour,
		CleanupInterval: 30 * time.Second,
		Drift:           DriftDetector{SpreadThresholdBps: 20, LatencyBudget: 2 * time.Second},
	}
}

// Deps are the router's collaborators. Events, Idempotency, Books and
// PostTrade are optional.
type Deps struct {
	Verifier    *crypto.SignalVerifier
	Shadow      *service.ShadowState
	Phases      *service.PhaseManager
	Risk        *service.RiskGuard
	Broker      domain.BrokerGateway
	Status      *service.StatusPublisher
	Events      domain.EventLog
	Idempotency domain.IdempotencyStore
	Books       domain.BookCache
	PostTrade   PostTradeHook
	Metrics     *metrics.Metrics
}

// Router authenticates intent signals and drives them through the
// PREPARE / CONFIRM / ABORT protocol against Shadow State and the broker.
type Router struct {
	Deps
	cfg      Config
	prepared *PreparedCache
	symbols  *keyedMutex
	logger   *slog.Logger
	now      func() time.Time

	exposureMu sync.Mutex
	inflight   map[string]exposureEntry

	hooks sync.WaitGroup
}

// NewRouter creates a router.
func NewRouter(deps Deps, cfg Config, logger *slog.Logger) *Router {
	return &Router{
		Deps:     deps,
		cfg:      cfg,
		prepared: NewPreparedCache(cfg.PreparedTTL),
		symbols:  newKeyedMutex(),
		inflight: make(map[string]exposureEntry),
		logger:   logger.With(slog.String("component", "router")),
		now:      time.Now,
	}
}

// Prepared returns the number of intents awaiting CONFIRM.
func (r *Router) Prepared() int {
	return r.prepared.Len()
}

// Handle authenticates a raw signed payload and routes it. An invalid
// signature is rejected before anything else is looked at.
func (r *Router) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := r.Verifier.Verify(payload, signature); err != nil {
		r.Metrics.Signal("unknown", "bad_signature")
		r.logger.WarnContext(ctx, "router: signal signature rejected", slog.String("error", err.Error()))
		return Result{Outcome: OutcomeRejected, Reason: "INVALID_SIGNATURE"}, err
	}
	var sig domain.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return Result{Outcome: OutcomeRejected, Reason: "MALFORMED"}, fmt.Errorf("router: decode signal: %w: %v", domain.ErrValidation, err)
	}
	return r.HandleSignal(ctx, sig)
}

// HandleSignal routes an already authenticated signal.
func (r *Router) HandleSignal(ctx context.Context, sig domain.Signal) (Result, error) {
	if err := sig.Validate(); err != nil {
		r.Metrics.Signal(string(sig.SignalType), "invalid")
		return Result{SignalID: sig.SignalID, Type: sig.SignalType, Outcome: OutcomeRejected, Reason: "INVALID"}, fmt.Errorf("router: %w", err)
	}

	var (
		res Result
		err error
	)
	switch sig.SignalType {
	case domain.SignalPrepare:
		res, err = r.prepare(ctx, sig)
	case domain.SignalConfirm:
		res, err = r.confirm(ctx, sig)
	case domain.SignalAbort:
		res, err = r.abort(ctx, sig)
	case domain.SignalClose:
		res, err = r.close(ctx, sig)
	}
	res.SignalID, res.Type = sig.SignalID, sig.SignalType
	r.Metrics.Signal(string(sig.SignalType), string(res.Outcome))
	return res, err
}

// duplicate reports whether id already reached a terminal state here or on
// another instance.
func (r *Router) duplicate(ctx context.Context, id string) bool {
	if _, ok := r.Shadow.TerminalStatus(id); ok {
		return true
	}
	if r.Idempotency == nil {
		return false
	}
	seen, err := r.Idempotency.Seen(ctx, id)
	if err != nil {
		r.logger.WarnContext(ctx, "router: idempotency lookup failed", slog.String("signal_id", id), slog.String("error", err.Error()))
		return false
	}
	return seen
}

func (r *Router) prepare(ctx context.Context, sig domain.Signal) (Result, error) {
	log := r.logger.With(
		slog.String("signal_id", sig.SignalID),
		slog.String("source", string(sig.Source)),
		slog.String("symbol", sig.Symbol),
	)
	unlock := r.symbols.lock(sig.Symbol)
	defer unlock()

	if r.duplicate(ctx, sig.SignalID) {
		log.DebugContext(ctx, "router: duplicate prepare ignored")
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	if p, ok := r.prepared.Get(sig.SignalID); ok {
		intent := p.Intent.Clone()
		return Result{Outcome: OutcomeDuplicate, Intent: &intent, Size: p.Size}, nil
	}

	if r.cfg.MaxSignalAge > 0 && sig.Timestamp > 0 {
		if age := r.now().Sub(sig.Time()); age > r.cfg.MaxSignalAge {
			return r.rejectUnprepared(ctx, sig, ReasonStaleSignal, fmt.Errorf("router: signal age %s: %w", age.Round(time.Millisecond), domain.ErrStaleIntent))
		}
	}

	if err := r.Phases.CheckSource(sig.Source); err != nil {
		return r.rejectUnprepared(ctx, sig, ReasonPhaseMismatch, err)
	}
	phase := r.Phases.CurrentPhase()

	book, err := r.Broker.GetOrderBook(ctx, sig.Symbol, r.cfg.BookDepth)
	if err != nil {
		return r.rejectUnprepared(ctx, sig, ReasonMarketData, fmt.Errorf("router: fetch order book: %w", err))
	}
	if r.Books != nil {
		if err := r.Books.SetBook(ctx, book); err != nil {
			log.WarnContext(ctx, "router: cache order book failed", slog.String("error", err.Error()))
		}
	}
	entry := book.Mid()
	if entry <= 0 {
		entry = sig.EntryZone.Mid()
	}
	size := PositionSize(r.Phases.Equity(), phase, sig, entry)

	proposed := service.ProposedTrade{Symbol: sig.Symbol, Size: size, Price: entry, Leverage: sig.Leverage}
	if err := r.checkPrepare(ctx, sig, proposed); err != nil {
		return r.rejectUnprepared(ctx, sig, service.RejectionReason(err), err)
	}

	payload := sig.Payload()
	payload.Size = size
	if _, err := r.Shadow.ProcessIntent(payload); err != nil {
		if errors.Is(err, domain.ErrDuplicateSignal) {
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		return Result{Outcome: OutcomeRejected, Reason: "INVALID"}, fmt.Errorf("router: process intent: %w", err)
	}
	intent, err := r.Shadow.ValidateIntent(sig.SignalID)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Reason: "INVALID"}, fmt.Errorf("router: validate intent: %w", err)
	}

	r.prepared.Put(Prepared{
		Intent:        intent,
		Signal:        sig,
		Book:          book,
		Size:          size,
		ExpectedPrice: entry,
		PreparedAt:    r.now(),
	})
	log.InfoContext(ctx, "router: intent prepared",
		slog.Int("phase", phase.Number),
		slog.Float64("size", size),
		slog.Float64("expected_price", entry),
	)
	return Result{Outcome: OutcomePrepared, Intent: &intent, Size: size}, nil
}

// rejectUnprepared rejects a PREPARE before Shadow State sees it.
func (r *Router) rejectUnprepared(ctx context.Context, sig domain.Signal, reason string, cause error) (Result, error) {
	r.logger.WarnContext(ctx, "router: signal rejected",
		slog.String("signal_id", sig.SignalID),
		slog.String("symbol", sig.Symbol),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	r.Metrics.IntentRejected(reason)
	r.logEvent(ctx, domain.SysSignalRejected, map[string]any{
		"signal_id": sig.SignalID,
		"source":    string(sig.Source),
		"symbol":    sig.Symbol,
		"reason":    reason,
	})
	r.Status.OrderRejected(ctx, sig.SignalID, sig.Symbol, reason)
	return Result{Outcome: OutcomeRejected, Reason: reason}, cause
}

func (r *Router) confirm(ctx context.Context, sig domain.Signal) (Result, error) {
	peek, ok := r.prepared.Get(sig.SignalID)
	if !ok {
		if r.duplicate(ctx, sig.SignalID) {
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		return Result{Outcome: OutcomeRejected, Reason: "NOT_PREPARED"}, fmt.Errorf("router: confirm %s: %w", sig.SignalID, domain.ErrNotPrepared)
	}
	symbol := peek.Intent.Symbol
	unlock := r.symbols.lock(symbol)
	defer unlock()

	p, ok := r.prepared.Take(sig.SignalID)
	if !ok {
		// Raced with another CONFIRM or ABORT for the same id.
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	log := r.logger.With(slog.String("signal_id", sig.SignalID), slog.String("symbol", symbol))

	if age := r.now().Sub(p.PreparedAt); r.cfg.MaxIntentAge > 0 && age > r.cfg.MaxIntentAge {
		r.expire(ctx, p)
		return Result{Outcome: OutcomeExpired, Reason: "EXPIRED"}, fmt.Errorf("router: intent age %s: %w", age.Round(time.Millisecond), domain.ErrStaleIntent)
	}
	if err := r.Risk.CheckRegime(ctx, symbol, false); err != nil {
		reason := service.RejectionReason(err)
		r.reject(ctx, p, reason)
		return Result{Outcome: OutcomeRejected, Reason: reason}, err
	}
	if r.Idempotency != nil {
		claimed, err := r.Idempotency.Claim(ctx, sig.SignalID, r.cfg.IdempotencyTTL)
		if err != nil {
			log.WarnContext(ctx, "router: idempotency claim failed, continuing", slog.String("error", err.Error()))
		} else if !claimed {
			log.WarnContext(ctx, "router: signal already executed elsewhere")
			r.reject(ctx, p, "DUPLICATE")
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	release, err := r.reserve(ctx, p)
	if err != nil {
		reason := service.RejectionReason(err)
		r.Metrics.IntentRejected(reason)
		r.reject(ctx, p, reason)
		return Result{Outcome: OutcomeRejected, Reason: reason}, err
	}
	defer release()

	req := domain.OrderRequest{
		ClientOrderID: sig.SignalID,
		Symbol:        symbol,
		Side:          p.Intent.Side(),
		Type:          domain.OrderTypeMarket,
		Size:          p.Size,
		StopLoss:      p.Intent.StopLoss,
		Leverage:      p.Intent.Leverage,
	}
	if len(p.Intent.TakeProfits) > 0 {
		req.TakeProfit = p.Intent.TakeProfits[0]
	}
	res, err := r.execute(ctx, p.Intent, req, p.ExpectedPrice)
	if err == nil && res.Outcome == OutcomeExecuted {
		r.checkDrift(ctx, p.Signal, req.Side, *res.Fill)
	}
	return res, err
}

// checkDrift records how far a confirmed fill strayed from its signal.
func (r *Router) checkDrift(ctx context.Context, sig domain.Signal, side domain.Side, fill domain.FillResult) {
	for _, d := range r.cfg.Drift.Analyze(sig, side, fill, r.now()) {
		r.Metrics.Drift(d.Class)
		r.logger.WarnContext(ctx, "router: execution drift",
			slog.String("signal_id", d.SignalID),
			slog.String("symbol", d.Symbol),
			slog.String("class", d.Class),
			slog.Float64("expected", d.Expected),
			slog.Float64("actual", d.Actual),
			slog.Float64("deviation_bps", d.DeviationBps),
		)
		r.logEvent(ctx, domain.SysDriftDetected, map[string]any{
			"signal_id":     d.SignalID,
			"symbol":        d.Symbol,
			"class":         d.Class,
			"expected":      d.Expected,
			"actual":        d.Actual,
			"deviation_bps": d.DeviationBps,
		})
	}
}

// execute submits req and applies the fill to Shadow State. The caller holds
// the symbol lock.
func (r *Router) execute(ctx context.Context, intent domain.Intent, req domain.OrderRequest, expected float64) (Result, error) {
	preEquity := r.Phases.Equity()

	orderCtx := ctx
	if r.cfg.OrderTimeout > 0 {
		var cancel context.CancelFunc
		orderCtx, cancel = context.WithTimeout(ctx, r.cfg.OrderTimeout)
		defer cancel()
	}
	start := r.now()
	fill, err := r.Broker.PlaceOrder(orderCtx, req)
	r.Metrics.ObserveOrder(r.now().Sub(start))
	if err != nil {
		r.reject(ctx, Prepared{Intent: intent}, ReasonBrokerError)
		return Result{Outcome: OutcomeRejected, Reason: ReasonBrokerError}, fmt.Errorf("router: place order: %w", err)
	}
	if fill.RequestedSize == 0 {
		fill.RequestedSize = req.Size
	}
	if fill.ExpectedPrice == 0 {
		fill.ExpectedPrice = expected
	}

	exec, err := r.Shadow.ConfirmExecution(intent.SignalID, fill)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Reason: "INVALID_FILL", Fill: &fill}, fmt.Errorf("router: confirm execution: %w", err)
	}
	if exec == nil {
		r.Status.OrderCanceled(ctx, intent.SignalID, intent.Symbol, "NOT_FILLED")
		return Result{Outcome: OutcomeNotFilled, Fill: &fill}, nil
	}

	r.Status.OrderFilled(ctx, intent.SignalID, intent.Symbol, req.Side, fill)
	for _, t := range exec.Trades {
		r.Risk.RecordTrade(t)
		r.afterTrade(ctx, t, preEquity)
	}
	r.Metrics.SetPositions(len(r.Shadow.Positions()), r.Shadow.TotalExposure())
	confirmed := exec.Intent
	return Result{
		Outcome:  OutcomeExecuted,
		Intent:   &confirmed,
		Fill:     &fill,
		Position: exec.Position,
		Trades:   exec.Trades,
		Size:     fill.FillSize,
	}, nil
}

// afterTrade runs the post-trade sweep check off the signal path. Wait
// blocks until these checks finish.
func (r *Router) afterTrade(ctx context.Context, t domain.TradeRecord, preEquity float64) {
	if r.PostTrade == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	r.hooks.Add(1)
	go func() {
		defer r.hooks.Done()
		r.PostTrade.CheckPostTradeSweep(bg, t.NetPnL, preEquity)
	}()
}

// Wait blocks until in-flight post-trade checks finish or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.hooks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("router: wait for post-trade checks: %w", ctx.Err())
	}
}

func (r *Router) abort(ctx context.Context, sig domain.Signal) (Result, error) {
	p, ok := r.prepared.Take(sig.SignalID)
	if !ok {
		if r.duplicate(ctx, sig.SignalID) {
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		r.logger.DebugContext(ctx, "router: abort for unknown signal", slog.String("signal_id", sig.SignalID))
		return Result{Outcome: OutcomeIgnored}, nil
	}
	if _, err := r.Shadow.RejectIntent(sig.SignalID, ReasonAborted); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Result{Outcome: OutcomeAborted}, fmt.Errorf("router: abort: %w", err)
	}
	r.logger.InfoContext(ctx, "router: signal aborted",
		slog.String("signal_id", sig.SignalID),
		slog.String("symbol", p.Intent.Symbol),
	)
	r.logEvent(ctx, domain.SysSignalAborted, map[string]any{
		"signal_id": sig.SignalID,
		"symbol":    p.Intent.Symbol,
		"source":    string(p.Signal.Source),
		"age_ms":    r.now().Sub(p.PreparedAt).Milliseconds(),
	})
	r.Status.OrderCanceled(ctx, sig.SignalID, p.Intent.Symbol, ReasonAborted)
	return Result{Outcome: OutcomeAborted}, nil
}

func (r *Router) close(ctx context.Context, sig domain.Signal) (Result, error) {
	unlock := r.symbols.lock(sig.Symbol)
	defer unlock()

	if r.duplicate(ctx, sig.SignalID) {
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	if r.Shadow.IsZombieSignal(sig.Symbol, sig.SignalID) {
		r.logEvent(ctx, domain.SysZombieSignal, map[string]any{
			"signal_id": sig.SignalID,
			"symbol":    sig.Symbol,
			"source":    string(sig.Source),
		})
		return Result{Outcome: OutcomeZombie}, nil
	}
	pos, ok := r.Shadow.GetPosition(sig.Symbol)
	if !ok || pos.Side != sideOf(sig) {
		r.logger.WarnContext(ctx, "router: close targets the other side, dropping",
			slog.String("signal_id", sig.SignalID),
			slog.String("symbol", sig.Symbol),
			slog.String("direction", sig.Direction),
		)
		return Result{Outcome: OutcomeZombie}, nil
	}

	if err := r.Risk.CheckPreTrade(ctx, service.ProposedTrade{Symbol: sig.Symbol, Reduce: true}, 0, 0); err != nil {
		return r.rejectUnprepared(ctx, sig, service.RejectionReason(err), err)
	}

	payload := sig.Payload()
	payload.Size = pos.Size
	if _, err := r.Shadow.ProcessIntent(payload); err != nil {
		if errors.Is(err, domain.ErrDuplicateSignal) {
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		return Result{Outcome: OutcomeRejected, Reason: "INVALID"}, fmt.Errorf("router: process close: %w", err)
	}
	intent, err := r.Shadow.ValidateIntent(sig.SignalID)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Reason: "INVALID"}, fmt.Errorf("router: validate close: %w", err)
	}

	req := domain.OrderRequest{
		ClientOrderID: sig.SignalID,
		Symbol:        sig.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          domain.OrderTypeMarket,
		Size:          pos.Size,
		ReduceOnly:    true,
	}
	return r.execute(ctx, intent, req, pos.MarkPrice)
}

// reject moves a prepared intent to REJECTED and publishes it.
func (r *Router) reject(ctx context.Context, p Prepared, reason string) {
	if _, err := r.Shadow.RejectIntent(p.Intent.SignalID, reason); err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.WarnContext(ctx, "router: reject intent failed", slog.String("signal_id", p.Intent.SignalID), slog.String("error", err.Error()))
	}
	r.Status.OrderRejected(ctx, p.Intent.SignalID, p.Intent.Symbol, reason)
}

func (r *Router) expire(ctx context.Context, p Prepared) {
	if _, err := r.Shadow.ExpireIntent(p.Intent.SignalID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.WarnContext(ctx, "router: expire intent failed", slog.String("signal_id", p.Intent.SignalID), slog.String("error", err.Error()))
	}
	r.Status.OrderRejected(ctx, p.Intent.SignalID, p.Intent.Symbol, "EXPIRED")
}

func (r *Router) logEvent(ctx context.Context, kind string, detail map[string]any) {
	if r.Events == nil {
		return
	}
	if err := r.Events.LogEvent(ctx, kind, detail); err != nil {
		r.logger.ErrorContext(ctx, "router: event log failed",
			slog.String("event", kind),
			slog.String("error", err.Error()),
		)
	}
}

// Run evicts prepared intents that outlived the cache TTL until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	interval := r.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.InfoContext(ctx, "router: started")
	defer r.logger.Info("router: stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, p := range r.prepared.Cleanup() {
				r.logger.WarnContext(ctx, "router: prepared intent evicted",
					slog.String("signal_id", p.Intent.SignalID),
					slog.String("reason", ReasonPreparedExpired),
				)
				r.expire(ctx, p)
			}
		}
	}
}

// PositionSize sizes a new position: the phase's risk budget divided by the
// stop distance, capped at equity times the allowed leverage.
func PositionSize(equity float64, phase service.Phase, sig domain.Signal, entry float64) float64 {
	if equity <= 0 || entry <= 0 {
		return 0
	}
	lev := sig.Leverage
	if lev <= 0 {
		lev = 1
	}
	if phase.MaxLeverage > 0 && lev > phase.MaxLeverage {
		lev = phase.MaxLeverage
	}
	maxSize := equity * lev / entry

	size := maxSize
	if sig.StopLoss > 0 {
		if dist := math.Abs(entry - sig.StopLoss); dist > 0 {
			size = equity * phase.RiskPct / 100 / dist
		}
	}
	if size > maxSize {
		size = maxSize
	}
	return size
}

// EmergencyFlatten hard-halts trading, closes every open position with
// reduce-only market orders and drops all prepared intents. Positions whose
// order fails stay open in Shadow State and are reported in the log.
func (r *Router) EmergencyFlatten(ctx context.Context, reason, actor string) ([]domain.TradeRecord, error) {
	r.Risk.SetHalt(ctx, service.HaltHard, reason, actor)

	for _, p := range r.prepared.Drain() {
		r.reject(ctx, p, ReasonFlattened)
	}

	fills := make(map[string]float64)
	var failed []string
	for _, pos := range r.Shadow.Positions() {
		unlock := r.symbols.lock(pos.Symbol)
		fill, err := r.Broker.PlaceOrder(ctx, domain.OrderRequest{
			ClientOrderID: fmt.Sprintf("flatten_%s_%d", pos.Symbol, r.now().UnixMilli()),
			Symbol:        pos.Symbol,
			Side:          pos.Side.Opposite(),
			Type:          domain.OrderTypeMarket,
			Size:          pos.Size,
			ReduceOnly:    true,
		})
		unlock()
		if err != nil || !fill.Filled {
			failed = append(failed, pos.Symbol)
			msg := "not filled"
			if err != nil {
				msg = err.Error()
			}
			r.logger.ErrorContext(ctx, "router: flatten order failed",
				slog.String("symbol", pos.Symbol),
				slog.String("error", msg),
			)
			continue
		}
		fills[pos.Symbol] = fill.FillPrice
	}

	trades, err := r.Shadow.CloseAllPositions(func(symbol string) float64 {
		return fills[symbol]
	}, domain.CloseReasonEmergency)
	for _, t := range trades {
		r.Risk.RecordTrade(t)
	}
	r.Metrics.SetPositions(len(r.Shadow.Positions()), r.Shadow.TotalExposure())

	r.logger.WarnContext(ctx, "router: emergency flatten",
		slog.String("reason", reason),
		slog.String("actor", actor),
		slog.Int("closed", len(trades)),
		slog.Int("failed", len(failed)),
	)
	r.logEvent(ctx, domain.SysEmergencyFlatten, map[string]any{
		"reason": reason,
		"actor":  actor,
		"closed": len(trades),
		"failed": failed,
	})
	r.Status.EmergencyFlatten(ctx, reason, trades)
	if err != nil {
		return trades, fmt.Errorf("router: flatten: %w", err)
	}
	return trades, nil
}
