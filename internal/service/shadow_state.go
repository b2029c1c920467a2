package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
)

const (
	defaultMaxTradeHistory = 1000
	defaultTerminalMemory  = 10000
	defaultPersistTimeout  = 10 * time.Second
	pnlPrecision           = 8
)

// ShadowStateConfig tunes Shadow State bookkeeping.
type ShadowStateConfig struct {
	MaxTradeHistory int
	TerminalMemory  int
	PersistTimeout  time.Duration
}

func (c ShadowStateConfig) withDefaults() ShadowStateConfig {
	if c.MaxTradeHistory <= 0 {
		c.MaxTradeHistory = defaultMaxTradeHistory
	}
	if c.TerminalMemory <= 0 {
		c.TerminalMemory = defaultTerminalMemory
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
	return c
}

// Execution is the outcome of a confirmed fill. Position is the open position
// left on the symbol afterwards, nil when the fill flattened it.
type Execution struct {
	Intent   domain.Intent
	Position *domain.Position
	Trades   []domain.TradeRecord
}

// StateSnapshot is the status view of Shadow State.
type StateSnapshot struct {
	Positions           []domain.Position `json:"positions"`
	PendingIntentsCount int               `json:"pending_intents_count"`
	Timestamp           time.Time         `json:"timestamp"`
}

// ShadowState is the authoritative in-memory record of open positions and
// in-flight intents. All map access is serialized by mu; observers and
// persistence run after the lock is released.
type ShadowState struct {
	mu            sync.Mutex
	positions     map[string]*domain.Position
	intents       map[string]*domain.Intent
	terminal      map[string]domain.IntentStatus
	terminalOrder []string
	trades        []domain.TradeRecord
	destroyed     bool

	obsMu     sync.RWMutex
	observers map[int]observer
	nextObs   int

	db       domain.DatabaseManager
	cfg      ShadowStateConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	inflight sync.WaitGroup
	now      func() time.Time
}

type observer struct {
	names map[string]bool
	fn    func(domain.StateEvent)
}

type persistJob struct {
	op     string
	symbol string
	run    func(ctx context.Context, db domain.DatabaseManager) error
}

// NewShadowState creates an empty Shadow State. db may be nil, in which case
// nothing is persisted and Recover is a no-op.
func NewShadowState(db domain.DatabaseManager, cfg ShadowStateConfig, m *metrics.Metrics, logger *slog.Logger) *ShadowState {
	return &ShadowState{
		positions: make(map[string]*domain.Position),
		intents:   make(map[string]*domain.Intent),
		terminal:  make(map[string]domain.IntentStatus),
		observers: make(map[int]observer),
		db:        db,
		cfg:       cfg.withDefaults(),
		metrics:   m,
		logger:    logger.With(slog.String("component", "shadow_state")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers fn for the named events, or for every event when no
// names are given. The returned function detaches the observer.
func (s *ShadowState) Subscribe(fn func(domain.StateEvent), names ...string) func() {
	o := observer{fn: fn}
	if len(names) > 0 {
		o.names = make(map[string]bool, len(names))
		for _, n := range names {
			o.names[n] = true
		}
	}
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// ProcessIntent validates and stores an intent as PENDING. A repeated pending
// signal id returns the stored intent unchanged; a repeated terminal id fails
// with ErrDuplicateSignal.
func (s *ShadowState) ProcessIntent(p domain.IntentPayload) (domain.Intent, error) {
	if p.SignalID == "" {
		return domain.Intent{}, fmt.Errorf("shadow_state: %w: signal_id is required", domain.ErrValidation)
	}
	if p.Symbol == "" {
		return domain.Intent{}, fmt.Errorf("shadow_state: %w: symbol is required", domain.ErrValidation)
	}
	if p.Direction != 1 && p.Direction != -1 {
		return domain.Intent{}, fmt.Errorf("shadow_state: %w: direction must be 1 or -1, got %d", domain.ErrValidation, p.Direction)
	}
	typ, err := normalizeIntentType(p.Type, p.Direction)
	if err != nil {
		return domain.Intent{}, err
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return domain.Intent{}, fmt.Errorf("shadow_state: process intent: %w", domain.ErrDestroyed)
	}
	if status, ok := s.terminal[p.SignalID]; ok {
		s.mu.Unlock()
		return domain.Intent{}, fmt.Errorf("shadow_state: intent %s already %s: %w", p.SignalID, status, domain.ErrDuplicateSignal)
	}
	if existing, ok := s.intents[p.SignalID]; ok {
		out := existing.Clone()
		s.mu.Unlock()
		s.logger.Debug("shadow_state: duplicate pending intent", slog.String("signal_id", p.SignalID))
		return out, nil
	}

	now := s.now()
	intent := &domain.Intent{
		SignalID:    p.SignalID,
		Type:        typ,
		Source:      p.Source,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		EntryZone:   p.EntryZone,
		StopLoss:    p.StopLoss,
		TakeProfits: append([]float64(nil), p.TakeProfits...),
		Size:        p.Size,
		Leverage:    p.Leverage,
		Status:      domain.IntentPending,
		ReceivedAt:  now,
		UpdatedAt:   now,
	}
	s.intents[p.SignalID] = intent
	out := intent.Clone()
	s.mu.Unlock()

	s.logger.Info("shadow_state: intent processed",
		slog.String("signal_id", out.SignalID),
		slog.String("type", string(out.Type)),
		slog.String("symbol", out.Symbol),
	)
	s.emit(domain.StateEvent{Name: domain.EventIntentProcessed, Intent: intentPtr(out), At: now})
	return out, nil
}

func normalizeIntentType(raw string, direction int) (domain.IntentType, error) {
	switch strings.ToUpper(raw) {
	case "", "PREPARE":
		if direction > 0 {
			return domain.IntentBuySetup, nil
		}
		return domain.IntentSellSetup, nil
	case "CLOSE":
		if direction > 0 {
			return domain.IntentCloseLong, nil
		}
		return domain.IntentCloseShort, nil
	}
	t := domain.IntentType(strings.ToUpper(raw))
	switch t {
	case domain.IntentBuySetup, domain.IntentSellSetup, domain.IntentCloseLong, domain.IntentCloseShort:
		return t, nil
	}
	return "", fmt.Errorf("shadow_state: %w: unknown intent type %q", domain.ErrValidation, raw)
}

// ValidateIntent marks a pending intent VALIDATED.
func (s *ShadowState) ValidateIntent(signalID string) (domain.Intent, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return domain.Intent{}, fmt.Errorf("shadow_state: validate intent: %w", domain.ErrDestroyed)
	}
	intent, ok := s.intents[signalID]
	if !ok {
		s.mu.Unlock()
		return domain.Intent{}, fmt.Errorf("shadow_state: validate intent %s: %w", signalID, domain.ErrNotFound)
	}
	now := s.now()
	intent.Status = domain.IntentValidated
	intent.UpdatedAt = now
	out := intent.Clone()
	s.mu.Unlock()

	s.emit(domain.StateEvent{Name: domain.EventIntentValidated, Intent: intentPtr(out), At: now})
	return out, nil
}

// RejectIntent marks an intent REJECTED and drops it from the pending set.
// Positions are never touched.
func (s *ShadowState) RejectIntent(signalID, reason string) (domain.Intent, error) {
	return s.finishIntent(signalID, domain.IntentRejected, reason)
}

// ExpireIntent marks an intent EXPIRED and drops it from the pending set.
func (s *ShadowState) ExpireIntent(signalID string) (domain.Intent, error) {
	return s.finishIntent(signalID, domain.IntentExpired, "EXPIRED")
}

func (s *ShadowState) finishIntent(signalID string, status domain.IntentStatus, reason string) (domain.Intent, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return domain.Intent{}, fmt.Errorf("shadow_state: reject intent: %w", domain.ErrDestroyed)
	}
	intent, ok := s.intents[signalID]
	if !ok {
		s.mu.Unlock()
		return domain.Intent{}, fmt.Errorf("shadow_state: reject intent %s: %w", signalID, domain.ErrNotFound)
	}
	now := s.now()
	intent.Status = status
	intent.RejectionReason = reason
	intent.UpdatedAt = now
	out := intent.Clone()
	delete(s.intents, signalID)
	s.rememberLocked(signalID, status)
	s.mu.Unlock()

	s.logger.Warn("shadow_state: intent rejected",
		slog.String("signal_id", signalID),
		slog.String("symbol", out.Symbol),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	s.metrics.IntentRejected(reason)
	s.emit(domain.StateEvent{Name: domain.EventIntentRejected, Intent: intentPtr(out), Reason: reason, At: now})
	return out, nil
}

// rememberLocked records a terminal id, evicting the oldest beyond the cap.
func (s *ShadowState) rememberLocked(signalID string, status domain.IntentStatus) {
	if _, ok := s.terminal[signalID]; !ok {
		s.terminalOrder = append(s.terminalOrder, signalID)
	}
	s.terminal[signalID] = status
	for len(s.terminalOrder) > s.cfg.TerminalMemory {
		delete(s.terminal, s.terminalOrder[0])
		s.terminalOrder = s.terminalOrder[1:]
	}
}

// ConfirmExecution applies a broker fill to the intent's symbol. An unfilled
// result rejects the intent and returns nil without touching positions.
func (s *ShadowState) ConfirmExecution(signalID string, fill domain.FillResult) (*Execution, error) {
	if !fill.Filled {
		if _, err := s.RejectIntent(signalID, "NOT_FILLED"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if !validPrice(fill.FillPrice) || !validPrice(fill.FillSize) {
		if _, err := s.RejectIntent(signalID, "INVALID_FILL"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("shadow_state: %w: fill price %v size %v", domain.ErrValidation, fill.FillPrice, fill.FillSize)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, fmt.Errorf("shadow_state: confirm execution: %w", domain.ErrDestroyed)
	}
	intent, ok := s.intents[signalID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("shadow_state: confirm execution %s: %w", signalID, domain.ErrNotFound)
	}

	now := s.now()
	intent.Status = domain.IntentConfirmed
	intent.UpdatedAt = now
	confirmed := intent.Clone()
	delete(s.intents, signalID)
	s.rememberLocked(signalID, domain.IntentConfirmed)

	var (
		events []domain.StateEvent
		jobs   []persistJob
		trades []domain.TradeRecord
	)
	pos := s.positions[intent.Symbol]

	switch {
	case intent.Type.IsClose():
		wantSide := domain.SideLong
		if intent.Type == domain.IntentCloseShort {
			wantSide = domain.SideShort
		}
		if pos == nil || pos.Side != wantSide {
			s.mu.Unlock()
			s.logger.Warn("shadow_state: close fill without matching position",
				slog.String("signal_id", signalID),
				slog.String("symbol", intent.Symbol),
			)
			return &Execution{Intent: confirmed}, nil
		}
		closeSize := math.Min(fill.FillSize, pos.Size)
		tr, ev, jb := s.reduceLocked(pos, fill.FillPrice, closeSize, fill.Fee, domain.CloseReasonSignal, now)
		trades, events, jobs = append(trades, tr), append(events, ev...), append(jobs, jb...)

	case pos == nil:
		ev, jb := s.openLocked(intent, fill.FillPrice, fill.FillSize, fill.Fee, now)
		events, jobs = append(events, ev...), append(jobs, jb...)

	case pos.Side == intent.Side():
		newSize := pos.Size + fill.FillSize
		pos.EntryPrice = (pos.Size*pos.EntryPrice + fill.FillSize*fill.FillPrice) / newSize
		pos.Size = newSize
		pos.FeesPaid += fill.Fee
		if intent.StopLoss > 0 {
			pos.StopLoss = intent.StopLoss
		}
		if len(intent.TakeProfits) > 0 {
			pos.TakeProfits = append([]float64(nil), intent.TakeProfits...)
		}
		pos.UpdatedAt = now
		markLocked(pos, pos.MarkPrice)
		snap := pos.Clone()
		events = append(events, domain.StateEvent{Name: domain.EventPositionUpdated, Position: &snap, At: now})
		jobs = append(jobs, updateJob(snap))

	default:
		closeSize := math.Min(fill.FillSize, pos.Size)
		remainder := fill.FillSize - closeSize
		closeFee := fill.Fee * closeSize / fill.FillSize
		tr, ev, jb := s.reduceLocked(pos, fill.FillPrice, closeSize, closeFee, domain.CloseReasonOppositeFill, now)
		trades, events, jobs = append(trades, tr), append(events, ev...), append(jobs, jb...)
		if remainder > 0 {
			ev, jb := s.openLocked(intent, fill.FillPrice, remainder, fill.Fee-closeFee, now)
			events, jobs = append(events, ev...), append(jobs, jb...)
		}
	}

	var result *domain.Position
	if p, ok := s.positions[intent.Symbol]; ok {
		snap := p.Clone()
		result = &snap
	}
	s.mu.Unlock()

	s.logger.Info("shadow_state: execution confirmed",
		slog.String("signal_id", signalID),
		slog.String("symbol", confirmed.Symbol),
		slog.Float64("fill_price", fill.FillPrice),
		slog.Float64("fill_size", fill.FillSize),
	)
	s.emit(events...)
	s.persist(jobs...)
	return &Execution{Intent: confirmed, Position: result, Trades: trades}, nil
}

// openLocked creates a new position from an intent. Caller holds mu.
func (s *ShadowState) openLocked(intent *domain.Intent, price, size, fee float64, now time.Time) ([]domain.StateEvent, []persistJob) {
	pos := &domain.Position{
		Symbol:      intent.Symbol,
		Side:        intent.Side(),
		Size:        size,
		EntryPrice:  price,
		StopLoss:    intent.StopLoss,
		TakeProfits: append([]float64(nil), intent.TakeProfits...),
		SignalID:    intent.SignalID,
		Leverage:    intent.Leverage,
		OpenedAt:    now,
		UpdatedAt:   now,
		FeesPaid:    fee,
	}
	s.positions[pos.Symbol] = pos
	snap := pos.Clone()
	return []domain.StateEvent{{Name: domain.EventPositionOpened, Position: &snap, At: now}},
		[]persistJob{{
			op:     "insert_position",
			symbol: snap.Symbol,
			run: func(ctx context.Context, db domain.DatabaseManager) error {
				return db.InsertPosition(ctx, snap.ToRow())
			},
		}}
}

// reduceLocked closes closeSize of pos at price. A close of the whole size
// removes the position. Caller holds mu.
func (s *ShadowState) reduceLocked(pos *domain.Position, price, closeSize, fee float64, reason string, now time.Time) (domain.TradeRecord, []domain.StateEvent, []persistJob) {
	full := closeSize >= pos.Size
	if full {
		closeSize = pos.Size
	}
	feeShare := pos.FeesPaid
	if !full && pos.Size > 0 {
		feeShare = pos.FeesPaid * closeSize / pos.Size
	}
	trade := s.tradeRecord(pos, price, closeSize, feeShare+fee, reason, !full, now)
	s.appendTradeLocked(trade)
	tradeCopy := trade

	var events []domain.StateEvent
	jobs := []persistJob{{
		op:     "insert_trade",
		symbol: trade.Symbol,
		run: func(ctx context.Context, db domain.DatabaseManager) error {
			return db.InsertTrade(ctx, tradeCopy)
		},
	}}

	if full {
		snap := pos.Clone()
		delete(s.positions, pos.Symbol)
		events = append(events,
			domain.StateEvent{Name: domain.EventPositionClosed, Position: &snap, Trade: &tradeCopy, Reason: reason, At: now},
			domain.StateEvent{Name: domain.EventTradeRecorded, Trade: &tradeCopy, At: now},
		)
		closeDetail := domain.PositionClose{ClosePrice: price, RealizedPnL: trade.PnL, CloseReason: reason}
		jobs = append(jobs, persistJob{
			op:     "close_position",
			symbol: snap.Symbol,
			run: func(ctx context.Context, db domain.DatabaseManager) error {
				return db.ClosePosition(ctx, snap.Symbol, closeDetail)
			},
		})
		return trade, events, jobs
	}

	pos.Size -= closeSize
	pos.FeesPaid -= feeShare
	pos.UpdatedAt = now
	markLocked(pos, pos.MarkPrice)
	snap := pos.Clone()
	events = append(events,
		domain.StateEvent{Name: domain.EventPositionPartialClose, Position: &snap, Trade: &tradeCopy, Reason: reason, At: now},
		domain.StateEvent{Name: domain.EventTradeRecorded, Trade: &tradeCopy, At: now},
	)
	jobs = append(jobs, updateJob(snap))
	return trade, events, jobs
}

func updateJob(snap domain.Position) persistJob {
	return persistJob{
		op:     "update_position",
		symbol: snap.Symbol,
		run: func(ctx context.Context, db domain.DatabaseManager) error {
			return db.UpdatePosition(ctx, snap.Symbol, snap.ToPatch())
		},
	}
}

func (s *ShadowState) tradeRecord(pos *domain.Position, exit, size, fees float64, reason string, partial bool, now time.Time) domain.TradeRecord {
	pnl, pnlPct := calculatePnL(pos.Side, pos.EntryPrice, exit, size)
	pnl, fees = roundAmount(pnl), roundAmount(fees)
	return domain.TradeRecord{
		ID:          uuid.NewString(),
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exit,
		Size:        size,
		PnL:         pnl,
		PnLPct:      pnlPct,
		Fees:        fees,
		NetPnL:      roundAmount(pnl - fees),
		CloseReason: reason,
		SignalID:    pos.SignalID,
		Partial:     partial,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    now,
	}
}

// calculatePnL returns the signed PnL and its percentage of entry.
func calculatePnL(side domain.Side, entry, exit, size float64) (float64, float64) {
	diff := (exit - entry) * side.Sign()
	pct := 0.0
	if entry != 0 {
		pct = diff / entry * 100
	}
	return diff * size, pct
}

// roundAmount trims float noise from recorded money amounts.
func roundAmount(v float64) float64 {
	return decimal.NewFromFloat(v).Round(pnlPrecision).InexactFloat64()
}

func (s *ShadowState) appendTradeLocked(t domain.TradeRecord) {
	s.trades = append(s.trades, t)
	if over := len(s.trades) - s.cfg.MaxTradeHistory; over > 0 {
		s.trades = append([]domain.TradeRecord(nil), s.trades[over:]...)
	}
}

func markLocked(pos *domain.Position, mark float64) {
	if mark <= 0 {
		pos.UnrealizedPnL = 0
		return
	}
	pos.MarkPrice = mark
	pos.UnrealizedPnL, _ = calculatePnL(pos.Side, pos.EntryPrice, mark, pos.Size)
}

// HasPosition reports whether an open position exists for symbol.
func (s *ShadowState) HasPosition(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[symbol]
	return ok
}

// GetPosition returns a copy of the open position for symbol.
func (s *ShadowState) GetPosition(symbol string) (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return p.Clone(), true
}

// GetIntent returns a copy of a pending intent.
func (s *ShadowState) GetIntent(signalID string) (domain.Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[signalID]
	if !ok {
		return domain.Intent{}, false
	}
	return i.Clone(), true
}

// TerminalStatus reports the final status of a signal id that has left the
// pending set.
func (s *ShadowState) TerminalStatus(signalID string) (domain.IntentStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.terminal[signalID]
	return st, ok
}

// Positions returns copies of all open positions ordered by symbol.
func (s *ShadowState) Positions() []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionsLocked()
}

func (s *ShadowState) positionsLocked() []domain.Position {
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PendingIntents returns copies of all non-terminal intents.
func (s *ShadowState) PendingIntents() []domain.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Intent, 0, len(s.intents))
	for _, i := range s.intents {
		out = append(out, i.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ReceivedAt.Before(out[b].ReceivedAt) })
	return out
}

// TradeHistory returns up to limit of the most recent trades, oldest first.
// A non-positive limit returns the whole history.
func (s *ShadowState) TradeHistory(limit int) []domain.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentTradesLocked(limit)
}

func (s *ShadowState) recentTradesLocked(limit int) []domain.TradeRecord {
	start := 0
	if limit > 0 && limit < len(s.trades) {
		start = len(s.trades) - limit
	}
	return append([]domain.TradeRecord(nil), s.trades[start:]...)
}

// IsZombieSignal reports whether a close signal targets a symbol with no open
// position. Zombies are logged and dropped by callers.
func (s *ShadowState) IsZombieSignal(symbol, signalID string) bool {
	if s.HasPosition(symbol) {
		return false
	}
	s.logger.Warn("shadow_state: zombie close signal",
		slog.String("symbol", symbol),
		slog.String("signal_id", signalID),
	)
	return true
}

// ClosePosition fully closes the position on symbol at exitPrice. It returns
// nil when no position exists or the stored position has zero size.
func (s *ShadowState) ClosePosition(symbol string, exitPrice float64, reason string) (*domain.TradeRecord, error) {
	if !validPrice(exitPrice) {
		return nil, fmt.Errorf("shadow_state: %w: exit price must be positive and finite, got %v", domain.ErrValidation, exitPrice)
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, fmt.Errorf("shadow_state: close position: %w", domain.ErrDestroyed)
	}
	pos, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("shadow_state: close requested for unknown position", slog.String("symbol", symbol))
		return nil, nil
	}
	if pos.Size <= 0 {
		delete(s.positions, symbol)
		s.mu.Unlock()
		s.logger.Warn("shadow_state: removed zero-size position", slog.String("symbol", symbol))
		return nil, nil
	}
	trade, events, jobs := s.reduceLocked(pos, exitPrice, pos.Size, 0, reason, s.now())
	s.mu.Unlock()

	s.logger.Info("shadow_state: position closed",
		slog.String("symbol", symbol),
		slog.String("reason", reason),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("pnl", trade.PnL),
	)
	s.emit(events...)
	s.persist(jobs...)
	return &trade, nil
}

// ClosePartialPosition closes closeSize of the position on symbol. The
// remaining size keeps its average entry price. Closing the full size
// behaves like ClosePosition.
func (s *ShadowState) ClosePartialPosition(symbol string, exitPrice, closeSize float64, reason string) (*domain.TradeRecord, error) {
	if !validPrice(exitPrice) {
		return nil, fmt.Errorf("shadow_state: %w: exit price must be positive and finite, got %v", domain.ErrValidation, exitPrice)
	}
	if !validPrice(closeSize) {
		return nil, fmt.Errorf("shadow_state: %w: close size must be positive and finite, got %v", domain.ErrValidation, closeSize)
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, fmt.Errorf("shadow_state: close partial position: %w", domain.ErrDestroyed)
	}
	pos, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("shadow_state: close partial position %s: %w", symbol, domain.ErrNotFound)
	}
	if closeSize > pos.Size {
		size := pos.Size
		s.mu.Unlock()
		return nil, fmt.Errorf("shadow_state: %w: close size %v exceeds position size %v", domain.ErrValidation, closeSize, size)
	}
	trade, events, jobs := s.reduceLocked(pos, exitPrice, closeSize, 0, reason, s.now())
	s.mu.Unlock()

	s.logger.Info("shadow_state: position reduced",
		slog.String("symbol", symbol),
		slog.String("reason", reason),
		slog.Float64("close_size", trade.Size),
		slog.Float64("pnl", trade.PnL),
	)
	s.emit(events...)
	s.persist(jobs...)
	return &trade, nil
}

// CloseAllPositions closes every open position at the price returned by
// resolve. Positions whose price does not resolve to a positive finite number
// are skipped and stay open.
func (s *ShadowState) CloseAllPositions(resolve func(symbol string) float64, reason string) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, fmt.Errorf("shadow_state: close all positions: %w", domain.ErrDestroyed)
	}
	symbols := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()
	sort.Strings(symbols)

	var trades []domain.TradeRecord
	for _, sym := range symbols {
		price := resolve(sym)
		if !validPrice(price) {
			s.logger.Warn("shadow_state: skipping close, no valid exit price",
				slog.String("symbol", sym),
				slog.Float64("price", price),
			)
			continue
		}
		tr, err := s.ClosePosition(sym, price, reason)
		if err != nil {
			if errors.Is(err, domain.ErrDestroyed) {
				return trades, err
			}
			s.logger.Warn("shadow_state: close failed", slog.String("symbol", sym), slog.String("error", err.Error()))
			continue
		}
		if tr != nil {
			trades = append(trades, *tr)
		}
	}
	return trades, nil
}

// CalculatePnLStats summarizes the most recent windowSize trades. A
// non-positive window covers the whole history.
func (s *ShadowState) CalculatePnLStats(windowSize int) domain.PnLStats {
	s.mu.Lock()
	recent := s.recentTradesLocked(windowSize)
	s.mu.Unlock()

	var stats domain.PnLStats
	wins := 0
	for _, t := range recent {
		stats.TotalPnL += t.PnL
		if t.PnL > 0 {
			wins++
		}
	}
	stats.TradeCount = len(recent)
	if stats.TradeCount > 0 {
		stats.WinRate = float64(wins) / float64(stats.TradeCount)
	}
	return stats
}

// GetStateSnapshot returns the health/status view.
func (s *ShadowState) GetStateSnapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		Positions:           s.positionsLocked(),
		PendingIntentsCount: len(s.intents),
		Timestamp:           s.now(),
	}
}

// UpdateValuation marks the position on symbol to the bid/ask midpoint.
func (s *ShadowState) UpdateValuation(symbol string, bid, ask float64) (domain.Position, bool) {
	mid := domain.OrderBook{
		Bids: []domain.PriceLevel{{Price: bid}},
		Asks: []domain.PriceLevel{{Price: ask}},
	}.Mid()
	if !validPrice(mid) {
		return domain.Position{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok || s.destroyed {
		return domain.Position{}, false
	}
	markLocked(pos, mid)
	return pos.Clone(), true
}

// ApplyFunding accumulates a funding payment on the position for symbol.
func (s *ShadowState) ApplyFunding(symbol string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("shadow_state: apply funding: %w", domain.ErrDestroyed)
	}
	pos, ok := s.positions[symbol]
	if !ok {
		return fmt.Errorf("shadow_state: apply funding %s: %w", symbol, domain.ErrNotFound)
	}
	pos.FundingPaid += amount
	return nil
}

// TotalExposure sums the notional of all open positions.
func (s *ShadowState) TotalExposure() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, p := range s.positions {
		total += p.Notional()
	}
	return total
}

// TotalUnrealizedPnL sums the marked unrealized PnL of all positions.
func (s *ShadowState) TotalUnrealizedPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, p := range s.positions {
		total += p.UnrealizedPnL
	}
	return total
}

// Destroy clears all state and observers. Later mutating calls fail with
// ErrDestroyed. Calling Destroy again is a no-op.
func (s *ShadowState) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.positions = make(map[string]*domain.Position)
	s.intents = make(map[string]*domain.Intent)
	s.terminal = make(map[string]domain.IntentStatus)
	s.terminalOrder = nil
	s.trades = nil
	s.mu.Unlock()

	s.obsMu.Lock()
	s.observers = make(map[int]observer)
	s.obsMu.Unlock()
	s.logger.Info("shadow_state: destroyed")
}

// Drain waits for in-flight persistence writes or for ctx to end.
func (s *ShadowState) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ShadowState) emit(events ...domain.StateEvent) {
	if len(events) == 0 {
		return
	}
	s.obsMu.RLock()
	obs := make([]observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.obsMu.RUnlock()

	for _, ev := range events {
		for _, o := range obs {
			if o.names != nil && !o.names[ev.Name] {
				continue
			}
			o.fn(ev)
		}
	}
}

// persist runs each job in the background. Failures are logged and counted;
// the in-memory mutation has already happened and is never reverted.
func (s *ShadowState) persist(jobs ...persistJob) {
	if s.db == nil {
		return
	}
	for _, job := range jobs {
		s.inflight.Add(1)
		go func(job persistJob) {
			defer s.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
			defer cancel()
			if err := job.run(ctx, s.db); err != nil {
				s.metrics.PersistFailed(job.op)
				s.logger.Error("shadow_state: persistence failed",
					slog.String("op", job.op),
					slog.String("symbol", job.symbol),
					slog.String("error", err.Error()),
				)
			}
		}(job)
	}
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func intentPtr(i domain.Intent) *domain.Intent { return &i }
