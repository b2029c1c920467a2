package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
)

// StatusSink receives status broadcasts (the websocket hub, the signal bus).
type StatusSink interface {
	Broadcast(ctx context.Context, msg domain.StatusMessage) error
}

// StatusPublisher turns hub activity into status messages and fans them out
// to every sink. Publishing never fails the caller.
type StatusPublisher struct {
	sinks   []StatusSink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewStatusPublisher creates a publisher over sinks.
func NewStatusPublisher(sinks []StatusSink, m *metrics.Metrics, logger *slog.Logger) *StatusPublisher {
	return &StatusPublisher{
		sinks:   sinks,
		metrics: m,
		logger:  logger.With(slog.String("component", "status")),
		now:     time.Now,
	}
}

// SlippagePct is sign(side)*(fill-expected)/expected*100. A missing expected
// price falls back to the fill price, which reports zero slippage.
func SlippagePct(side domain.Side, fillPrice, expectedPrice float64) float64 {
	if expectedPrice <= 0 {
		expectedPrice = fillPrice
	}
	if expectedPrice <= 0 {
		return 0
	}
	return side.Sign() * (fillPrice - expectedPrice) / expectedPrice * 100
}

// Publish sends msg to every sink, stamping id and timestamp when unset.
func (p *StatusPublisher) Publish(ctx context.Context, msg domain.StatusMessage) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = p.now().UnixMilli()
	}
	for _, s := range p.sinks {
		if err := s.Broadcast(ctx, msg); err != nil {
			p.logger.WarnContext(ctx, "status: broadcast failed",
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// OrderFilled publishes ORDER_FILLED or ORDER_PARTIALLY_FILLED for a fill.
func (p *StatusPublisher) OrderFilled(ctx context.Context, signalID, symbol string, side domain.Side, fill domain.FillResult) {
	typ := domain.StatusOrderFilled
	pct := fill.FillPercent()
	if pct < 100 {
		typ = domain.StatusOrderPartiallyFilled
	}
	p.Publish(ctx, domain.StatusMessage{
		Type:   typ,
		Symbol: symbol,
		Data: map[string]any{
			"signal_id":    signalID,
			"order_id":     fill.OrderID,
			"side":         string(side),
			"fill_percent": pct,
			"fill_price":   fill.FillPrice,
			"fill_size":    fill.FillSize,
			"slippage_pct": SlippagePct(side, fill.FillPrice, fill.ExpectedPrice),
		},
	})
}

// OrderRejected publishes ORDER_REJECTED.
func (p *StatusPublisher) OrderRejected(ctx context.Context, signalID, symbol, reason string) {
	p.Publish(ctx, domain.StatusMessage{
		Type:   domain.StatusOrderRejected,
		Symbol: symbol,
		Data:   map[string]any{"signal_id": signalID, "reason": reason},
	})
}

// OrderCanceled publishes ORDER_CANCELED.
func (p *StatusPublisher) OrderCanceled(ctx context.Context, signalID, symbol, reason string) {
	p.Publish(ctx, domain.StatusMessage{
		Type:   domain.StatusOrderCanceled,
		Symbol: symbol,
		Data:   map[string]any{"signal_id": signalID, "reason": reason},
	})
}

// EmergencyFlatten publishes EMERGENCY_FLATTEN to every client.
func (p *StatusPublisher) EmergencyFlatten(ctx context.Context, reason string, trades []domain.TradeRecord) {
	p.Publish(ctx, domain.StatusMessage{
		Type: domain.StatusEmergencyFlatten,
		Data: map[string]any{"reason": reason, "closed": len(trades), "trades": trades},
	})
}

// HandleStateEvent maps Shadow State position events onto status messages.
// Register it with ShadowState.Subscribe.
func (p *StatusPublisher) HandleStateEvent(ev domain.StateEvent) {
	var typ domain.StatusType
	switch ev.Name {
	case domain.EventPositionOpened:
		typ = domain.StatusPositionOpened
	case domain.EventPositionUpdated, domain.EventPositionPartialClose:
		typ = domain.StatusPositionUpdated
	case domain.EventPositionClosed:
		typ = domain.StatusPositionClosed
	default:
		return
	}
	data := map[string]any{"event": ev.Name}
	symbol := ""
	if ev.Position != nil {
		data["position"] = ev.Position
		symbol = ev.Position.Symbol
	}
	if ev.Trade != nil {
		data["trade"] = ev.Trade
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	p.Publish(context.Background(), domain.StatusMessage{Type: typ, Symbol: symbol, Timestamp: ev.At.UnixMilli(), Data: data})
}

// Treasury publishes sweep outcomes.
func (p *StatusPublisher) Treasury(res domain.SweepResult) {
	typ := domain.StatusSweepCompleted
	if res.Error != "" {
		typ = domain.StatusSweepFailed
	}
	p.Publish(context.Background(), domain.StatusMessage{Type: typ, Data: map[string]any{"sweep": res}})
}

// Halt publishes a kill-switch transition.
func (p *StatusPublisher) Halt(level HaltLevel, reason string) {
	p.Publish(context.Background(), domain.StatusMessage{
		Type: domain.StatusHaltChanged,
		Data: map[string]any{"level": level.String(), "reason": reason},
	})
}

// PhaseChanged publishes an equity phase transition.
func (p *StatusPublisher) PhaseChanged(from, to Phase) {
	p.Publish(context.Background(), domain.StatusMessage{
		Type: domain.StatusPhaseChanged,
		Data: map[string]any{"from": from.Name, "to": to.Name, "phase": to.Number},
	})
}
