package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
)

// ValuationService consumes top-of-book ticks: it refreshes the mark-price
// cache, feeds the staleness monitor and marks Shadow State positions.
type ValuationService struct {
	shadow  *ShadowState
	risk    *RiskGuard
	prices  domain.PriceCache
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewValuationService creates a ValuationService. prices and bus may be nil.
func NewValuationService(
	shadow *ShadowState,
	risk *RiskGuard,
	prices domain.PriceCache,
	bus domain.SignalBus,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ValuationService {
	return &ValuationService{
		shadow:  shadow,
		risk:    risk,
		prices:  prices,
		bus:     bus,
		metrics: m,
		logger:  logger.With(slog.String("component", "valuation")),
	}
}

// HandleTick applies one top-of-book update.
func (s *ValuationService) HandleTick(ctx context.Context, t domain.Tick) error {
	if t.Symbol == "" {
		return fmt.Errorf("valuation: %w: tick without symbol", domain.ErrValidation)
	}
	mid := domain.OrderBook{
		Bids: []domain.PriceLevel{{Price: t.Bid}},
		Asks: []domain.PriceLevel{{Price: t.Ask}},
	}.Mid()
	if !validPrice(mid) {
		return fmt.Errorf("valuation: %w: tick for %s has no price", domain.ErrValidation, t.Symbol)
	}
	ts := time.UnixMilli(t.Timestamp).UTC()
	if t.Timestamp == 0 {
		ts = time.Now().UTC()
	}

	if s.prices != nil {
		if err := s.prices.SetPrice(ctx, t.Symbol, mid, ts); err != nil {
			return fmt.Errorf("valuation: set price for %q: %w", t.Symbol, err)
		}
	}
	s.risk.RecordTick(t.Symbol, ts)
	if _, ok := s.shadow.UpdateValuation(t.Symbol, t.Bid, t.Ask); ok {
		s.metrics.SetPositions(len(s.shadow.Positions()), s.shadow.TotalExposure())
	}
	return nil
}

// Run consumes ticks from the signal bus until ctx is done.
func (s *ValuationService) Run(ctx context.Context) error {
	if s.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, err := s.bus.Subscribe(ctx, domain.ChannelTicker+":*")
	if err != nil {
		return fmt.Errorf("valuation: subscribe ticker: %w", err)
	}
	s.logger.InfoContext(ctx, "valuation: consuming ticks")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("valuation: ticker subscription closed")
			}
			var t domain.Tick
			if err := json.Unmarshal(msg, &t); err != nil {
				s.logger.WarnContext(ctx, "valuation: bad tick payload", slog.String("error", err.Error()))
				continue
			}
			if err := s.HandleTick(ctx, t); err != nil {
				s.logger.WarnContext(ctx, "valuation: tick rejected", slog.String("error", err.Error()))
			}
		}
	}
}
