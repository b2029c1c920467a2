package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
)

// FundingRates is the slice of the broker gateway the funding job needs.
type FundingRates interface {
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
}

// FundingAccruer charges exchange funding to open positions. Longs pay a
// positive rate and shorts receive it.
type FundingAccruer struct {
	shadow  *ShadowState
	rates   FundingRates
	events  domain.EventLog
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFundingAccruer creates an accruer. events may be nil.
func NewFundingAccruer(shadow *ShadowState, rates FundingRates, events domain.EventLog, m *metrics.Metrics, logger *slog.Logger) *FundingAccruer {
	return &FundingAccruer{
		shadow:  shadow,
		rates:   rates,
		events:  events,
		metrics: m,
		logger:  logger.With(slog.String("component", "funding")),
	}
}

// FundingAmount is what a position pays for one funding interval at rate.
// Negative amounts are received.
func FundingAmount(p domain.Position, rate float64) float64 {
	return roundAmount(p.Side.Sign() * rate * p.Notional())
}

// Accrue applies one funding interval to every open position and returns
// the net amount paid. A rate lookup failure skips that symbol; the errors
// are joined into the result.
func (f *FundingAccruer) Accrue(ctx context.Context) (float64, error) {
	var (
		total   float64
		applied = make(map[string]float64)
		errs    []error
	)
	for _, pos := range f.shadow.Positions() {
		rate, err := f.rates.GetFundingRate(ctx, pos.Symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("funding: rate %s: %w", pos.Symbol, err))
			continue
		}
		amount := FundingAmount(pos, rate)
		if amount == 0 {
			continue
		}
		if err := f.shadow.ApplyFunding(pos.Symbol, amount); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Closed since the snapshot.
				continue
			}
			errs = append(errs, fmt.Errorf("funding: apply %s: %w", pos.Symbol, err))
			continue
		}
		f.metrics.FundingAccrued(amount)
		applied[pos.Symbol] = amount
		total += amount
	}

	if len(applied) > 0 {
		f.logger.InfoContext(ctx, "funding: accrued",
			slog.Int("positions", len(applied)),
			slog.Float64("net", total),
		)
		if f.events != nil {
			if err := f.events.LogEvent(ctx, domain.SysFundingApplied, map[string]any{
				"net":       total,
				"positions": applied,
			}); err != nil {
				f.logger.WarnContext(ctx, "funding: event log failed", slog.String("error", err.Error()))
			}
		}
	}
	return total, errors.Join(errs...)
}
