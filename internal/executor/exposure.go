package executor

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/service"
)

// commitment is the exposure the account is already on the hook for: open
// positions, orders in flight and, at PREPARE, other prepared intents.
type commitment struct {
	exposure  float64
	positions int
	symbol    float64 // same-side notional on the target symbol
	held      bool    // target symbol already counts as a position
}

type exposureEntry struct {
	symbol string
	side   domain.Side
	value  float64
}

// committed sums exposure relevant to a new order on symbol and side. skipID
// excludes the intent being evaluated. The caller holds exposureMu.
func (r *Router) committed(symbol string, side domain.Side, skipID string, withPrepared bool) commitment {
	var c commitment
	seen := make(map[string]bool)
	add := func(e exposureEntry) {
		c.exposure += e.value
		seen[e.symbol] = true
		if e.symbol != symbol {
			return
		}
		c.held = true
		if e.side == side {
			c.symbol += e.value
		}
	}

	for _, p := range r.Shadow.Positions() {
		add(exposureEntry{symbol: p.Symbol, side: p.Side, value: p.Notional()})
	}
	for id, e := range r.inflight {
		if id != skipID {
			add(e)
		}
	}
	if withPrepared {
		for _, p := range r.prepared.Entries() {
			if p.Intent.SignalID != skipID {
				add(exposureEntry{symbol: p.Intent.Symbol, side: p.Intent.Side(), value: p.Notional()})
			}
		}
	}
	c.positions = len(seen)
	return c
}

// checkPrepare runs the pre-trade limits counting prepared and in-flight
// intents as if they had already filled.
func (r *Router) checkPrepare(ctx context.Context, sig domain.Signal, t service.ProposedTrade) error {
	r.exposureMu.Lock()
	defer r.exposureMu.Unlock()
	c := r.committed(t.Symbol, sideOf(sig), sig.SignalID, true)
	t.SymbolNotional, t.AddsToPosition = c.symbol, c.held
	return r.Risk.CheckPreTrade(ctx, t, c.exposure, c.positions)
}

// reserve re-checks exposure limits against live state and, on success,
// counts p as in flight until the returned release is called.
func (r *Router) reserve(ctx context.Context, p Prepared) (func(), error) {
	r.exposureMu.Lock()
	defer r.exposureMu.Unlock()

	id, side := p.Intent.SignalID, p.Intent.Side()
	c := r.committed(p.Intent.Symbol, side, id, false)
	err := r.Risk.CheckExposure(ctx, service.ProposedTrade{
		Symbol:         p.Intent.Symbol,
		Size:           p.Size,
		Price:          p.ExpectedPrice,
		Leverage:       p.Intent.Leverage,
		SymbolNotional: c.symbol,
		AddsToPosition: c.held,
	}, c.exposure, c.positions)
	if err != nil {
		r.logger.WarnContext(ctx, "router: exposure re-check failed at confirm",
			slog.String("signal_id", id),
			slog.Float64("committed", c.exposure),
			slog.Int("positions", c.positions),
		)
		return nil, err
	}
	r.inflight[id] = exposureEntry{symbol: p.Intent.Symbol, side: side, value: p.Notional()}
	return func() {
		r.exposureMu.Lock()
		delete(r.inflight, id)
		r.exposureMu.Unlock()
	}, nil
}

func sideOf(sig domain.Signal) domain.Side {
	if sig.DirectionSign() < 0 {
		return domain.SideShort
	}
	return domain.SideLong
}
