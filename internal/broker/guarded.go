package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/metrics"
)

// Guarded wraps a BrokerGateway so every call runs through a circuit
// breaker. A failing exchange then fails fast instead of stalling every
// signal behind network timeouts.
type Guarded struct {
	inner   domain.BrokerGateway
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// NewGuarded wraps inner with a breaker and reports transitions to m.
func NewGuarded(inner domain.BrokerGateway, breaker *CircuitBreaker, m *metrics.Metrics, logger *slog.Logger) *Guarded {
	g := &Guarded{
		inner:   inner,
		breaker: breaker,
		logger:  logger.With(slog.String("component", "broker_breaker")),
	}
	m.SetBreakerState(int(StateClosed), false)
	breaker.OnStateChange = func(from, to State) {
		m.SetBreakerState(int(to), to == StateOpen)
		g.logger.Warn("broker: circuit breaker transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	}
	return g
}

// State returns the breaker state.
func (g *Guarded) State() State {
	return g.breaker.CurrentState()
}

func guardedCall[T any](g *Guarded, op string, fn func() (T, error)) (T, error) {
	var (
		out     T
		callErr error
	)
	err := g.breaker.Execute(func() error {
		out, callErr = fn()
		// Cancellation is the caller's choice, not an exchange fault.
		if errors.Is(callErr, context.Canceled) {
			return nil
		}
		return callErr
	})
	if err == nil {
		err = callErr
	}
	if err != nil {
		return out, fmt.Errorf("broker: %s: %w", op, err)
	}
	return out, nil
}

func (g *Guarded) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return guardedCall(g, "get current price", func() (float64, error) { return g.inner.GetCurrentPrice(ctx, symbol) })
}

func (g *Guarded) Get24hVolume(ctx context.Context, symbol string) (float64, error) {
	return guardedCall(g, "get 24h volume", func() (float64, error) { return g.inner.Get24hVolume(ctx, symbol) })
}

func (g *Guarded) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return guardedCall(g, "get funding rate", func() (float64, error) { return g.inner.GetFundingRate(ctx, symbol) })
}

func (g *Guarded) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return guardedCall(g, "fetch ohlcv", func() ([]domain.Candle, error) { return g.inner.FetchOHLCV(ctx, symbol, interval, limit) })
}

func (g *Guarded) GetSpotPrice(ctx context.Context, symbol string) (float64, error) {
	return guardedCall(g, "get spot price", func() (float64, error) { return g.inner.GetSpotPrice(ctx, symbol) })
}

func (g *Guarded) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	return guardedCall(g, "get order book", func() (domain.OrderBook, error) { return g.inner.GetOrderBook(ctx, symbol, depth) })
}

func (g *Guarded) GetWalletBalances(ctx context.Context) (domain.WalletBalances, error) {
	return guardedCall(g, "get wallet balances", func() (domain.WalletBalances, error) { return g.inner.GetWalletBalances(ctx) })
}

func (g *Guarded) InternalTransfer(ctx context.Context, req domain.TransferRequest) (domain.TransferResult, error) {
	return guardedCall(g, "internal transfer", func() (domain.TransferResult, error) { return g.inner.InternalTransfer(ctx, req) })
}

func (g *Guarded) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.FillResult, error) {
	return guardedCall(g, "place order", func() (domain.FillResult, error) { return g.inner.PlaceOrder(ctx, req) })
}

func (g *Guarded) HealthCheck(ctx context.Context) error {
	_, err := guardedCall(g, "health check", func() (struct{}, error) { return struct{}{}, g.inner.HealthCheck(ctx) })
	return err
}

var _ domain.BrokerGateway = (*Guarded)(nil)
