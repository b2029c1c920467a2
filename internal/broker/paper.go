// Package broker provides BrokerGateway implementations: a simulated paper
// exchange and a circuit-breaker wrapper for real adapters.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// PaperConfig seeds the simulated exchange.
type PaperConfig struct {
	FuturesBalance float64
	SpotBalance    float64
	SlippageBps    float64
	FeeBps         float64
	SpreadBps      float64
	FundingRate    float64
	// Prices seeds mark prices for symbols the price cache has not seen.
	Prices map[string]float64
}

// DefaultPaperConfig returns a small futures account with taker-like costs.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		FuturesBalance: 500,
		SlippageBps:    2,
		FeeBps:         5.5,
		SpreadBps:      1,
		FundingRate:    0.0001,
	}
}

type paperPosition struct {
	size  decimal.Decimal // signed: long > 0
	entry decimal.Decimal
}

// PaperBroker simulates a futures exchange in memory. Mark prices come from
// the shared price cache when one is configured, falling back to prices set
// directly. Market orders fill completely at mark +/- slippage.
type PaperBroker struct {
	cfg    PaperConfig
	prices domain.PriceCache
	logger *slog.Logger

	mu        sync.Mutex
	futures   decimal.Decimal
	spot      decimal.Decimal
	marks     map[string]float64
	positions map[string]*paperPosition
	now       func() time.Time
}

// NewPaperBroker creates a paper exchange. prices may be nil.
func NewPaperBroker(cfg PaperConfig, prices domain.PriceCache, logger *slog.Logger) *PaperBroker {
	marks := make(map[string]float64, len(cfg.Prices))
	for sym, p := range cfg.Prices {
		marks[strings.ToUpper(sym)] = p
	}
	return &PaperBroker{
		cfg:       cfg,
		prices:    prices,
		logger:    logger.With(slog.String("component", "paper_broker")),
		futures:   decimal.NewFromFloat(cfg.FuturesBalance),
		spot:      decimal.NewFromFloat(cfg.SpotBalance),
		marks:     marks,
		positions: make(map[string]*paperPosition),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPrice overrides the mark price for symbol.
func (b *PaperBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	b.marks[strings.ToUpper(symbol)] = price
	b.mu.Unlock()
}

func (b *PaperBroker) mark(ctx context.Context, symbol string) (float64, error) {
	if b.prices != nil {
		p, _, err := b.prices.GetPrice(ctx, symbol)
		if err == nil && p > 0 {
			return p, nil
		}
	}
	b.mu.Lock()
	p, ok := b.marks[strings.ToUpper(symbol)]
	b.mu.Unlock()
	if !ok || p <= 0 {
		return 0, fmt.Errorf("paper: no price for %s: %w", symbol, domain.ErrNotFound)
	}
	return p, nil
}

func (b *PaperBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return b.mark(ctx, symbol)
}

func (b *PaperBroker) GetSpotPrice(ctx context.Context, symbol string) (float64, error) {
	return b.mark(ctx, symbol)
}

// Get24hVolume is not simulated.
func (b *PaperBroker) Get24hVolume(context.Context, string) (float64, error) {
	return 0, nil
}

func (b *PaperBroker) GetFundingRate(context.Context, string) (float64, error) {
	return b.cfg.FundingRate, nil
}

func (b *PaperBroker) FetchOHLCV(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, fmt.Errorf("paper: fetch ohlcv: %w", domain.ErrUnsupported)
}

// GetOrderBook builds a synthetic book around the mark price, one level per
// spread step.
func (b *PaperBroker) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	mark, err := b.mark(ctx, symbol)
	if err != nil {
		return domain.OrderBook{}, err
	}
	if depth <= 0 {
		depth = 1
	}
	step := mark * b.cfg.SpreadBps / 10000
	if step <= 0 {
		step = mark * 0.0001
	}
	book := domain.OrderBook{
		Symbol:    symbol,
		Bids:      make([]domain.PriceLevel, 0, depth),
		Asks:      make([]domain.PriceLevel, 0, depth),
		Timestamp: b.now(),
	}
	for i := 0; i < depth; i++ {
		off := step * (float64(i) + 0.5)
		book.Bids = append(book.Bids, domain.PriceLevel{Price: mark - off, Size: float64(i + 1)})
		book.Asks = append(book.Asks, domain.PriceLevel{Price: mark + off, Size: float64(i + 1)})
	}
	return book, nil
}

// GetWalletBalances returns both wallets and the unrealized PnL of paper
// positions at current marks.
func (b *PaperBroker) GetWalletBalances(ctx context.Context) (domain.WalletBalances, error) {
	b.mu.Lock()
	symbols := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		symbols = append(symbols, sym)
	}
	b.mu.Unlock()

	marks := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if p, err := b.mark(ctx, sym); err == nil {
			marks[sym] = p
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	upnl := decimal.Zero
	for sym, pos := range b.positions {
		m, ok := marks[sym]
		if !ok {
			continue
		}
		upnl = upnl.Add(decimal.NewFromFloat(m).Sub(pos.entry).Mul(pos.size))
	}
	return domain.WalletBalances{
		Futures:       b.futures.InexactFloat64(),
		Spot:          b.spot.InexactFloat64(),
		UnrealizedPnL: upnl.InexactFloat64(),
	}, nil
}

// InternalTransfer moves funds between the paper wallets.
func (b *PaperBroker) InternalTransfer(_ context.Context, req domain.TransferRequest) (domain.TransferResult, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return domain.TransferResult{}, fmt.Errorf("paper: transfer amount %q: %w", req.Amount, domain.ErrValidation)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	from, to, err := b.walletsLocked(req.FromAccountType, req.ToAccountType)
	if err != nil {
		return domain.TransferResult{}, err
	}
	if from.LessThan(amount) {
		return domain.TransferResult{}, fmt.Errorf("paper: transfer %s %s: insufficient balance %s: %w",
			amount, req.Coin, from.StringFixed(2), domain.ErrValidation)
	}
	*from = from.Sub(amount)
	*to = to.Add(amount)

	id := uuid.NewString()
	b.logger.Info("paper: internal transfer",
		slog.String("transfer_id", id),
		slog.String("amount", amount.String()),
		slog.String("from", string(req.FromAccountType)),
		slog.String("to", string(req.ToAccountType)),
	)
	return domain.TransferResult{TransferID: id, Status: "SUCCESS"}, nil
}

func (b *PaperBroker) walletsLocked(from, to domain.AccountType) (*decimal.Decimal, *decimal.Decimal, error) {
	pick := func(a domain.AccountType) *decimal.Decimal {
		switch a {
		case domain.AccountFutures:
			return &b.futures
		case domain.AccountSpot:
			return &b.spot
		}
		return nil
	}
	f, t := pick(from), pick(to)
	if f == nil || t == nil || f == t {
		return nil, nil, fmt.Errorf("paper: transfer %s -> %s: %w", from, to, domain.ErrValidation)
	}
	return f, t, nil
}

// PlaceOrder fills market orders at mark plus adverse slippage and limit
// orders at the limit price when it is marketable. Non-marketable limits
// come back unfilled.
func (b *PaperBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.FillResult, error) {
	if req.Symbol == "" || !req.Side.Valid() || !(req.Size > 0) || math.IsInf(req.Size, 0) {
		return domain.FillResult{}, fmt.Errorf("paper: place order: %w", domain.ErrValidation)
	}
	mark, err := b.mark(ctx, req.Symbol)
	if err != nil {
		return domain.FillResult{}, err
	}
	sign := req.Side.Sign()
	price := mark * (1 + sign*b.cfg.SlippageBps/10000)
	orderID := uuid.NewString()

	if req.Type == domain.OrderTypeLimit && req.LimitPrice > 0 {
		if sign*(req.LimitPrice-mark) < 0 {
			return domain.FillResult{OrderID: orderID, RequestedSize: req.Size, ExpectedPrice: req.LimitPrice}, nil
		}
		price = req.LimitPrice
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size := decimal.NewFromFloat(req.Size)
	px := decimal.NewFromFloat(price)
	signed := size
	if sign < 0 {
		signed = size.Neg()
	}
	pos := b.positions[req.Symbol]
	if req.ReduceOnly {
		if pos == nil || pos.size.Sign() == signed.Sign() {
			return domain.FillResult{OrderID: orderID, RequestedSize: req.Size, ExpectedPrice: mark}, nil
		}
		if size.GreaterThan(pos.size.Abs()) {
			size = pos.size.Abs()
			signed = size.Mul(decimal.NewFromInt(int64(sign)))
		}
	}

	fee := size.Mul(px).Mul(decimal.NewFromFloat(b.cfg.FeeBps)).Div(decimal.NewFromInt(10000))
	b.futures = b.futures.Sub(fee)
	b.applyFillLocked(req.Symbol, signed, px)

	fillSize, _ := size.Float64()
	return domain.FillResult{
		OrderID:       orderID,
		Filled:        true,
		FillPrice:     price,
		FillSize:      fillSize,
		RequestedSize: req.Size,
		ExpectedPrice: mark,
		Fee:           fee.InexactFloat64(),
		FilledAt:      b.now(),
	}, nil
}

// applyFillLocked nets a signed fill into the paper position and realizes
// PnL on the reduced part.
func (b *PaperBroker) applyFillLocked(symbol string, signed, price decimal.Decimal) {
	pos := b.positions[symbol]
	if pos == nil || pos.size.IsZero() {
		b.positions[symbol] = &paperPosition{size: signed, entry: price}
		return
	}
	if pos.size.Sign() == signed.Sign() {
		total := pos.size.Add(signed)
		pos.entry = pos.size.Mul(pos.entry).Add(signed.Mul(price)).Div(total)
		pos.size = total
		return
	}
	closing := decimal.Min(pos.size.Abs(), signed.Abs())
	direction := decimal.NewFromInt(int64(pos.size.Sign()))
	b.futures = b.futures.Add(price.Sub(pos.entry).Mul(closing).Mul(direction))

	remaining := pos.size.Add(signed)
	switch {
	case remaining.IsZero():
		delete(b.positions, symbol)
	case remaining.Sign() == pos.size.Sign():
		pos.size = remaining
	default:
		b.positions[symbol] = &paperPosition{size: remaining, entry: price}
	}
}

func (b *PaperBroker) HealthCheck(context.Context) error {
	return nil
}

var _ domain.BrokerGateway = (*PaperBroker)(nil)
