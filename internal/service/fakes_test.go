package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memDB is an in-memory DatabaseManager.
type memDB struct {
	mu        sync.Mutex
	rows      []domain.PositionRow
	active    map[string]domain.PositionRow
	closed    map[string]domain.PositionClose
	trades    []domain.TradeRecord
	events    []domain.SystemEvent
	getErr    error
	insertErr error
}

func newMemDB() *memDB {
	return &memDB{
		active: make(map[string]domain.PositionRow),
		closed: make(map[string]domain.PositionClose),
	}
}

func (d *memDB) GetActivePositions(context.Context) ([]domain.PositionRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.getErr != nil {
		return nil, d.getErr
	}
	return append([]domain.PositionRow(nil), d.rows...), nil
}

func (d *memDB) InsertPosition(_ context.Context, row domain.PositionRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.insertErr != nil {
		return d.insertErr
	}
	d.active[row.Symbol] = row
	return nil
}

func (d *memDB) UpdatePosition(_ context.Context, symbol string, patch domain.PositionPatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.active[symbol]
	if !ok {
		return domain.ErrNotFound
	}
	row.Side, row.Size, row.AvgEntry = patch.Side, patch.Size, patch.AvgEntry
	row.CurrentStop, row.CurrentTP = patch.CurrentStop, patch.CurrentTP
	d.active[symbol] = row
	return nil
}

func (d *memDB) ClosePosition(_ context.Context, symbol string, c domain.PositionClose) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, symbol)
	d.closed[symbol] = c
	return nil
}

func (d *memDB) LogEvent(_ context.Context, kind string, detail map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, domain.SystemEvent{ID: int64(len(d.events) + 1), Kind: kind, Detail: detail, CreatedAt: time.Now()})
	return nil
}

// ListEvents returns matching events newest first.
func (d *memDB) ListEvents(_ context.Context, kind string, opts domain.ListOpts) ([]domain.SystemEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.SystemEvent
	for i := len(d.events) - 1; i >= 0; i-- {
		e := d.events[i]
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (d *memDB) InsertTrade(_ context.Context, t domain.TradeRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trades = append(d.trades, t)
	return nil
}

func (d *memDB) ListTrades(context.Context, domain.ListOpts) ([]domain.TradeRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.TradeRecord(nil), d.trades...), nil
}

func (d *memDB) DeleteTradesBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("not implemented")
}

func (d *memDB) eventKinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Kind)
	}
	return out
}

var _ domain.DatabaseManager = (*memDB)(nil)

// walletBroker is a BrokerGateway that only models wallets and transfers.
type walletBroker struct {
	mu        sync.Mutex
	balances  domain.WalletBalances
	balErr    error
	transfer  func(n int, req domain.TransferRequest) error
	transfers []domain.TransferRequest
}

func (b *walletBroker) GetCurrentPrice(context.Context, string) (float64, error) { return 0, nil }
func (b *walletBroker) Get24hVolume(context.Context, string) (float64, error)    { return 0, nil }
func (b *walletBroker) GetFundingRate(context.Context, string) (float64, error)  { return 0, nil }
func (b *walletBroker) FetchOHLCV(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}
func (b *walletBroker) GetSpotPrice(context.Context, string) (float64, error) { return 0, nil }
func (b *walletBroker) GetOrderBook(context.Context, string, int) (domain.OrderBook, error) {
	return domain.OrderBook{}, domain.ErrUnsupported
}
func (b *walletBroker) PlaceOrder(context.Context, domain.OrderRequest) (domain.FillResult, error) {
	return domain.FillResult{}, domain.ErrUnsupported
}
func (b *walletBroker) HealthCheck(context.Context) error { return nil }

func (b *walletBroker) GetWalletBalances(context.Context) (domain.WalletBalances, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balErr != nil {
		return domain.WalletBalances{}, b.balErr
	}
	return b.balances, nil
}

// InternalTransfer moves the amount when the transfer hook allows it.
func (b *walletBroker) InternalTransfer(_ context.Context, req domain.TransferRequest) (domain.TransferResult, error) {
	b.mu.Lock()
	b.transfers = append(b.transfers, req)
	n, fn := len(b.transfers), b.transfer
	b.mu.Unlock()
	if fn != nil {
		if err := fn(n, req); err != nil {
			return domain.TransferResult{}, err
		}
	}
	amount, err := strconv.ParseFloat(req.Amount, 64)
	if err != nil {
		return domain.TransferResult{}, err
	}
	b.mu.Lock()
	b.balances.Futures -= amount
	b.balances.Spot += amount
	b.mu.Unlock()
	return domain.TransferResult{TransferID: fmt.Sprintf("tx-%d", n), Status: "SUCCESS"}, nil
}

func (b *walletBroker) transferCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transfers)
}

var _ domain.BrokerGateway = (*walletBroker)(nil)

type stubLock struct{ err error }

func (l stubLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	return func() {}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}
