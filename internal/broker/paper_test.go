package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

func newPaper(t *testing.T) *PaperBroker {
	t.Helper()
	cfg := PaperConfig{
		FuturesBalance: 1000,
		SpotBalance:    100,
		SlippageBps:    10,
		FeeBps:         0,
		SpreadBps:      2,
		Prices:         map[string]float64{"BTCUSDT": 50000},
	}
	return NewPaperBroker(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPaperBroker_MarketFillWithSlippage(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()

	fill, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideLong, Type: domain.OrderTypeMarket, Size: 0.01})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if !fill.Filled || fill.FillSize != 0.01 {
		t.Fatalf("unexpected fill %+v", fill)
	}
	if want := 50000 * 1.001; math.Abs(fill.FillPrice-want) > 1e-6 {
		t.Errorf("expected fill %v, got %v", want, fill.FillPrice)
	}
	if fill.ExpectedPrice != 50000 {
		t.Errorf("expected price should be the mark, got %v", fill.ExpectedPrice)
	}
}

func TestPaperBroker_RoundTripRealizesPnL(t *testing.T) {
	b := newPaper(t)
	b.cfg.SlippageBps = 0
	ctx := context.Background()

	if _, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideLong, Size: 0.1}); err != nil {
		t.Fatal(err)
	}
	b.SetPrice("BTCUSDT", 51000)

	bal, err := b.GetWalletBalances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(bal.UnrealizedPnL-100) > 1e-6 {
		t.Errorf("expected 100 unrealized, got %v", bal.UnrealizedPnL)
	}

	if _, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideShort, Size: 0.1, ReduceOnly: true}); err != nil {
		t.Fatal(err)
	}
	bal, _ = b.GetWalletBalances(ctx)
	if math.Abs(bal.Futures-1100) > 1e-6 || bal.UnrealizedPnL != 0 {
		t.Errorf("expected futures 1100 flat, got %+v", bal)
	}
}

func TestPaperBroker_ReduceOnlyWithoutPosition(t *testing.T) {
	b := newPaper(t)
	fill, err := b.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideShort, Size: 1, ReduceOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if fill.Filled {
		t.Error("reduce-only order without a position must not fill")
	}
}

func TestPaperBroker_InternalTransfer(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		req     domain.TransferRequest
		wantErr bool
	}{
		{"futures to spot", domain.TransferRequest{Coin: "USDT", Amount: "250.50", FromAccountType: domain.AccountFutures, ToAccountType: domain.AccountSpot}, false},
		{"insufficient", domain.TransferRequest{Coin: "USDT", Amount: "5000", FromAccountType: domain.AccountFutures, ToAccountType: domain.AccountSpot}, true},
		{"bad amount", domain.TransferRequest{Coin: "USDT", Amount: "abc", FromAccountType: domain.AccountFutures, ToAccountType: domain.AccountSpot}, true},
		{"same wallet", domain.TransferRequest{Coin: "USDT", Amount: "1", FromAccountType: domain.AccountSpot, ToAccountType: domain.AccountSpot}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := b.InternalTransfer(ctx, tt.req)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil || res.TransferID == "" {
				t.Fatalf("transfer: %v %+v", err, res)
			}
		})
	}
	bal, _ := b.GetWalletBalances(ctx)
	if math.Abs(bal.Futures-749.5) > 1e-9 || math.Abs(bal.Spot-350.5) > 1e-9 {
		t.Errorf("unexpected balances %+v", bal)
	}
}

func TestPaperBroker_OrderBookAroundMark(t *testing.T) {
	b := newPaper(t)
	book, err := b.GetOrderBook(context.Background(), "BTCUSDT", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Bids) != 5 || len(book.Asks) != 5 {
		t.Fatalf("expected 5 levels, got %d/%d", len(book.Bids), len(book.Asks))
	}
	if math.Abs(book.Mid()-50000) > 1e-6 {
		t.Errorf("mid should equal mark, got %v", book.Mid())
	}
	if _, err := b.GetOrderBook(context.Background(), "DOGEUSDT", 5); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown symbol, got %v", err)
	}
}
