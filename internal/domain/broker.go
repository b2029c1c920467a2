package domain

import (
	"context"
	"time"
)

// AccountType names an exchange wallet.
type AccountType string

const (
	AccountFutures AccountType = "CONTRACT"
	AccountSpot    AccountType = "SPOT"
)

// OrderType is the execution style requested from the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest is an order submitted through the broker gateway.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Size          float64
	LimitPrice    float64
	StopLoss      float64
	TakeProfit    float64
	Leverage      float64
	ReduceOnly    bool
}

// FillResult is the broker's answer to an order.
type FillResult struct {
	OrderID       string    `json:"order_id"`
	Filled        bool      `json:"filled"`
	FillPrice     float64   `json:"fill_price"`
	FillSize      float64   `json:"fill_size"`
	RequestedSize float64   `json:"requested_size"`
	ExpectedPrice float64   `json:"expected_price,omitempty"`
	Fee           float64   `json:"fee"`
	FilledAt      time.Time `json:"filled_at"`
}

// FillPercent is the filled share of the requested size, 0-100.
func (f FillResult) FillPercent() float64 {
	if f.RequestedSize <= 0 {
		if f.Filled {
			return 100
		}
		return 0
	}
	pct := f.FillSize / f.RequestedSize * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// WalletBalances is the raw balance answer from the broker.
type WalletBalances struct {
	Futures       float64
	Spot          float64
	UnrealizedPnL float64
}

// TransferRequest moves funds between exchange wallets.
type TransferRequest struct {
	Coin            string
	Amount          string
	FromAccountType AccountType
	ToAccountType   AccountType
}

// TransferResult is the broker's acknowledgement of a transfer.
type TransferResult struct {
	TransferID string
	Status     string
}

// BrokerGateway abstracts the exchange. Every method may fail transiently.
type BrokerGateway interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	Get24hVolume(ctx context.Context, symbol string) (float64, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetSpotPrice(ctx context.Context, symbol string) (float64, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	GetWalletBalances(ctx context.Context) (WalletBalances, error)
	InternalTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (FillResult, error)
	HealthCheck(ctx context.Context) error
}
