// Package venue adapts the external prediction-market venue (REST + order
// placement) behind a small typed interface, so every caller works with
// plain structs instead of raw venue payloads.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide mirrors the venue's two trade directions.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType is the venue's time-in-force selector.
type OrderType string

const (
	GTC OrderType = "GTC"
	FOK OrderType = "FOK"
)

// Position is a read-only snapshot of one open position on a wallet.
type Position struct {
	Asset         string
	ConditionID   string
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	InitialValue  decimal.Decimal
	CurrentValue  decimal.Decimal
	CurrentPrice  decimal.Decimal
	CashPnL       decimal.Decimal
	Outcome       string
	Title         string
}

// Trade is one fill as reported by the venue's trade feed.
type Trade struct {
	TradeID   string
	Market    string
	TokenID   string
	Side      OrderSide
	Size      decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// MarketMeta is the cacheable metadata needed to size and place orders.
type MarketMeta struct {
	ConditionID string
	Category    string
	NegRisk     bool
	TickSize    decimal.Decimal
	MinOrderSize decimal.Decimal
	Liquidity   decimal.Decimal
}

// OrderResult is the venue's acknowledgement of a create_order call.
type OrderResult struct {
	OrderID string
	Status  string
	Success bool
}

// OpenOrder is one still-resting order on the book, as reported by the
// venue's open-orders query. The executor's retry path uses this to detect
// a prior attempt that actually reached the venue before a network failure
// lost its response, so it never places a second order for the same fill.
type OpenOrder struct {
	OrderID string
	TokenID string
	Side    OrderSide
	Size    decimal.Decimal
	Price   decimal.Decimal
}

// Client is the full venue capability set. Every method returns a *Error whose
// Kind is one of the six-member taxonomy in errors.go.
type Client interface {
	FetchPositions(ctx context.Context, wallet string, sizeThreshold decimal.Decimal) ([]Position, error)
	FetchTrades(ctx context.Context, wallet string, sinceUnix int64, limit int) ([]Trade, error)
	FetchMarket(ctx context.Context, slugOrConditionID string) (MarketMeta, error)
	FetchMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, bool, error)
	CreateOrder(ctx context.Context, tokenID string, side OrderSide, size, price decimal.Decimal, negRisk bool, orderType OrderType, clientOrderID string) (OrderResult, error)
	FetchOpenOrders(ctx context.Context, tokenID string) ([]OpenOrder, error)
}
