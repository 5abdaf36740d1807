package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/data"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/gamma"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PolymarketClient implements Client over the SDK's data, gamma, and clob
// sub-clients.
type PolymarketClient struct {
	Data  data.Client
	Gamma gamma.Client
	Clob  clob.Client
}

func NewPolymarketClient(dataClient data.Client, gammaClient gamma.Client, clobClient clob.Client) *PolymarketClient {
	return &PolymarketClient{Data: dataClient, Gamma: gammaClient, Clob: clobClient}
}

func (c *PolymarketClient) FetchPositions(ctx context.Context, wallet string, sizeThreshold decimal.Decimal) ([]Position, error) {
	resp, err := c.Data.Positions(ctx, &data.PositionsRequest{User: common.HexToAddress(wallet)})
	if err != nil {
		return nil, Classify("fetch_positions", 0, err)
	}
	out := make([]Position, 0, len(resp))
	for _, p := range resp {
		size := decimal.NewFromFloat(p.Size)
		if size.LessThanOrEqual(sizeThreshold) {
			continue
		}
		out = append(out, Position{
			Asset:        p.Asset,
			ConditionID:  p.ConditionID,
			Size:         size,
			AvgPrice:     decimal.NewFromFloat(p.AvgPrice),
			InitialValue: decimal.NewFromFloat(p.InitialValue),
			CurrentValue: decimal.NewFromFloat(p.CurrentValue),
			CurrentPrice: decimal.NewFromFloat(p.CurrentPrice),
			CashPnL:      decimal.NewFromFloat(p.CashPnL),
			Outcome:      p.Outcome,
			Title:        p.Title,
		})
	}
	return out, nil
}

func (c *PolymarketClient) FetchTrades(ctx context.Context, wallet string, sinceUnix int64, limit int) ([]Trade, error) {
	resp, err := c.Data.Trades(ctx, &data.TradesRequest{
		User:  common.HexToAddress(wallet),
		Since: sinceUnix,
		Limit: limit,
	})
	if err != nil {
		return nil, Classify("fetch_trades", 0, err)
	}
	out := make([]Trade, 0, len(resp))
	for _, t := range resp {
		ts := time.Unix(t.Timestamp, 0).UTC()
		if ts.Unix() <= sinceUnix {
			continue
		}
		out = append(out, Trade{
			TradeID:   t.TradeID,
			Market:    t.Market,
			TokenID:   t.TokenID,
			Side:      OrderSide(t.Side),
			Size:      decimal.NewFromFloat(t.Size),
			Price:     decimal.NewFromFloat(t.Price),
			Timestamp: ts,
		})
	}
	return out, nil
}

func (c *PolymarketClient) FetchMarket(ctx context.Context, slugOrConditionID string) (MarketMeta, error) {
	m, err := c.Gamma.Market(ctx, slugOrConditionID)
	if err != nil {
		return MarketMeta{}, Classify("fetch_market", 0, err)
	}
	return MarketMeta{
		ConditionID:  m.ConditionID,
		Category:     m.Category,
		NegRisk:      m.NegRisk,
		TickSize:     decimal.NewFromFloat(m.TickSize),
		MinOrderSize: decimal.NewFromFloat(m.MinOrderSize),
		Liquidity:    decimal.NewFromFloat(m.Liquidity),
	}, nil
}

func (c *PolymarketClient) FetchMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, bool, error) {
	book, err := c.Clob.OrderBook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, false, Classify("fetch_midpoint", 0, err)
	}
	bid, bidOK := bestLevel(book.Bids)
	ask, askOK := bestLevel(book.Asks)
	if !bidOK || !askOK {
		return decimal.Zero, false, nil
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true, nil
}

func bestLevel(levels []clobtypes.Order) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(levels[0].Price), true
}

// FetchOpenOrders lists the operator's own still-resting orders for tokenID,
// used to check for a prior submission before the retry loop resubmits.
func (c *PolymarketClient) FetchOpenOrders(ctx context.Context, tokenID string) ([]OpenOrder, error) {
	resp, err := c.Clob.OpenOrders(ctx, &clobtypes.OpenOrdersRequest{TokenID: tokenID})
	if err != nil {
		return nil, Classify("fetch_open_orders", 0, err)
	}
	out := make([]OpenOrder, 0, len(resp))
	for _, o := range resp {
		out = append(out, OpenOrder{
			OrderID: o.OrderID,
			TokenID: o.TokenID,
			Side:    OrderSide(o.Side),
			Size:    decimal.NewFromFloat(o.Size),
			Price:   decimal.NewFromFloat(o.Price),
		})
	}
	return out, nil
}

func (c *PolymarketClient) CreateOrder(ctx context.Context, tokenID string, side OrderSide, size, price decimal.Decimal, negRisk bool, orderType OrderType, clientOrderID string) (OrderResult, error) {
	req := &clobtypes.OrderRequest{
		TokenID:       tokenID,
		Side:          string(side),
		Size:          size.InexactFloat64(),
		Price:         price.InexactFloat64(),
		NegRisk:       negRisk,
		OrderType:     string(orderType),
		ClientOrderID: clientOrderID,
	}
	resp, err := c.Clob.CreateOrder(ctx, req)
	if err != nil {
		return OrderResult{}, Classify("create_order", 0, err)
	}
	if resp == nil || resp.OrderID == "" {
		return OrderResult{}, &Error{Fatal, "create_order", fmt.Errorf("venue returned no order id")}
	}
	return OrderResult{OrderID: resp.OrderID, Status: resp.Status, Success: resp.Success}, nil
}
