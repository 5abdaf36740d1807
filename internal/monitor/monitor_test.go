package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrader/polymarket-copytrader/internal/config"
	"github.com/copytrader/polymarket-copytrader/internal/venue"
)

type fakeClient struct {
	trades []venue.Trade
}

func (f *fakeClient) FetchPositions(context.Context, string, decimal.Decimal) ([]venue.Position, error) {
	return nil, nil
}
func (f *fakeClient) FetchTrades(ctx context.Context, wallet string, since int64, limit int) ([]venue.Trade, error) {
	var out []venue.Trade
	for _, t := range f.trades {
		if t.Timestamp.Unix() > since {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeClient) FetchMarket(context.Context, string) (venue.MarketMeta, error) {
	return venue.MarketMeta{}, nil
}
func (f *fakeClient) FetchMidpoint(context.Context, string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}
func (f *fakeClient) CreateOrder(context.Context, string, venue.OrderSide, decimal.Decimal, decimal.Decimal, bool, venue.OrderType, string) (venue.OrderResult, error) {
	return venue.OrderResult{}, nil
}
func (f *fakeClient) FetchOpenOrders(context.Context, string) ([]venue.OpenOrder, error) {
	return nil, nil
}

func leader() config.LeaderConfig {
	return config.LeaderConfig{Name: "A", WalletAddress: "0xA", AllocatedCapital: decimal.NewFromInt(2000), Enabled: true}
}

func TestPollReturnsAscendingNewFills(t *testing.T) {
	base := time.Unix(1000, 0).UTC()
	client := &fakeClient{trades: []venue.Trade{
		{TradeID: "t2", Timestamp: base.Add(2 * time.Second), Side: venue.Buy, Size: decimal.NewFromInt(1), Price: decimal.NewFromFloat(0.5)},
		{TradeID: "t1", Timestamp: base.Add(1 * time.Second), Side: venue.Buy, Size: decimal.NewFromInt(1), Price: decimal.NewFromFloat(0.5)},
	}}
	m := NewMonitor(client, 5*time.Second)

	events, err := m.Poll(context.Background(), leader())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].TradeID != "t1" || events[1].TradeID != "t2" {
		t.Fatalf("expected ascending order, got %v", events)
	}
	if events[0].LeaderName != "A" || !events[0].AllocatedCapital.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected leader enrichment, got %+v", events[0])
	}
}

func TestPollDropsAlreadySeenTrades(t *testing.T) {
	base := time.Unix(1000, 0).UTC()
	client := &fakeClient{trades: []venue.Trade{
		{TradeID: "t1", Timestamp: base, Side: venue.Buy, Size: decimal.NewFromInt(1), Price: decimal.NewFromFloat(0.5)},
	}}
	m := NewMonitor(client, 5*time.Second)

	first, err := m.Poll(context.Background(), leader())
	if err != nil || len(first) != 1 {
		t.Fatalf("first poll: %v %v", first, err)
	}

	// Re-fetching (e.g. overlap window) returns t1 again; it must be dropped.
	second, err := m.Poll(context.Background(), leader())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected duplicate trade to be dropped, got %v", second)
	}
}

func TestPollAdvancesLastSeenTS(t *testing.T) {
	base := time.Unix(1000, 0).UTC()
	client := &fakeClient{trades: []venue.Trade{
		{TradeID: "t1", Timestamp: base, Side: venue.Buy, Size: decimal.NewFromInt(1), Price: decimal.NewFromFloat(0.5)},
	}}
	m := NewMonitor(client, 5*time.Second)
	if _, err := m.Poll(context.Background(), leader()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := m.LastSeen("0xA"); got != base.Unix() {
		t.Fatalf("last_seen_ts = %d, want %d", got, base.Unix())
	}
}
