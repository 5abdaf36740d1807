package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrader/polymarket-copytrader/internal/ledger"
	"github.com/copytrader/polymarket-copytrader/internal/monitor"
	"github.com/copytrader/polymarket-copytrader/internal/risk"
	"github.com/copytrader/polymarket-copytrader/internal/venue"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

type fakeClient struct {
	market      venue.MarketMeta
	orderErr    error
	transientN  int // number of Transient failures to return before succeeding
	calls       int
	lastSide    venue.OrderSide
	lastOrderTy venue.OrderType
	openOrders  []venue.OpenOrder
}

func (f *fakeClient) FetchPositions(context.Context, string, decimal.Decimal) ([]venue.Position, error) {
	return nil, nil
}
func (f *fakeClient) FetchTrades(context.Context, string, int64, int) ([]venue.Trade, error) {
	return nil, nil
}
func (f *fakeClient) FetchMarket(context.Context, string) (venue.MarketMeta, error) {
	return f.market, nil
}
func (f *fakeClient) FetchMidpoint(context.Context, string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}
func (f *fakeClient) FetchOpenOrders(context.Context, string) ([]venue.OpenOrder, error) {
	return f.openOrders, nil
}
func (f *fakeClient) CreateOrder(ctx context.Context, tokenID string, side venue.OrderSide, size, price decimal.Decimal, negRisk bool, orderType venue.OrderType, clientOrderID string) (venue.OrderResult, error) {
	f.calls++
	f.lastSide = side
	f.lastOrderTy = orderType
	if f.calls <= f.transientN {
		return venue.OrderResult{}, &venue.Error{Kind: venue.Transient, Op: "create_order", Err: errTransient}
	}
	if f.orderErr != nil {
		return venue.OrderResult{}, f.orderErr
	}
	return venue.OrderResult{OrderID: "ord-1", Status: "filled", Success: true}, nil
}

var errTransient = &stringErr{"temporary network error"}

type stringErr struct{ s string }

func (e *stringErr) Error() string { return e.s }

func testMarket() venue.MarketMeta {
	return venue.MarketMeta{TickSize: d("0.01"), MinOrderSize: d("1")}
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMult: 2, MaxAttempts: 3}
}

func TestExecuteBuyAcceptsAndCommits(t *testing.T) {
	client := &fakeClient{market: testMarket()}
	cache := venue.NewMarketCache(client, time.Minute)
	led := ledger.New()
	ex := New(client, cache, led, fastRetryConfig())

	fill := monitor.FillEvent{LeaderWallet: "0xA", AllocatedCapital: d("2000"), Market: "m", TokenID: "t", TradeID: "trade1", Price: d("0.503")}
	decision := risk.Decision{Accept: true, MirrorShares: d("20"), MirrorSizeUSD: d("10")}

	result := ex.ExecuteBuy(context.Background(), fill, decision, d("5000"))
	if !result.Accepted {
		t.Fatalf("expected accepted, got %+v", result)
	}
	if client.lastSide != venue.Buy || client.lastOrderTy != venue.GTC {
		t.Fatalf("expected BUY/GTC order, got %s/%s", client.lastSide, client.lastOrderTy)
	}

	pos, ok := led.PositionOf(ledger.PositionKey{Market: "m", TokenID: "t"})
	if !ok {
		t.Fatalf("expected mirror position to be committed")
	}
	if !pos.Size.Equal(d("20")) {
		t.Fatalf("position size = %s, want 20", pos.Size)
	}
}

func TestExecuteBuyRejectedDecisionSkipsOrder(t *testing.T) {
	client := &fakeClient{market: testMarket()}
	cache := venue.NewMarketCache(client, time.Minute)
	led := ledger.New()
	ex := New(client, cache, led, fastRetryConfig())

	fill := monitor.FillEvent{LeaderWallet: "0xA", AllocatedCapital: d("2000")}
	result := ex.ExecuteBuy(context.Background(), fill, risk.Decision{Accept: false, Reason: "below min order size"}, d("5000"))
	if !result.Rejected {
		t.Fatalf("expected rejected result")
	}
	if client.calls != 0 {
		t.Fatalf("expected no order call for a rejected decision")
	}
}

func TestExecuteBuyReleasesReservationOnPersistentOrderFailure(t *testing.T) {
	client := &fakeClient{market: testMarket(), orderErr: &venue.Error{Kind: venue.InvalidArgument, Op: "create_order", Err: errTransient}}
	cache := venue.NewMarketCache(client, time.Minute)
	led := ledger.New()
	ex := New(client, cache, led, fastRetryConfig())

	fill := monitor.FillEvent{LeaderWallet: "0xA", AllocatedCapital: d("2000"), Market: "m", TokenID: "t", TradeID: "trade1", Price: d("0.5")}
	decision := risk.Decision{Accept: true, MirrorShares: d("20"), MirrorSizeUSD: d("10")}

	result := ex.ExecuteBuy(context.Background(), fill, decision, d("5000"))
	if result.Accepted {
		t.Fatalf("expected failure, got accepted")
	}
	if !led.ExposureOf("0xA").IsZero() {
		t.Fatalf("expected reservation released, exposure = %s", led.ExposureOf("0xA"))
	}
}

func TestExecuteBuyRetriesTransientFailures(t *testing.T) {
	client := &fakeClient{market: testMarket(), transientN: 2}
	cache := venue.NewMarketCache(client, time.Minute)
	led := ledger.New()
	ex := New(client, cache, led, fastRetryConfig())

	fill := monitor.FillEvent{LeaderWallet: "0xA", AllocatedCapital: d("2000"), Market: "m", TokenID: "t", TradeID: "trade1", Price: d("0.5")}
	decision := risk.Decision{Accept: true, MirrorShares: d("20"), MirrorSizeUSD: d("10")}

	result := ex.ExecuteBuy(context.Background(), fill, decision, d("5000"))
	if !result.Accepted {
		t.Fatalf("expected eventual success after retries, got %+v", result)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts (2 transient + 1 success), got %d", client.calls)
	}
}

func TestExecuteBuyAdoptsExistingOpenOrderInsteadOfResubmitting(t *testing.T) {
	client := &fakeClient{
		market:     testMarket(),
		orderErr:   &venue.Error{Kind: venue.Transient, Op: "create_order", Err: errTransient},
		transientN: 99, // every CreateOrder call would fail if actually attempted again
		openOrders: []venue.OpenOrder{{OrderID: "already-live", TokenID: "t", Side: venue.Buy, Size: d("20"), Price: d("0.50")}},
	}
	cache := venue.NewMarketCache(client, time.Minute)
	led := ledger.New()
	ex := New(client, cache, led, fastRetryConfig())

	fill := monitor.FillEvent{LeaderWallet: "0xA", AllocatedCapital: d("2000"), Market: "m", TokenID: "t", TradeID: "trade1", Price: d("0.5")}
	decision := risk.Decision{Accept: true, MirrorShares: d("20"), MirrorSizeUSD: d("10")}

	result := ex.ExecuteBuy(context.Background(), fill, decision, d("5000"))
	if !result.Accepted {
		t.Fatalf("expected the matching open order to be adopted, got %+v", result)
	}
	if client.calls != 1 {
		t.Fatalf("expected exactly one CreateOrder call before the open-order match short-circuits retry, got %d", client.calls)
	}
}

func TestExecuteSellNoMirrorPositionIsNoOp(t *testing.T) {
	client := &fakeClient{market: testMarket()}
	cache := venue.NewMarketCache(client, time.Minute)
	led := ledger.New()
	ex := New(client, cache, led, fastRetryConfig())

	fill := monitor.FillEvent{Market: "m", TokenID: "missing", TradeID: "trade2"}
	result := ex.ExecuteSell(context.Background(), fill, d("1"))
	if !result.Accepted {
		t.Fatalf("expected no-op success, got %+v", result)
	}
	if client.calls != 0 {
		t.Fatalf("expected no order placed for missing mirror position")
	}
	if !led.IsProcessed("trade2") {
		t.Fatalf("expected no-op SELL to be marked processed")
	}
}

func TestExecuteSellReducesPositionUsingFOK(t *testing.T) {
	client := &fakeClient{market: testMarket()}
	cache := venue.NewMarketCache(client, time.Minute)
	led := ledger.New()
	ex := New(client, cache, led, fastRetryConfig())

	buyFill := monitor.FillEvent{LeaderWallet: "0xA", AllocatedCapital: d("2000"), Market: "m", TokenID: "t", TradeID: "trade1", Price: d("0.5")}
	ex.ExecuteBuy(context.Background(), buyFill, risk.Decision{Accept: true, MirrorShares: d("20"), MirrorSizeUSD: d("10")}, d("5000"))

	sellFill := monitor.FillEvent{Market: "m", TokenID: "t", TradeID: "trade2", Price: d("0.6")}
	result := ex.ExecuteSell(context.Background(), sellFill, d("0.5"))
	if !result.Accepted {
		t.Fatalf("expected sell to succeed, got %+v", result)
	}
	if client.lastSide != venue.Sell || client.lastOrderTy != venue.FOK {
		t.Fatalf("expected SELL/FOK order, got %s/%s", client.lastSide, client.lastOrderTy)
	}

	pos, ok := led.PositionOf(ledger.PositionKey{Market: "m", TokenID: "t"})
	if !ok {
		t.Fatalf("expected position to survive partial reduction")
	}
	if !pos.Size.Equal(d("10")) {
		t.Fatalf("size = %s, want 10 after 50%% reduction", pos.Size)
	}
}
