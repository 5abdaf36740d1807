package venue

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestClassifyNilErrorAndStatusIsNil(t *testing.T) {
	if got := Classify("op", 0, nil); got != nil {
		t.Fatalf("expected nil for no error and no status, got %+v", got)
	}
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, Auth},
		{http.StatusForbidden, Auth},
		{http.StatusTooManyRequests, RateLimited},
		{http.StatusNotFound, NotFound},
		{http.StatusBadRequest, InvalidArgument},
		{http.StatusUnprocessableEntity, InvalidArgument},
		{http.StatusInternalServerError, Transient},
		{http.StatusBadGateway, Transient},
	}
	for _, tc := range cases {
		got := Classify("op", tc.status, nil)
		if got.Kind != tc.want {
			t.Errorf("status %d: kind = %s, want %s", tc.status, got.Kind, tc.want)
		}
	}
}

func TestClassifySubstringFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"dial tcp: connection refused", Transient},
		{"context deadline exceeded", Transient},
		{"invalid signature for order", Auth},
		{"market not found", NotFound},
		{"rate limit exceeded", RateLimited},
		{"malformed request body", InvalidArgument},
		{"unexpected venue outage", Fatal},
	}
	for _, tc := range cases {
		got := Classify("op", 0, errors.New(tc.msg))
		if got.Kind != tc.want {
			t.Errorf("msg %q: kind = %s, want %s", tc.msg, got.Kind, tc.want)
		}
	}
}

func TestErrorRetryable(t *testing.T) {
	if !(&Error{Kind: Transient}).Retryable() {
		t.Fatalf("Transient should be retryable")
	}
	if !(&Error{Kind: RateLimited}).Retryable() {
		t.Fatalf("RateLimited should be retryable")
	}
	if (&Error{Kind: Auth}).Retryable() {
		t.Fatalf("Auth should not be retryable")
	}
	if (&Error{Kind: InvalidArgument}).Retryable() {
		t.Fatalf("InvalidArgument should not be retryable")
	}
}

type fakeMarketClient struct {
	meta    MarketMeta
	err     error
	calls   int
}

func (f *fakeMarketClient) FetchPositions(context.Context, string, decimal.Decimal) ([]Position, error) {
	return nil, nil
}
func (f *fakeMarketClient) FetchTrades(context.Context, string, int64, int) ([]Trade, error) {
	return nil, nil
}
func (f *fakeMarketClient) FetchMarket(context.Context, string) (MarketMeta, error) {
	f.calls++
	if f.err != nil {
		return MarketMeta{}, f.err
	}
	return f.meta, nil
}
func (f *fakeMarketClient) FetchMidpoint(context.Context, string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}
func (f *fakeMarketClient) CreateOrder(context.Context, string, OrderSide, decimal.Decimal, decimal.Decimal, bool, OrderType, string) (OrderResult, error) {
	return OrderResult{}, nil
}
func (f *fakeMarketClient) FetchOpenOrders(context.Context, string) ([]OpenOrder, error) {
	return nil, nil
}

func TestMarketCacheFetchesOnceWithinTTL(t *testing.T) {
	client := &fakeMarketClient{meta: MarketMeta{TickSize: decimal.NewFromFloat(0.01)}}
	cache := NewMarketCache(client, time.Minute)

	for i := 0; i < 3; i++ {
		meta, err := cache.Get(context.Background(), "cond-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !meta.TickSize.Equal(decimal.NewFromFloat(0.01)) {
			t.Fatalf("tick_size = %s, want 0.01", meta.TickSize)
		}
	}
	if client.calls != 1 {
		t.Fatalf("expected a single underlying fetch within TTL, got %d", client.calls)
	}
}

func TestMarketCacheRefetchesAfterTTLExpiry(t *testing.T) {
	client := &fakeMarketClient{meta: MarketMeta{TickSize: decimal.NewFromFloat(0.01)}}
	cache := NewMarketCache(client, time.Millisecond)

	if _, err := cache.Get(context.Background(), "cond-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := cache.Get(context.Background(), "cond-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected a refetch after TTL expiry, got %d calls", client.calls)
	}
}

func TestMarketCacheServesStaleEntryErrorOnRefetchFailure(t *testing.T) {
	client := &fakeMarketClient{meta: MarketMeta{TickSize: decimal.NewFromFloat(0.02)}}
	cache := NewMarketCache(client, time.Millisecond)

	if _, err := cache.Get(context.Background(), "cond-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	client.err = &Error{Kind: Transient, Op: "fetch_market", Err: errors.New("temporary outage")}

	meta, err := cache.Get(context.Background(), "cond-1")
	if err == nil {
		t.Fatalf("expected the refetch error to surface")
	}
	if !meta.TickSize.Equal(decimal.NewFromFloat(0.02)) {
		t.Fatalf("expected the stale entry's metadata alongside the error, got tick_size=%s", meta.TickSize)
	}
}

func TestMarketCacheInvalidateForcesRefetch(t *testing.T) {
	client := &fakeMarketClient{meta: MarketMeta{TickSize: decimal.NewFromFloat(0.01)}}
	cache := NewMarketCache(client, time.Minute)

	cache.Get(context.Background(), "cond-1")
	cache.Invalidate("cond-1")
	cache.Get(context.Background(), "cond-1")

	if client.calls != 2 {
		t.Fatalf("expected invalidate to force a refetch, got %d calls", client.calls)
	}
}
