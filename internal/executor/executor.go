// Package executor turns an accepted risk Decision into a venue order, with
// the ledger's reserve/commit/release protocol guarding exposure across the
// call and an exponential-backoff retry loop absorbing transient venue
// failures.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrader/polymarket-copytrader/internal/ledger"
	"github.com/copytrader/polymarket-copytrader/internal/monitor"
	"github.com/copytrader/polymarket-copytrader/internal/risk"
	"github.com/copytrader/polymarket-copytrader/internal/venue"
)

// RetryConfig describes an exponential backoff: a starting delay, a cap,
// and a multiplicative factor, with a hard attempt ceiling.
type RetryConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffMult    float64
	MaxAttempts    int
}

// DefaultRetryConfig returns a 500ms base delay, factor 2, cap 30s, and a
// 5-attempt ceiling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffMult:    2,
		MaxAttempts:    5,
	}
}

// Result is the outcome of one Execute call.
type Result struct {
	Accepted bool
	Rejected bool
	Reason   string
	Order    venue.OrderResult
	Err      error
}

// Executor places mirror orders against the venue, guarded by the ledger.
type Executor struct {
	client venue.Client
	market *venue.MarketCache
	ledger *ledger.Ledger
	retry  RetryConfig
}

func New(client venue.Client, market *venue.MarketCache, led *ledger.Ledger, retry RetryConfig) *Executor {
	return &Executor{client: client, market: market, ledger: led, retry: retry}
}

// ExecuteBuy carries an accepted BUY decision through reserve → round →
// create_order → commit|release. maxTotalExposure is the configured global
// cap, passed through from the orchestrator's config.
func (e *Executor) ExecuteBuy(ctx context.Context, fill monitor.FillEvent, decision risk.Decision, maxTotalExposure decimal.Decimal) Result {
	if !decision.Accept {
		return Result{Rejected: true, Reason: decision.Reason}
	}

	token, err := e.ledger.Reserve(fill.LeaderWallet, decision.MirrorSizeUSD, fill.AllocatedCapital, maxTotalExposure)
	if err != nil {
		return Result{Rejected: true, Reason: "ledger rejected reservation at commit time"}
	}

	meta, err := e.market.Get(ctx, fill.Market)
	if err != nil {
		e.ledger.Release(token)
		return Result{Err: fmt.Errorf("fetch market metadata: %w", err)}
	}

	price := roundToTick(fill.Price, meta.TickSize, true)
	clientOrderID := fmt.Sprintf("buy-%s-%s", fill.TradeID, fill.TokenID)

	order, err := e.submitWithRetry(ctx, "create_order_buy", fill.TokenID, venue.Buy, decision.MirrorShares, price, func() (venue.OrderResult, error) {
		return e.client.CreateOrder(ctx, fill.TokenID, venue.Buy, decision.MirrorShares, price, meta.NegRisk, venue.GTC, clientOrderID)
	})
	if err != nil {
		e.ledger.Release(token)
		return Result{Err: err}
	}

	key := ledger.PositionKey{Market: fill.Market, TokenID: fill.TokenID}
	if cerr := e.ledger.Commit(token, key, fill.LeaderWallet, fill.TradeID, decision.MirrorShares, price, time.Now()); cerr != nil {
		return Result{Err: fmt.Errorf("commit after successful order: %w", cerr)}
	}

	return Result{Accepted: true, Order: order}
}

// ExecuteSell carries a SELL-side reduction/exit through the FOK envelope
// and applies the proportional reduction to the ledger.
func (e *Executor) ExecuteSell(ctx context.Context, fill monitor.FillEvent, soldFraction decimal.Decimal) Result {
	if soldFraction.LessThanOrEqual(decimal.Zero) {
		return Result{Rejected: true, Reason: "no reduction in leader's position"}
	}

	key := ledger.PositionKey{Market: fill.Market, TokenID: fill.TokenID}
	pos, ok := e.ledger.PositionOf(key)
	if !ok {
		// No mirror position to reduce: a no-op, but still mark processed so
		// the fill is never re-evaluated.
		e.ledger.MarkProcessed(fill.TradeID)
		return Result{Accepted: true}
	}

	meta, err := e.market.Get(ctx, fill.Market)
	if err != nil {
		return Result{Err: fmt.Errorf("fetch market metadata: %w", err)}
	}

	sellShares := pos.Size.Mul(soldFraction)
	price := fill.Price
	if mid, ok, merr := e.client.FetchMidpoint(ctx, fill.TokenID); merr == nil && ok {
		price = mid
	}
	price = roundToTick(price, meta.TickSize, false)
	clientOrderID := fmt.Sprintf("sell-%s-%s", fill.TradeID, fill.TokenID)

	order, err := e.submitWithRetry(ctx, "create_order_sell", fill.TokenID, venue.Sell, sellShares, price, func() (venue.OrderResult, error) {
		return e.client.CreateOrder(ctx, fill.TokenID, venue.Sell, sellShares, price, meta.NegRisk, venue.FOK, clientOrderID)
	})
	if err != nil {
		return Result{Err: err}
	}

	proceeds := sellShares.Mul(price)
	if err := e.ledger.ApplyReduction(key, soldFraction, proceeds, fill.TradeID, time.Now()); err != nil {
		return Result{Err: fmt.Errorf("apply_reduction after successful order: %w", err)}
	}

	return Result{Accepted: true, Order: order}
}

// submitWithRetry retries Transient/RateLimited venue errors with
// exponential backoff; InvalidArgument and Auth fail immediately. A
// Transient error can mean the order actually reached the venue and only
// the acknowledgement was lost, so before every resubmission it first
// checks open orders for a resting (token_id, side, size, price) match and
// adopts that order instead of risking a duplicate.
func (e *Executor) submitWithRetry(ctx context.Context, op, tokenID string, side venue.OrderSide, size, price decimal.Decimal, call func() (venue.OrderResult, error)) (venue.OrderResult, error) {
	backoff := e.retry.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if existing, ok := e.findOpenOrder(ctx, tokenID, side, size, price); ok {
				return existing, nil
			}
		}

		order, err := call()
		if err == nil {
			return order, nil
		}
		lastErr = err

		verr, ok := err.(*venue.Error)
		if !ok || !verr.Retryable() {
			return venue.OrderResult{}, err
		}
		if attempt == e.retry.MaxAttempts {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 4 + 1))
		select {
		case <-ctx.Done():
			return venue.OrderResult{}, ctx.Err()
		case <-time.After(backoff + jitter):
		}

		backoff = time.Duration(float64(backoff) * e.retry.BackoffMult)
		if backoff > e.retry.MaxBackoff {
			backoff = e.retry.MaxBackoff
		}
	}
	return venue.OrderResult{}, fmt.Errorf("%s: exhausted %d attempts: %w", op, e.retry.MaxAttempts, lastErr)
}

// openOrderMatchTolerance bounds the size/price difference still treated as
// "the same order" when matching against the open-orders query; the venue
// echoes back the rounded price and size it actually booked, which can
// differ from the request by sub-cent float noise.
var openOrderMatchTolerance = decimal.NewFromFloat(0.0001)

// findOpenOrder looks for a still-resting order matching (tokenID, side,
// size, price) within tolerance. A query failure is treated as "no match"
// rather than aborting the retry loop, since the retry's own backoff
// already absorbs a flaky open-orders lookup.
func (e *Executor) findOpenOrder(ctx context.Context, tokenID string, side venue.OrderSide, size, price decimal.Decimal) (venue.OrderResult, bool) {
	open, err := e.client.FetchOpenOrders(ctx, tokenID)
	if err != nil {
		return venue.OrderResult{}, false
	}
	for _, o := range open {
		if o.Side != side {
			continue
		}
		if o.Size.Sub(size).Abs().GreaterThan(openOrderMatchTolerance) {
			continue
		}
		if o.Price.Sub(price).Abs().GreaterThan(openOrderMatchTolerance) {
			continue
		}
		return venue.OrderResult{OrderID: o.OrderID, Status: "LIVE", Success: true}, true
	}
	return venue.OrderResult{}, false
}

// roundToTick rounds price to the nearest tick_size, down for buys and up
// for sells, so the venue never rejects an order for an off-tick price.
func roundToTick(price, tickSize decimal.Decimal, roundDown bool) decimal.Decimal {
	if tickSize.LessThanOrEqual(decimal.Zero) {
		return price
	}
	ticks := price.Div(tickSize)
	if roundDown {
		ticks = ticks.Floor()
	} else {
		ticks = ticks.Ceil()
	}
	return ticks.Mul(tickSize)
}
