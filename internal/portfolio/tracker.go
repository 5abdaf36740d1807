// Package portfolio maintains per-leader snapshots of deployed capital,
// total portfolio value, and deployment rate, refreshed on a slow timer.
package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/copytrader/polymarket-copytrader/internal/venue"
)

// Snapshot is the per-leader PortfolioSnapshot from the data model.
type Snapshot struct {
	TotalValue      decimal.Decimal
	Deployed        decimal.Decimal
	CashReserve     decimal.Decimal
	DeploymentRate  float64
	PositionCount   int
	FetchedAt       time.Time
}

// dustThreshold filters near-zero positions out of portfolio math before
// they can skew the deployment rate.
const dustThreshold = "0.01"

// Tracker maintains one Snapshot per leader wallet behind a single mutex,
// atomically replacing each leader's entry on Sync.
type Tracker struct {
	client venue.Client

	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewTracker(client venue.Client) *Tracker {
	return &Tracker{client: client, snapshots: make(map[string]Snapshot)}
}

// Sync fetches wallet's open positions and recomputes its Snapshot,
// atomically replacing the stored value. A Transient fetch error leaves the
// prior snapshot in place rather than zeroing it out.
func (t *Tracker) Sync(ctx context.Context, wallet string) (Snapshot, error) {
	threshold, _ := decimal.NewFromString(dustThreshold)
	positions, err := t.client.FetchPositions(ctx, wallet, threshold)
	if err != nil {
		prior, _ := t.Get(wallet)
		return prior, err
	}

	deployed := decimal.Zero
	initial := decimal.Zero
	for _, p := range positions {
		deployed = deployed.Add(p.CurrentValue)
		initial = initial.Add(p.InitialValue)
	}

	totalValue := deployed
	if deployed.LessThanOrEqual(decimal.Zero) {
		totalValue = initial
	}

	deploymentRate := 0.0
	if totalValue.GreaterThan(decimal.Zero) {
		rate := deployed.Div(totalValue)
		if rate.GreaterThan(decimal.NewFromInt(1)) {
			rate = decimal.NewFromInt(1)
		}
		deploymentRate, _ = rate.Float64()
	}

	snap := Snapshot{
		TotalValue:     totalValue,
		Deployed:       deployed,
		CashReserve:    totalValue.Sub(deployed),
		DeploymentRate: deploymentRate,
		PositionCount:  len(positions),
		FetchedAt:      time.Now(),
	}

	t.mu.Lock()
	t.snapshots[wallet] = snap
	t.mu.Unlock()
	return snap, nil
}

// Get returns the cached snapshot for wallet, or a zero Snapshot if none has
// been fetched yet.
func (t *Tracker) Get(wallet string) (Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snapshots[wallet]
	if !ok {
		return Snapshot{}, nil
	}
	return snap, nil
}

// PositionFraction returns tradeSizeUSD / total_value, or zero if the
// portfolio is unknown or zero-valued.
func (t *Tracker) PositionFraction(wallet string, tradeSizeUSD decimal.Decimal) decimal.Decimal {
	snap, _ := t.Get(wallet)
	if snap.TotalValue.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return tradeSizeUSD.Div(snap.TotalValue)
}

// EffectiveAllocation returns allocatedCapital * deployment_rate, clamped to
// [0, allocatedCapital], plus the deployment rate used.
func (t *Tracker) EffectiveAllocation(wallet string, allocatedCapital decimal.Decimal) (decimal.Decimal, float64) {
	snap, _ := t.Get(wallet)
	rate := snap.DeploymentRate
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	effective := allocatedCapital.Mul(decimal.NewFromFloat(rate))
	if effective.LessThan(decimal.Zero) {
		effective = decimal.Zero
	}
	if effective.GreaterThan(allocatedCapital) {
		effective = allocatedCapital
	}
	return effective, rate
}
