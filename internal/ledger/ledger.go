// Package ledger is the single authoritative record of mirrored positions
// and per-leader/global exposure. Every mutation goes through a
// reserve → commit|release protocol so two concurrently-arriving fills for
// different leaders can never both be admitted in violation of the global
// cap.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// dustThreshold is the smallest mirror position size still treated as open;
// below it a position is considered fully closed and removed.
var dustThreshold = decimal.NewFromFloat(0.01)

// processedFillsBound caps the idempotency set size; once exceeded, the
// oldest trade_id is evicted, mirroring the bounded recent-id set the
// trade monitor keeps for dedup.
const processedFillsBound = 50_000

// PositionKey identifies a mirror position.
type PositionKey struct {
	Market  string
	TokenID string
}

// MirrorPosition is the operator's own position opened as a copy of leader
// fills, keyed by (market, token_id).
type MirrorPosition struct {
	Market              string
	TokenID             string
	Size                decimal.Decimal
	AvgEntryPrice       decimal.Decimal
	OpenedAt            time.Time
	LastUpdatedAt       time.Time
	ContributingLeaders map[string]decimal.Decimal // leader wallet -> shares contributed
}

// ReservationToken is an opaque handle returned by Reserve; Commit/Release
// require the exact token so a caller cannot finalize exposure it never
// reserved.
type ReservationToken struct {
	id string
}

type reservation struct {
	leader string
	amount decimal.Decimal
}

// LedgerError is fatal per the error taxonomy: a commit without a prior
// reserve, or a double-commit, indicates a programming bug upstream.
type LedgerError struct {
	Op     string
	Reason string
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger: %s: %s", e.Op, e.Reason)
}

// ErrRejected is returned by Reserve when admitting the reservation would
// violate a per-leader or global exposure cap.
var ErrRejected = errors.New("ledger: reservation rejected")

// Ledger is the mutex-guarded exposure store.
type Ledger struct {
	mu sync.Mutex

	positions         map[PositionKey]*MirrorPosition
	perLeaderExposure map[string]decimal.Decimal
	globalExposure    decimal.Decimal
	realizedPnL       map[string]decimal.Decimal

	processedFills      mapset.Set[string]
	processedFillsOrder []string

	reservations map[string]reservation
}

func New() *Ledger {
	return &Ledger{
		positions:         make(map[PositionKey]*MirrorPosition),
		perLeaderExposure: make(map[string]decimal.Decimal),
		realizedPnL:       make(map[string]decimal.Decimal),
		processedFills:    mapset.NewThreadUnsafeSet[string](),
		reservations:      make(map[string]reservation),
	}
}

// Reserve performs the pre-commit admission check: would accepting this
// push per_leader_exposure[leader] above allocatedCapital, or
// global_exposure above maxTotalExposure? If so it rejects atomically and
// nothing changes.
func (l *Ledger) Reserve(leader string, amount, allocatedCapital, maxTotalExposure decimal.Decimal) (ReservationToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	projectedLeader := l.perLeaderExposure[leader].Add(amount)
	if projectedLeader.GreaterThan(allocatedCapital) {
		return ReservationToken{}, ErrRejected
	}
	if l.globalExposure.Add(amount).GreaterThan(maxTotalExposure) {
		return ReservationToken{}, ErrRejected
	}

	token := ReservationToken{id: uuid.NewString()}
	l.reservations[token.id] = reservation{leader: leader, amount: amount}
	l.perLeaderExposure[leader] = projectedLeader
	l.globalExposure = l.globalExposure.Add(amount)
	return token, nil
}

// Release rolls back a reservation that the executor failed to fulfil.
func (l *Ledger) Release(token ReservationToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[token.id]
	if !ok {
		return &LedgerError{"release", "unknown or already-resolved reservation token"}
	}
	delete(l.reservations, token.id)
	l.perLeaderExposure[r.leader] = l.perLeaderExposure[r.leader].Sub(r.amount)
	l.globalExposure = l.globalExposure.Sub(r.amount)
	return nil
}

// Commit finalizes a reservation: the mirror position grows (BUY) using
// volume-weighted average-cost-basis math, the trade_id is marked
// processed, and the reservation is consumed.
func (l *Ledger) Commit(token ReservationToken, key PositionKey, leader, tradeID string, shares, price decimal.Decimal, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.reservations[token.id]; !ok {
		return &LedgerError{"commit", "commit without a prior reserve (or double-commit)"}
	}
	delete(l.reservations, token.id)

	pos, ok := l.positions[key]
	if !ok {
		pos = &MirrorPosition{
			Market:              key.Market,
			TokenID:             key.TokenID,
			OpenedAt:            now,
			ContributingLeaders: make(map[string]decimal.Decimal),
		}
		l.positions[key] = pos
	}

	totalCost := pos.AvgEntryPrice.Mul(pos.Size).Add(price.Mul(shares))
	newSize := pos.Size.Add(shares)
	if newSize.GreaterThan(decimal.Zero) {
		pos.AvgEntryPrice = totalCost.Div(newSize)
	}
	pos.Size = newSize
	pos.LastUpdatedAt = now
	pos.ContributingLeaders[leader] = pos.ContributingLeaders[leader].Add(shares)

	l.markProcessedLocked(tradeID)
	return nil
}

// ApplyReduction decrements a mirror position and every contributing
// leader's exposure proportional to their share of the position, for a
// SELL-side fill. soldFraction is the fraction of the *mirror* position
// being reduced (0, 1]; proceeds is the USD notional realized.
func (l *Ledger) ApplyReduction(key PositionKey, soldFraction, proceeds decimal.Decimal, tradeID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[key]
	if !ok {
		// No mirror position exists: treat the reduction as a no-op, not a failure.
		l.markProcessedLocked(tradeID)
		return nil
	}

	if soldFraction.GreaterThan(decimal.NewFromInt(1)) {
		soldFraction = decimal.NewFromInt(1)
	}
	if soldFraction.LessThan(decimal.Zero) {
		soldFraction = decimal.Zero
	}

	reducedSize := pos.Size.Mul(soldFraction)
	pos.Size = pos.Size.Sub(reducedSize)
	pos.LastUpdatedAt = now

	for leader, contributed := range pos.ContributingLeaders {
		if contributed.LessThanOrEqual(decimal.Zero) {
			continue
		}
		leaderShare := contributed.Div(pos.Size.Add(reducedSize)) // share of the pre-reduction position
		leaderProceeds := proceeds.Mul(leaderShare)
		leaderReducedShares := contributed.Mul(soldFraction)
		leaderCostBasis := pos.AvgEntryPrice.Mul(leaderReducedShares)
		l.realizedPnL[leader] = l.realizedPnL[leader].Add(leaderProceeds.Sub(leaderCostBasis))

		l.perLeaderExposure[leader] = l.perLeaderExposure[leader].Sub(leaderProceeds)
		if l.perLeaderExposure[leader].LessThan(decimal.Zero) {
			l.perLeaderExposure[leader] = decimal.Zero
		}
		l.globalExposure = l.globalExposure.Sub(leaderProceeds)
		pos.ContributingLeaders[leader] = contributed.Sub(leaderReducedShares)
	}
	if l.globalExposure.LessThan(decimal.Zero) {
		l.globalExposure = decimal.Zero
	}

	if pos.Size.LessThan(dustThreshold) {
		delete(l.positions, key)
	}

	l.markProcessedLocked(tradeID)
	return nil
}

// IsProcessed reports whether trade_id has already received a final
// decision (accepted or rejected); the orchestrator must check this before
// invoking the risk manager so a replayed fill never fires twice.
func (l *Ledger) IsProcessed(tradeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processedFills.Contains(tradeID)
}

// MarkProcessed appends trade_id to processed_fills for a rejection
// (LogicError) path that never reaches Commit.
func (l *Ledger) MarkProcessed(tradeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markProcessedLocked(tradeID)
}

func (l *Ledger) markProcessedLocked(tradeID string) {
	if l.processedFills.Contains(tradeID) {
		return
	}
	l.processedFills.Add(tradeID)
	l.processedFillsOrder = append(l.processedFillsOrder, tradeID)
	for len(l.processedFillsOrder) > processedFillsBound {
		oldest := l.processedFillsOrder[0]
		l.processedFillsOrder = l.processedFillsOrder[1:]
		l.processedFills.Remove(oldest)
	}
}

// ExposureOf returns per_leader_exposure[leader].
func (l *Ledger) ExposureOf(leader string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perLeaderExposure[leader]
}

// GlobalExposure returns Σ per_leader_exposure.
func (l *Ledger) GlobalExposure() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalExposure
}

// RealizedPnL returns the cumulative realized profit or loss from every SELL
// fill that has reduced a position leader contributed to.
func (l *Ledger) RealizedPnL(leader string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realizedPnL[leader]
}

// Positions returns a snapshot of every open mirror position, used by
// startup reconciliation to compare persisted ledger state against the
// venue's live view of the operator's own positions.
func (l *Ledger) Positions() []MirrorPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]MirrorPosition, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}

// PositionOf returns a copy of the mirror position for (market, token_id).
func (l *Ledger) PositionOf(key PositionKey) (MirrorPosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[key]
	if !ok {
		return MirrorPosition{}, false
	}
	cp := *pos
	cp.ContributingLeaders = make(map[string]decimal.Decimal, len(pos.ContributingLeaders))
	for k, v := range pos.ContributingLeaders {
		cp.ContributingLeaders[k] = v
	}
	return cp, true
}
