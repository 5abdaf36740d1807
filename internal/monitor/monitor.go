// Package monitor does per-leader incremental polling that produces the
// strictly increasing sequence of previously-unseen fills.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shopspring/decimal"

	"github.com/copytrader/polymarket-copytrader/internal/config"
	"github.com/copytrader/polymarket-copytrader/internal/venue"
)

// FillEvent is the enriched, previously-unseen trade the orchestrator feeds
// into the risk manager and executor.
type FillEvent struct {
	LeaderWallet     string
	LeaderName       string
	AllocatedCapital decimal.Decimal
	Market           string
	TokenID          string
	Side             venue.OrderSide
	Size             decimal.Decimal
	Price            decimal.Decimal
	Timestamp        time.Time
	TradeID          string
}

// seenIDsBound caps the LRU set size per leader for the recent-trade-id
// dedup set.
const seenIDsBound = 1024

// leaderState is per-leader, touched only by that leader's Poll call, so it
// needs no internal lock: the orchestrator never calls Poll for the same
// leader concurrently with itself.
type leaderState struct {
	lastSeenTS int64
	seen       mapset.Set[string]
	order      []string // insertion order, to evict the oldest id once seen exceeds seenIDsBound
}

func newLeaderState() *leaderState {
	return &leaderState{seen: mapset.NewThreadUnsafeSet[string]()}
}

func (s *leaderState) remember(tradeID string) {
	if s.seen.Contains(tradeID) {
		return
	}
	s.seen.Add(tradeID)
	s.order = append(s.order, tradeID)
	for len(s.order) > seenIDsBound {
		oldest := s.order[0]
		s.order = s.order[1:]
		s.seen.Remove(oldest)
	}
}

// Monitor tracks per-leader poll state. Safe for concurrent Poll calls on
// different leaders; it takes a coarse lock only to look up/create a
// leader's state map entry, never while making the venue call.
type Monitor struct {
	client        venue.Client
	overlapWindow time.Duration

	mu     sync.Mutex
	states map[string]*leaderState
}

func NewMonitor(client venue.Client, pollInterval time.Duration) *Monitor {
	overlap := 2 * pollInterval
	if overlap <= 0 {
		overlap = 10 * time.Second
	}
	return &Monitor{client: client, overlapWindow: overlap, states: make(map[string]*leaderState)}
}

func (m *Monitor) stateFor(wallet string) *leaderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[wallet]
	if !ok {
		s = newLeaderState()
		m.states[wallet] = s
	}
	return s
}

// Poll fetches trades since the leader's last-seen timestamp minus the
// overlap window, drops ones already seen, sorts ascending, enriches with
// leader config, and advances last_seen_ts.
func (m *Monitor) Poll(ctx context.Context, leader config.LeaderConfig) ([]FillEvent, error) {
	state := m.stateFor(leader.WalletAddress)

	since := state.lastSeenTS - int64(m.overlapWindow.Seconds())
	if since < 0 {
		since = 0
	}

	trades, err := m.client.FetchTrades(ctx, leader.WalletAddress, since, 500)
	if err != nil {
		return nil, err
	}

	fresh := trades[:0:0]
	for _, t := range trades {
		if state.seen.Contains(t.TradeID) {
			continue
		}
		fresh = append(fresh, t)
	}

	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].Timestamp.Before(fresh[j].Timestamp)
	})

	events := make([]FillEvent, 0, len(fresh))
	maxTS := state.lastSeenTS
	for _, t := range fresh {
		events = append(events, FillEvent{
			LeaderWallet:     leader.WalletAddress,
			LeaderName:       leader.Name,
			AllocatedCapital: leader.AllocatedCapital,
			Market:           t.Market,
			TokenID:          t.TokenID,
			Side:             t.Side,
			Size:             t.Size,
			Price:            t.Price,
			Timestamp:        t.Timestamp,
			TradeID:          t.TradeID,
		})
		state.remember(t.TradeID)
		if ts := t.Timestamp.Unix(); ts > maxTS {
			maxTS = ts
		}
	}
	state.lastSeenTS = maxTS

	return events, nil
}

// LastSeen returns the leader's current last_seen_ts, used when persisting
// monitor state across restarts and when testing pause/resume semantics.
func (m *Monitor) LastSeen(wallet string) int64 {
	return m.stateFor(wallet).lastSeenTS
}

// SeenCount returns the number of distinct trade ids currently held in
// wallet's recent-id set, used as a rough trade-count figure for status
// reporting. The set evicts its oldest ids past seenIDsBound, so the count
// never exceeds that bound.
func (m *Monitor) SeenCount(wallet string) int {
	return m.stateFor(wallet).seen.Cardinality()
}
