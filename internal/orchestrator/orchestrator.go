// Package orchestrator is the dual-cadence control loop that drives every
// other component. A fast loop polls each enabled leader and
// routes fresh fills through the risk manager and executor; a slow loop
// refreshes portfolio snapshots. Both run from one cancellable context so
// cancelling the context passed to Run tears down every leader's goroutines.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/copytrader/polymarket-copytrader/internal/audit"
	"github.com/copytrader/polymarket-copytrader/internal/config"
	"github.com/copytrader/polymarket-copytrader/internal/executor"
	"github.com/copytrader/polymarket-copytrader/internal/ledger"
	"github.com/copytrader/polymarket-copytrader/internal/monitor"
	"github.com/copytrader/polymarket-copytrader/internal/notify"
	"github.com/copytrader/polymarket-copytrader/internal/portfolio"
	"github.com/copytrader/polymarket-copytrader/internal/risk"
	"github.com/copytrader/polymarket-copytrader/internal/venue"
)

// LeaderState is the per-leader lifecycle state.
type LeaderState int

const (
	Disabled LeaderState = iota
	Enabled
	Paused
	Faulted
)

func (s LeaderState) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case Paused:
		return "paused"
	case Faulted:
		return "faulted"
	default:
		return "disabled"
	}
}

// maxConsecutiveSyncFailures is the N in "N consecutive sync failures →
// Faulted".
const maxConsecutiveSyncFailures = 3

// pendingSellMaxAttempts bounds how many fast-loop ticks a deferred SELL is
// retried before it is dropped with a logged warning.
const pendingSellMaxAttempts = 3

type pendingSell struct {
	fill     monitor.FillEvent
	attempts int
}

type leaderRuntime struct {
	cfg   config.LeaderConfig
	state LeaderState

	consecutiveSyncFailures int

	// prior/current are the leader's own position sizes per token_id,
	// swapped on every slow-loop sync; the SELL reduction fraction is
	// derived from the delta between them.
	priorPositions   map[string]decimal.Decimal
	currentPositions map[string]decimal.Decimal

	pendingSells []pendingSell
}

// Orchestrator wires the venue client, monitor, tracker, ledger, and
// executor together and owns their lifecycle.
type Orchestrator struct {
	cfg      config.Config
	client   venue.Client
	market   *venue.MarketCache
	mon      *monitor.Monitor
	tracker  *portfolio.Tracker
	ledger   *ledger.Ledger
	exec     *executor.Executor
	notifier *notify.Notifier
	audit    *audit.Sink

	mu          sync.Mutex
	leaders     map[string]*leaderRuntime
	observeMode bool

	acceptedFills int
	rejectedFills int
	volumeUSD     decimal.Decimal
}

func New(cfg config.Config, client venue.Client, mon *monitor.Monitor, tracker *portfolio.Tracker, led *ledger.Ledger, exec *executor.Executor, notifier *notify.Notifier) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		client:   client,
		market:   venue.NewMarketCache(client, 5*time.Minute),
		mon:      mon,
		tracker:  tracker,
		ledger:   led,
		exec:     exec,
		notifier: notifier,
		leaders:  make(map[string]*leaderRuntime),
	}
	for _, lc := range cfg.Traders {
		state := Disabled
		if lc.Enabled {
			state = Enabled
		}
		o.leaders[lc.WalletAddress] = &leaderRuntime{
			cfg:              lc,
			state:            state,
			priorPositions:   make(map[string]decimal.Decimal),
			currentPositions: make(map[string]decimal.Decimal),
		}
	}
	return o
}

// SetAuditSink attaches the trade-tracking audit sink. Called once during
// startup wiring; every risk decision and execution outcome on the live
// trading path is appended to it. A nil sink (the default) disables
// auditing without changing any other behavior.
func (o *Orchestrator) SetAuditSink(sink *audit.Sink) {
	o.audit = sink
}

// SetObserveMode puts every leader into a read-only posture: fills are still
// polled (so last_seen_ts keeps advancing and nothing is redelivered once
// the engine leaves observe mode) but never sized or executed. Set at
// startup when position reconciliation finds the venue's live state has
// diverged from the persisted ledger beyond tolerance.
func (o *Orchestrator) SetObserveMode(on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observeMode = on
}

// Pause transitions a leader to Paused; the fast loop still polls it (so
// last_seen_ts advances) but never sizes or executes its fills.
func (o *Orchestrator) Pause(walletOrName string) bool {
	return o.transition(walletOrName, Paused)
}

// Resume transitions a Paused or Faulted leader back to Enabled.
func (o *Orchestrator) Resume(walletOrName string) bool {
	return o.transition(walletOrName, Enabled)
}

func (o *Orchestrator) transition(walletOrName string, to LeaderState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt := o.findLocked(walletOrName)
	if rt == nil {
		return false
	}
	rt.state = to
	rt.consecutiveSyncFailures = 0
	return true
}

func (o *Orchestrator) findLocked(walletOrName string) *leaderRuntime {
	if rt, ok := o.leaders[walletOrName]; ok {
		return rt
	}
	for _, rt := range o.leaders {
		if rt.cfg.Name == walletOrName {
			return rt
		}
	}
	return nil
}

// Status returns a snapshot of every leader's current state, keyed by
// wallet. The CLI's status command does not call it; it reads the persisted
// ledger and monitor snapshots instead.
func (o *Orchestrator) Status() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.leaders))
	for wallet, rt := range o.leaders {
		out[wallet] = rt.state.String()
	}
	return out
}

// Run starts both loops and blocks until ctx is cancelled, then drains
// in-flight work within drainTimeout before returning.
func (o *Orchestrator) Run(ctx context.Context, drainTimeout time.Duration) error {
	group, gctx := errgroup.WithContext(ctx)

	pollInterval := o.cfg.Monitoring.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	syncInterval := o.cfg.Monitoring.PortfolioSyncInterval
	if syncInterval <= 0 {
		syncInterval = 60 * time.Second
	}

	group.Go(func() error {
		return o.fastLoop(gctx, pollInterval)
	})
	group.Go(func() error {
		return o.slowLoop(gctx, syncInterval)
	})
	if o.notifier != nil && o.notifier.Enabled() {
		group.Go(func() error {
			return o.dailySummaryLoop(gctx, 24*time.Hour)
		})
	}

	// fastLoop/slowLoop only return once their in-flight tick has finished
	// running (ctx.Done is checked between ticks, not during one), so
	// group.Wait() already acts as the drain step; the timeout is a
	// backstop against a tick that never returns (e.g. a hung venue call).
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	case <-time.After(drainTimeout):
		return &ShutdownTimeoutError{Timeout: drainTimeout}
	}
}

// ShutdownTimeoutError indicates the drain deadline elapsed with a tick
// still in flight.
type ShutdownTimeoutError struct {
	Timeout time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return "orchestrator: shutdown drain timed out after " + e.Timeout.String()
}

func (o *Orchestrator) fastLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	o.mu.Lock()
	active := make([]*leaderRuntime, 0, len(o.leaders))
	for _, rt := range o.leaders {
		if rt.state == Enabled || rt.state == Faulted || rt.state == Paused {
			active = append(active, rt)
		}
	}
	o.mu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	for _, rt := range active {
		rt := rt
		group.Go(func() error {
			o.pollLeader(gctx, rt)
			return nil
		})
	}
	_ = group.Wait() // per-leader errors are logged, never cancel siblings
}

func (o *Orchestrator) pollLeader(ctx context.Context, rt *leaderRuntime) {
	o.mu.Lock()
	paused := rt.state == Paused || o.observeMode
	snapshotKnown := rt.state != Faulted
	pending := rt.pendingSells
	rt.pendingSells = nil
	o.mu.Unlock()

	// A paused leader's fills still need to be read so last_seen_ts keeps
	// advancing and the trade ids are marked seen; they must never be sized
	// or executed, so pending SELLs are left queued and fresh fills are
	// dropped below instead of reaching handleBuy/handleSell.
	if !paused {
		o.drainPendingSells(ctx, rt, pending)
	} else {
		o.mu.Lock()
		rt.pendingSells = pending
		o.mu.Unlock()
	}

	events, err := o.mon.Poll(ctx, rt.cfg)
	if err != nil {
		log.Printf("[orchestrator] poll %s: %v", rt.cfg.Name, err)
		return
	}
	if paused {
		return
	}

	snapshot, _ := o.tracker.Get(rt.cfg.WalletAddress)

	for _, fill := range events {
		if o.ledger.IsProcessed(fill.TradeID) {
			continue
		}
		if fill.Side == venue.Buy {
			o.handleBuy(ctx, fill, snapshot, snapshotKnown)
		} else {
			o.handleSell(ctx, rt, fill)
		}
	}
}

func (o *Orchestrator) handleBuy(ctx context.Context, fill monitor.FillEvent, snapshot portfolio.Snapshot, snapshotKnown bool) {
	market, err := o.market.Get(ctx, fill.Market)
	if err != nil {
		log.Printf("[orchestrator] market metadata %s: %v", fill.Market, err)
		return
	}

	decision := risk.Decide(fill, snapshot, snapshotKnown, market, o.ledger, o.cfg)
	if !decision.Accept {
		o.ledger.MarkProcessed(fill.TradeID)
		o.recordOutcome(false, decimal.Zero)
		o.appendAudit(fill, "rejected", decimal.Zero, decimal.Zero, decision.Reason)
		if o.notifier != nil {
			_ = o.notifier.NotifyReject(ctx, fill.LeaderName, fill.Market, decision.Reason)
		}
		return
	}

	result := o.exec.ExecuteBuy(ctx, fill, decision, o.cfg.RiskManagement.Global.MaxTotalExposure)
	if result.Err != nil {
		log.Printf("[orchestrator] execute buy %s: %v", fill.TradeID, result.Err)
		o.appendAudit(fill, "error", decision.MirrorShares, decision.MirrorSizeUSD, result.Err.Error())
		return
	}
	if result.Accepted {
		o.recordOutcome(true, decision.MirrorSizeUSD)
		o.appendAudit(fill, "accepted", decision.MirrorShares, decision.MirrorSizeUSD, "")
		if o.notifier != nil {
			price, _ := decision.MirrorSizeUSD.Div(decision.MirrorShares).Float64()
			shares, _ := decision.MirrorShares.Float64()
			size, _ := decision.MirrorSizeUSD.Float64()
			_ = o.notifier.NotifyMirrorFill(ctx, fill.LeaderName, fill.Market, "BUY", price, shares, size)
		}
	} else if result.Rejected {
		o.appendAudit(fill, "rejected", decimal.Zero, decimal.Zero, result.Reason)
	}
}

// appendAudit records one attempted mirror (accepted, rejected, or errored)
// to the trade-tracking audit sink. A nil sink is a no-op so auditing stays
// optional without branching at every call site.
func (o *Orchestrator) appendAudit(fill monitor.FillEvent, outcome string, mirrorShares, mirrorSizeUSD decimal.Decimal, reason string) {
	if o.audit == nil {
		return
	}
	rec := audit.Record{
		Timestamp:     time.Now().UTC(),
		TradeID:       fill.TradeID,
		LeaderName:    fill.LeaderName,
		Market:        fill.Market,
		TokenID:       fill.TokenID,
		Side:          string(fill.Side),
		LeaderSize:    fill.Size.String(),
		LeaderPrice:   fill.Price.String(),
		Outcome:       outcome,
		MirrorShares:  mirrorShares.String(),
		MirrorSizeUSD: mirrorSizeUSD.String(),
		Reason:        reason,
	}
	if err := o.audit.Append(fill.LeaderWallet, rec); err != nil {
		log.Printf("[orchestrator] audit append %s: %v", fill.TradeID, err)
	}
}

// recordOutcome tallies accepted/rejected fills and mirrored volume for the
// periodic daily summary notification.
func (o *Orchestrator) recordOutcome(accepted bool, volumeUSD decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if accepted {
		o.acceptedFills++
		o.volumeUSD = o.volumeUSD.Add(volumeUSD)
	} else {
		o.rejectedFills++
	}
}

func (o *Orchestrator) handleSell(ctx context.Context, rt *leaderRuntime, fill monitor.FillEvent) {
	o.mu.Lock()
	prior, havePrior := rt.priorPositions[fill.TokenID]
	current, haveCurrent := rt.currentPositions[fill.TokenID]
	o.mu.Unlock()

	if !havePrior || !haveCurrent {
		o.mu.Lock()
		rt.pendingSells = append(rt.pendingSells, pendingSell{fill: fill})
		o.mu.Unlock()
		return
	}

	fraction := risk.ReductionFraction(prior, current)
	result := o.exec.ExecuteSell(ctx, fill, fraction)
	if result.Err != nil {
		log.Printf("[orchestrator] execute sell %s: %v", fill.TradeID, result.Err)
		o.appendAudit(fill, "error", decimal.Zero, decimal.Zero, result.Err.Error())
		return
	}
	if result.Rejected {
		o.appendAudit(fill, "rejected", decimal.Zero, decimal.Zero, result.Reason)
		return
	}
	if result.Accepted {
		o.appendAudit(fill, "accepted", fill.Size.Mul(fraction), fill.Size.Mul(fraction).Mul(fill.Price), "")
		if o.notifier != nil {
			price, _ := fill.Price.Float64()
			shares, _ := fill.Size.Float64()
			notional, _ := fill.Size.Mul(fill.Price).Float64()
			_ = o.notifier.NotifyMirrorFill(ctx, fill.LeaderName, fill.Market, "SELL", price, shares, notional)
		}
	}
}

func (o *Orchestrator) drainPendingSells(ctx context.Context, rt *leaderRuntime, pending []pendingSell) {
	for _, p := range pending {
		p.attempts++
		o.mu.Lock()
		_, havePrior := rt.priorPositions[p.fill.TokenID]
		_, haveCurrent := rt.currentPositions[p.fill.TokenID]
		o.mu.Unlock()

		if !havePrior || !haveCurrent {
			if p.attempts >= pendingSellMaxAttempts {
				log.Printf("[orchestrator] dropping deferred SELL %s after %d attempts: no post-BUY snapshot", p.fill.TradeID, p.attempts)
				o.ledger.MarkProcessed(p.fill.TradeID)
				continue
			}
			o.mu.Lock()
			rt.pendingSells = append(rt.pendingSells, p)
			o.mu.Unlock()
			continue
		}
		o.handleSell(ctx, rt, p.fill)
	}
}

// dailySummaryLoop sends one NotifyDailySummary per interval and resets the
// tallied counters, so each notification covers only the elapsed window.
func (o *Orchestrator) dailySummaryLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.mu.Lock()
			accepted, rejected := o.acceptedFills, o.rejectedFills
			volume, _ := o.volumeUSD.Float64()
			o.acceptedFills, o.rejectedFills = 0, 0
			o.volumeUSD = decimal.Zero
			o.mu.Unlock()

			if err := o.notifier.NotifyDailySummary(ctx, accepted, rejected, volume); err != nil {
				log.Printf("[orchestrator] daily summary notify: %v", err)
			}
		}
	}
}

func (o *Orchestrator) slowLoop(ctx context.Context, interval time.Duration) error {
	o.syncAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.syncAll(ctx)
		}
	}
}

func (o *Orchestrator) syncAll(ctx context.Context) {
	o.mu.Lock()
	runtimes := make([]*leaderRuntime, 0, len(o.leaders))
	for _, rt := range o.leaders {
		if rt.state == Enabled || rt.state == Faulted {
			runtimes = append(runtimes, rt)
		}
	}
	o.mu.Unlock()

	for _, rt := range runtimes {
		o.syncLeader(ctx, rt)
	}
}

func (o *Orchestrator) syncLeader(ctx context.Context, rt *leaderRuntime) {
	if _, err := o.tracker.Sync(ctx, rt.cfg.WalletAddress); err != nil {
		o.recordSyncFailure(ctx, rt, err)
		return
	}

	positions, err := o.client.FetchPositions(ctx, rt.cfg.WalletAddress, decimal.Zero)
	if err != nil {
		o.recordSyncFailure(ctx, rt, err)
		return
	}

	o.mu.Lock()
	rt.consecutiveSyncFailures = 0
	if rt.state == Faulted {
		rt.state = Enabled
	}
	rt.priorPositions = rt.currentPositions
	rt.currentPositions = make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		rt.currentPositions[p.Asset] = p.Size
	}
	o.mu.Unlock()
}

func (o *Orchestrator) recordSyncFailure(ctx context.Context, rt *leaderRuntime, err error) {
	o.mu.Lock()
	rt.consecutiveSyncFailures++
	faulted := rt.consecutiveSyncFailures >= maxConsecutiveSyncFailures && rt.state != Faulted
	if faulted {
		rt.state = Faulted
	}
	failures := rt.consecutiveSyncFailures
	o.mu.Unlock()

	log.Printf("[orchestrator] portfolio sync %s: %v", rt.cfg.Name, err)
	if faulted && o.notifier != nil {
		_ = o.notifier.NotifyFault(ctx, rt.cfg.Name, failures, err)
	}
}
