// Package risk computes a pure sizing and gate-cascade decision with no I/O
// and no lock acquisition, kept separate from any mutating state so it can
// be unit tested as plain arithmetic.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/copytrader/polymarket-copytrader/internal/config"
	"github.com/copytrader/polymarket-copytrader/internal/monitor"
	"github.com/copytrader/polymarket-copytrader/internal/portfolio"
	"github.com/copytrader/polymarket-copytrader/internal/venue"
)

// LedgerView is the narrow read-only slice of the exposure ledger that
// decide needs; the real *ledger.Ledger satisfies it without risk importing
// ledger's mutating methods.
type LedgerView interface {
	ExposureOf(leader string) decimal.Decimal
	GlobalExposure() decimal.Decimal
}

// Decision is the outcome of decide: exactly one of Accept or Reject.
type Decision struct {
	Accept       bool
	MirrorShares decimal.Decimal
	MirrorSizeUSD decimal.Decimal
	Note         string
	Reason       string
}

func reject(reason string) Decision {
	return Decision{Accept: false, Reason: reason}
}

// Decide applies the sizing algorithm and gate cascade to a single BUY fill.
// SELL-side fills never reach Decide; the orchestrator routes them straight
// to the executor's reduction path since there is no sizing decision to make,
// only a proportional reduction computed from the leader's own position delta.
func Decide(fill monitor.FillEvent, snapshot portfolio.Snapshot, snapshotKnown bool, market venue.MarketMeta, ledger LedgerView, cfg config.Config) Decision {
	risk := cfg.RiskManagement

	if !snapshotKnown || snapshot.TotalValue.LessThan(risk.PerTrader.MinPortfolioValue) {
		return reject("portfolio too small or unknown")
	}

	if blocked, reason := marketFilterReject(market, risk.MarketFilters); blocked {
		return reject(reason)
	}
	if market.Liquidity.LessThan(risk.MarketFilters.MinLiquidity) {
		return reject("liquidity below minimum")
	}

	positionPct := decimal.NewFromInt(1)
	if risk.PerTrader.UsePortfolioProportion {
		notional := fill.Size.Mul(fill.Price)
		positionPct = notional.Div(snapshot.TotalValue)
	}

	effectiveAllocation, _ := effectiveAllocation(fill.AllocatedCapital, snapshot.DeploymentRate)
	rawMirror := effectiveAllocation.Mul(positionPct)

	maxByPositionPct := decimal.NewFromFloat(risk.PerTrader.MaxPositionPct).Mul(fill.AllocatedCapital)
	mirrorSizeUSD := minDecimal(rawMirror, risk.Global.MaxSingleBet, maxByPositionPct)
	if mirrorSizeUSD.LessThan(decimal.Zero) {
		mirrorSizeUSD = decimal.Zero
	}

	shares := mirrorSizeUSD.Div(fill.Price)
	if shares.LessThan(market.MinOrderSize) {
		return reject("below min order size")
	}

	if mirrorSizeUSD.Add(ledger.ExposureOf(fill.LeaderWallet)).GreaterThan(fill.AllocatedCapital) {
		return reject("would exceed leader's allocated capital")
	}
	if mirrorSizeUSD.Add(ledger.GlobalExposure()).GreaterThan(risk.Global.MaxTotalExposure) {
		return reject("would exceed global exposure cap")
	}

	return Decision{
		Accept:        true,
		MirrorShares:  shares,
		MirrorSizeUSD: mirrorSizeUSD,
		Note:          "proportional mirror of leader fill",
	}
}

// ReductionFraction computes the fraction of the leader's own position in
// tokenID that was sold between the previous and current snapshot size,
// used to size the SELL-side reduction against the mirror position. Callers
// pass the leader's own prior/current position size in that token (from the
// venue, not the mirror ledger).
func ReductionFraction(priorSize, currentSize decimal.Decimal) decimal.Decimal {
	if priorSize.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	sold := priorSize.Sub(currentSize)
	if sold.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	frac := sold.Div(priorSize)
	if frac.GreaterThan(decimal.NewFromInt(1)) {
		frac = decimal.NewFromInt(1)
	}
	return frac
}

func effectiveAllocation(allocatedCapital decimal.Decimal, deploymentRate float64) (decimal.Decimal, float64) {
	rate := deploymentRate
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	effective := allocatedCapital.Mul(decimal.NewFromFloat(rate))
	if effective.GreaterThan(allocatedCapital) {
		effective = allocatedCapital
	}
	return effective, rate
}

func marketFilterReject(market venue.MarketMeta, filters config.MarketFilterConfig) (bool, string) {
	for _, blocked := range filters.BlacklistCategories {
		if blocked == market.Category {
			return true, "category is blacklisted"
		}
	}
	if len(filters.WhitelistCategories) > 0 {
		allowed := false
		for _, wl := range filters.WhitelistCategories {
			if wl == market.Category {
				allowed = true
				break
			}
		}
		if !allowed {
			return true, "category not in whitelist"
		}
	}
	return false, ""
}

func minDecimal(values ...decimal.Decimal) decimal.Decimal {
	min := values[0]
	for _, v := range values[1:] {
		if v.LessThan(min) {
			min = v
		}
	}
	return min
}
