package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError is a ConfigError per the error taxonomy: malformed
// configuration is always fatal at startup.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Validate enforces every invariant from the data model: the capital
// invariant (Σ allocated_capital + reserve_capital ≤ total_capital), positive
// intervals, and well-formed trader entries. It never mutates c.
func (c Config) Validate() error {
	if c.YourAccount.TotalCapital.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{"your_account.total_capital", "must be > 0"}
	}
	if len(c.Traders) == 0 {
		return &ValidationError{"traders", "at least one leader must be configured"}
	}

	seen := make(map[string]struct{}, len(c.Traders))
	allocated := decimal.Zero
	for _, t := range c.Traders {
		if strings.TrimSpace(t.Name) == "" {
			return &ValidationError{"traders[].name", "must not be empty"}
		}
		if strings.TrimSpace(t.WalletAddress) == "" {
			return &ValidationError{fmt.Sprintf("traders[%s].wallet_address", t.Name), "must not be empty"}
		}
		if _, dup := seen[t.WalletAddress]; dup {
			return &ValidationError{"traders[].wallet_address", fmt.Sprintf("duplicate wallet %q", t.WalletAddress)}
		}
		seen[t.WalletAddress] = struct{}{}
		if t.AllocatedCapital.LessThanOrEqual(decimal.Zero) {
			return &ValidationError{fmt.Sprintf("traders[%s].allocated_capital", t.Name), "must be > 0"}
		}
		allocated = allocated.Add(t.AllocatedCapital)
	}

	reserve := c.RiskManagement.Global.ReserveCapital
	if reserve.LessThan(decimal.Zero) {
		return &ValidationError{"risk_management.global.reserve_capital", "must be >= 0"}
	}
	if allocated.Add(reserve).GreaterThan(c.YourAccount.TotalCapital) {
		return &ValidationError{
			"traders[].allocated_capital",
			fmt.Sprintf("sum of allocated_capital (%s) + reserve_capital (%s) exceeds total_capital (%s)",
				allocated.StringFixed(2), reserve.StringFixed(2), c.YourAccount.TotalCapital.StringFixed(2)),
		}
	}

	if c.RiskManagement.Global.MaxTotalExposure.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{"risk_management.global.max_total_exposure", "must be > 0"}
	}
	if c.RiskManagement.Global.MaxSingleBet.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{"risk_management.global.max_single_bet", "must be > 0"}
	}
	if c.RiskManagement.PerTrader.MaxPositionPct <= 0 || c.RiskManagement.PerTrader.MaxPositionPct > 1 {
		return &ValidationError{"risk_management.per_trader.max_position_pct", "must be in (0, 1]"}
	}
	if c.RiskManagement.PerTrader.MinPortfolioValue.LessThan(decimal.Zero) {
		return &ValidationError{"risk_management.per_trader.min_portfolio_value", "must be >= 0"}
	}
	if c.RiskManagement.MarketFilters.MinLiquidity.LessThan(decimal.Zero) {
		return &ValidationError{"risk_management.market_filters.min_liquidity", "must be >= 0"}
	}
	for _, cat := range c.RiskManagement.MarketFilters.WhitelistCategories {
		for _, bad := range c.RiskManagement.MarketFilters.BlacklistCategories {
			if strings.EqualFold(cat, bad) {
				return &ValidationError{"risk_management.market_filters", fmt.Sprintf("category %q appears in both whitelist and blacklist", cat)}
			}
		}
	}

	if c.Monitoring.PollInterval <= 0 {
		return &ValidationError{"monitoring.poll_interval", "must be > 0"}
	}
	if c.Monitoring.PortfolioSyncInterval <= 0 {
		return &ValidationError{"monitoring.portfolio_sync_interval", "must be > 0"}
	}
	if c.Monitoring.PortfolioSyncInterval < c.Monitoring.PollInterval {
		return &ValidationError{"monitoring.portfolio_sync_interval", "must be >= poll_interval"}
	}

	return nil
}
