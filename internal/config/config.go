// Package config loads and validates the copy-trading engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// LeaderConfig is immutable per leader once loaded; pause/resume flip Enabled
// at runtime but nothing else about a leader changes without a restart.
type LeaderConfig struct {
	Name             string          `yaml:"name"`
	WalletAddress    string          `yaml:"wallet_address"`
	AllocatedCapital decimal.Decimal `yaml:"allocated_capital"`
	Enabled          bool            `yaml:"enabled"`
}

type AccountConfig struct {
	APIKey        string          `yaml:"api_key"`
	APISecret     string          `yaml:"api_secret"`
	APIPassphrase string          `yaml:"api_passphrase"`
	PrivateKey    string          `yaml:"private_key"`
	TotalCapital  decimal.Decimal `yaml:"total_capital"`
}

type GlobalRiskConfig struct {
	MaxTotalExposure decimal.Decimal `yaml:"max_total_exposure"`
	MaxSingleBet     decimal.Decimal `yaml:"max_single_bet"`
	ReserveCapital   decimal.Decimal `yaml:"reserve_capital"`
}

type PerTraderRiskConfig struct {
	MinPortfolioValue     decimal.Decimal `yaml:"min_portfolio_value"`
	MaxPositionPct        float64         `yaml:"max_position_pct"`
	UsePortfolioProportion bool           `yaml:"use_portfolio_proportion"`
}

type MarketFilterConfig struct {
	WhitelistCategories []string        `yaml:"whitelist_categories"`
	BlacklistCategories []string        `yaml:"blacklist_categories"`
	MinLiquidity        decimal.Decimal `yaml:"min_liquidity"`
}

type RiskManagementConfig struct {
	Global        GlobalRiskConfig    `yaml:"global"`
	PerTrader     PerTraderRiskConfig `yaml:"per_trader"`
	MarketFilters MarketFilterConfig  `yaml:"market_filters"`
}

type MonitoringConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	PortfolioSyncInterval time.Duration `yaml:"portfolio_sync_interval"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	TradesFile string `yaml:"trades_file"`
}

type TradeTrackingConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	OutputDir    string        `yaml:"output_dir"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// Config is the top-level document loaded from the YAML file.
type Config struct {
	YourAccount    AccountConfig         `yaml:"your_account"`
	Traders        []LeaderConfig        `yaml:"traders"`
	RiskManagement RiskManagementConfig  `yaml:"risk_management"`
	Monitoring     MonitoringConfig      `yaml:"monitoring"`
	Logging        LoggingConfig         `yaml:"logging"`
	TradeTracking  TradeTrackingConfig   `yaml:"trade_tracking"`
	Telegram       TelegramConfig        `yaml:"telegram"`
}

// Default returns sane, conservative values suitable for a first paper run.
func Default() Config {
	return Config{
		RiskManagement: RiskManagementConfig{
			Global: GlobalRiskConfig{
				MaxTotalExposure: decimal.NewFromInt(1000),
				MaxSingleBet:     decimal.NewFromInt(100),
				ReserveCapital:   decimal.NewFromInt(100),
			},
			PerTrader: PerTraderRiskConfig{
				MinPortfolioValue:      decimal.NewFromInt(50),
				MaxPositionPct:         0.5,
				UsePortfolioProportion: true,
			},
			MarketFilters: MarketFilterConfig{
				MinLiquidity: decimal.NewFromInt(500),
			},
		},
		Monitoring: MonitoringConfig{
			PollInterval:          5 * time.Second,
			PortfolioSyncInterval: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "state/engine.log",
			TradesFile: "state/trades.log",
		},
		TradeTracking: TradeTrackingConfig{
			PollInterval: 5 * time.Second,
			OutputDir:    "state/trader_trades",
		},
	}
}

// LoadFile reads and parses the YAML config at path, then resolves every
// `env:NAME` reference against the process environment.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.resolveEnvRefs(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// resolveEnvRefs replaces every "env:NAME" string field with the value of the
// named environment variable. Absence of the variable is a fatal ConfigError.
func (c *Config) resolveEnvRefs() error {
	fields := map[string]*string{
		"your_account.api_key":        &c.YourAccount.APIKey,
		"your_account.api_secret":     &c.YourAccount.APISecret,
		"your_account.api_passphrase": &c.YourAccount.APIPassphrase,
		"your_account.private_key":    &c.YourAccount.PrivateKey,
	}
	for path, ref := range fields {
		if resolved, ok, err := resolveEnvRef(path, *ref); err != nil {
			return err
		} else if ok {
			*ref = resolved
		}
	}
	return nil
}

func resolveEnvRef(path, value string) (resolved string, touched bool, err error) {
	const prefix = "env:"
	if !strings.HasPrefix(value, prefix) {
		return "", false, nil
	}
	name := strings.TrimPrefix(value, prefix)
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false, &EnvRefError{Path: path, EnvVar: name}
	}
	return v, true, nil
}

// EnvRefError reports a config field referencing an unset environment variable.
type EnvRefError struct {
	Path   string
	EnvVar string
}

func (e *EnvRefError) Error() string {
	return fmt.Sprintf("config field %q references unset env var %q", e.Path, e.EnvVar)
}

// ApplyEnv overlays a handful of direct env-var overrides, matching the
// teacher's ApplyEnv convention for secrets that operators prefer to keep out
// of the YAML file entirely.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("COPYTRADER_PK"); v != "" {
		c.YourAccount.PrivateKey = v
	}
	if v := os.Getenv("COPYTRADER_API_KEY"); v != "" {
		c.YourAccount.APIKey = v
	}
	if v := os.Getenv("COPYTRADER_API_SECRET"); v != "" {
		c.YourAccount.APISecret = v
	}
	if v := os.Getenv("COPYTRADER_API_PASSPHRASE"); v != "" {
		c.YourAccount.APIPassphrase = v
	}
	if v := os.Getenv("COPYTRADER_TOTAL_CAPITAL"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			c.YourAccount.TotalCapital = d
		}
	}
}

// parseBoolEnv accepts the usual truthy spellings ("true" or "1") for CLI
// flag and env-var parsing.
func parseBoolEnv(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return strings.EqualFold(v, "true")
}
