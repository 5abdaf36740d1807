package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func validConfig() Config {
	cfg := Default()
	cfg.YourAccount.TotalCapital = decimal.NewFromInt(5000)
	cfg.Traders = []LeaderConfig{
		{Name: "A", WalletAddress: "0xA", AllocatedCapital: decimal.NewFromInt(2000), Enabled: true},
	}
	return cfg
}

func TestLoadFileAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
your_account:
  total_capital: 5000
traders:
  - name: A
    wallet_address: "0xA"
    allocated_capital: 2000
    enabled: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(cfg.Traders) != 1 || cfg.Traders[0].Name != "A" {
		t.Fatalf("traders not parsed: %+v", cfg.Traders)
	}
	if cfg.Monitoring.PollInterval == 0 {
		t.Fatalf("expected default poll_interval to survive unmarshal")
	}
}

func TestResolveEnvRefsMissingIsError(t *testing.T) {
	cfg := validConfig()
	cfg.YourAccount.APIKey = "env:COPYTRADER_TEST_MISSING_KEY"
	if err := cfg.resolveEnvRefs(); err == nil {
		t.Fatalf("expected error for unresolved env ref")
	}
}

func TestResolveEnvRefsPresent(t *testing.T) {
	t.Setenv("COPYTRADER_TEST_KEY", "secret-value")
	cfg := validConfig()
	cfg.YourAccount.APIKey = "env:COPYTRADER_TEST_KEY"
	if err := cfg.resolveEnvRefs(); err != nil {
		t.Fatalf("resolveEnvRefs: %v", err)
	}
	if cfg.YourAccount.APIKey != "secret-value" {
		t.Fatalf("got %q", cfg.YourAccount.APIKey)
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("COPYTRADER_PK", "0xdeadbeef")
	cfg := validConfig()
	cfg.ApplyEnv()
	if cfg.YourAccount.PrivateKey != "0xdeadbeef" {
		t.Fatalf("got %q", cfg.YourAccount.PrivateKey)
	}
}
