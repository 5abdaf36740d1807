// Command copytrader runs the Polymarket copy-trading engine: mirror one or
// more leader wallets' fills into the operator's own account under
// configurable risk limits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	polymarket "github.com/GoPolymarket/polymarket-go-sdk"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/shopspring/decimal"

	"github.com/copytrader/polymarket-copytrader/internal/audit"
	"github.com/copytrader/polymarket-copytrader/internal/config"
	"github.com/copytrader/polymarket-copytrader/internal/executor"
	"github.com/copytrader/polymarket-copytrader/internal/ledger"
	"github.com/copytrader/polymarket-copytrader/internal/monitor"
	"github.com/copytrader/polymarket-copytrader/internal/notify"
	"github.com/copytrader/polymarket-copytrader/internal/orchestrator"
	"github.com/copytrader/polymarket-copytrader/internal/portfolio"
	"github.com/copytrader/polymarket-copytrader/internal/venue"
)

const (
	exitOK             = 0
	exitConfigFatal    = 1
	exitVenueAuthError = 2
	exitUnexpectedFatal = 3
	exitEngineNotRunning = 4
	exitTraderNotFound   = 5
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfigFatal)
	}

	switch os.Args[1] {
	case "start":
		os.Exit(runStart(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "pause":
		os.Exit(runSignal(os.Args[2:], "pause"))
	case "resume":
		os.Exit(runSignal(os.Args[2:], "resume"))
	case "stop":
		os.Exit(runStop(os.Args[2:]))
	case "track-trades":
		os.Exit(runTrackTrades(os.Args[2:]))
	default:
		usage()
		os.Exit(exitConfigFatal)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: copytrader <start|status|pause|resume|stop|track-trades> [flags]")
}

func loadConfigOrExit(path string) (config.Config, int) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return cfg, exitConfigFatal
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return cfg, exitConfigFatal
	}
	return cfg, exitOK
}

// controlDir holds IPC-via-filesystem signal files: pause_<wallet>,
// resume_<wallet>, stop. The running engine polls this directory so pause /
// resume / stop can be sent from a separate CLI invocation without a
// network listener.
func controlDir(cfg config.Config) string {
	base := cfg.TradeTracking.OutputDir
	if base == "" {
		base = "state"
	} else {
		base = filepath.Dir(base)
	}
	return filepath.Join(base, "control")
}

func pidFilePath(cfg config.Config) string {
	return filepath.Join(filepath.Dir(controlDir(cfg)), "engine.pid")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, code := loadConfigOrExit(*cfgPath)
	if code != exitOK {
		return code
	}

	if cfg.YourAccount.PrivateKey == "" || cfg.YourAccount.APIKey == "" {
		fmt.Fprintln(os.Stderr, "your_account.private_key and your_account.api_key are required")
		return exitConfigFatal
	}

	signer, err := auth.NewPrivateKeySigner(strings.TrimSpace(cfg.YourAccount.PrivateKey), 137)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signer: %v\n", err)
		return exitVenueAuthError
	}
	apiKey := &auth.APIKey{
		Key:        strings.TrimSpace(cfg.YourAccount.APIKey),
		Secret:     strings.TrimSpace(cfg.YourAccount.APISecret),
		Passphrase: strings.TrimSpace(cfg.YourAccount.APIPassphrase),
	}

	sdkClient := polymarket.NewClient()
	clobClient := sdkClient.CLOB.WithAuth(signer, apiKey)

	client := venue.NewPolymarketClient(sdkClient.Data, sdkClient.Gamma, clobClient)

	mon := monitor.NewMonitor(client, cfg.Monitoring.PollInterval)
	tracker := portfolio.NewTracker(client)
	led := ledger.New()
	market := venue.NewMarketCache(client, 5*time.Minute)
	exec := executor.New(client, market, led, executor.DefaultRetryConfig())

	var notifier *notify.Notifier
	if cfg.Telegram.Enabled {
		notifier = notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}

	orch := orchestrator.New(cfg, client, mon, tracker, led, exec, notifier)

	outputDir := cfg.TradeTracking.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join("state", "trader_trades")
	}
	sink := audit.NewSink(outputDir)
	defer sink.Close()
	orch.SetAuditSink(sink)

	ledgerPath := filepath.Join("state", "ledger.json")
	monitorPath := filepath.Join("state", "monitor.json")
	if err := led.LoadSnapshot(ledgerPath); err != nil {
		fmt.Fprintf(os.Stderr, "load ledger snapshot: %v\n", err)
	}
	if err := mon.LoadSnapshot(monitorPath); err != nil {
		fmt.Fprintf(os.Stderr, "load monitor snapshot: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if reconcileStartupPositions(ctx, client, signer.Address().Hex(), led) {
		fmt.Fprintln(os.Stderr, "startup reconciliation: live positions diverge from persisted ledger state beyond tolerance; starting in observe mode")
		orch.SetObserveMode(true)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	writePIDFile(pidFilePath(cfg))
	defer os.Remove(pidFilePath(cfg))

	go watchControlFiles(ctx, controlDir(cfg), orch, cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx, 30*time.Second) }()

	select {
	case <-sigCh:
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "engine: %v\n", err)
			return exitUnexpectedFatal
		}
	}

	if err := led.SaveSnapshot(ledgerPath); err != nil {
		fmt.Fprintf(os.Stderr, "save ledger snapshot: %v\n", err)
	}
	if err := mon.SaveSnapshot(monitorPath); err != nil {
		fmt.Fprintf(os.Stderr, "save monitor snapshot: %v\n", err)
	}
	return exitOK
}

// reconciliationTolerance is the absolute per-token share discrepancy
// between the persisted ledger and the venue's live view of the operator's
// own positions that's still treated as benign (a fill settling mid-sync,
// dust left by rounding). Anything beyond it means the ledger snapshot can
// no longer be trusted to size new mirrors correctly.
var reconciliationTolerance = decimal.NewFromFloat(0.5)

// reconcileStartupPositions re-fetches the operator's own live positions
// from the venue and compares them to the ledger state restored from disk.
// It reports true when any token's size diverges beyond
// reconciliationTolerance, in which case the caller should start the engine
// in a read-only observe mode rather than trust the restored ledger for
// sizing.
func reconcileStartupPositions(ctx context.Context, client venue.Client, ownWallet string, led *ledger.Ledger) bool {
	live, err := client.FetchPositions(ctx, ownWallet, decimal.Zero)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup reconciliation: fetch live positions: %v\n", err)
		return true
	}
	liveByToken := make(map[string]decimal.Decimal, len(live))
	for _, p := range live {
		liveByToken[p.Asset] = p.Size
	}

	diverged := false
	for _, pos := range led.Positions() {
		liveSize := liveByToken[pos.TokenID]
		delta := pos.Size.Sub(liveSize).Abs()
		if delta.GreaterThan(reconciliationTolerance) {
			fmt.Fprintf(os.Stderr, "startup reconciliation: token %s ledger=%s live=%s\n", pos.TokenID, pos.Size.String(), liveSize.String())
			diverged = true
		}
		delete(liveByToken, pos.TokenID)
	}
	for tokenID, size := range liveByToken {
		if size.GreaterThan(reconciliationTolerance) {
			fmt.Fprintf(os.Stderr, "startup reconciliation: token %s present live=%s but absent from ledger\n", tokenID, size.String())
			diverged = true
		}
	}
	return diverged
}

// watchControlFiles polls controlDir every second for pause_<wallet>,
// resume_<wallet>, and stop signal files, applying and then removing each.
func watchControlFiles(ctx context.Context, dir string, orch *orchestrator.Orchestrator, cancel context.CancelFunc) {
	os.MkdirAll(dir, 0o755)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				name := e.Name()
				path := filepath.Join(dir, name)
				switch {
				case name == "stop":
					os.Remove(path)
					cancel()
				case strings.HasPrefix(name, "pause_"):
					orch.Pause(strings.TrimPrefix(name, "pause_"))
					os.Remove(path)
				case strings.HasPrefix(name, "resume_"):
					orch.Resume(strings.TrimPrefix(name, "resume_"))
					os.Remove(path)
				}
			}
		}
	}
}

func writePIDFile(path string) {
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func engineRunning(cfg config.Config) bool {
	data, err := os.ReadFile(pidFilePath(cfg))
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func runSignal(args []string, kind string) int {
	fs := flag.NewFlagSet(kind, flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "path to config file")
	traderName := fs.String("trader-name", "", "leader trader name")
	fs.Parse(args)

	cfg, code := loadConfigOrExit(*cfgPath)
	if code != exitOK {
		return code
	}
	if !engineRunning(cfg) {
		fmt.Fprintln(os.Stderr, "engine is not running")
		return exitEngineNotRunning
	}

	found := false
	for _, t := range cfg.Traders {
		if t.Name == *traderName || t.WalletAddress == *traderName {
			found = true
			break
		}
	}
	if !found {
		fmt.Fprintf(os.Stderr, "trader %q not found\n", *traderName)
		return exitTraderNotFound
	}

	dir := controlDir(cfg)
	os.MkdirAll(dir, 0o755)
	signalFile := filepath.Join(dir, kind+"_"+*traderName)
	if err := os.WriteFile(signalFile, nil, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write signal file: %v\n", err)
		return exitUnexpectedFatal
	}
	return exitOK
}

func runStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, code := loadConfigOrExit(*cfgPath)
	if code != exitOK {
		return code
	}
	if !engineRunning(cfg) {
		fmt.Fprintln(os.Stderr, "engine is not running")
		return exitOK
	}

	dir := controlDir(cfg)
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "stop"), nil, 0o644)
	return exitOK
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, code := loadConfigOrExit(*cfgPath)
	if code != exitOK {
		return code
	}

	led := ledger.New()
	_ = led.LoadSnapshot(filepath.Join("state", "ledger.json"))

	mon := monitor.NewMonitor(nil, cfg.Monitoring.PollInterval)
	_ = mon.LoadSnapshot(filepath.Join("state", "monitor.json"))

	fmt.Printf("%-16s %-12s %-12s %-8s %-12s %-8s\n", "NAME", "ALLOCATED", "EXPOSED", "UTIL %", "REALIZED P&L", "TRADES")
	globalExposure := decimal.Zero
	for _, t := range cfg.Traders {
		exposed := led.ExposureOf(t.WalletAddress)
		globalExposure = globalExposure.Add(exposed)
		util := 0.0
		if t.AllocatedCapital.GreaterThan(decimal.Zero) {
			rate, _ := exposed.Div(t.AllocatedCapital).Float64()
			util = rate * 100
		}
		pnl := led.RealizedPnL(t.WalletAddress)
		tradeCount := mon.SeenCount(t.WalletAddress)
		fmt.Printf("%-16s %-12s %-12s %-8.1f %-12s %-8d\n", t.Name, t.AllocatedCapital.String(), exposed.String(), util, pnl.String(), tradeCount)
	}
	fmt.Printf("\nglobal exposure: %s / %s\n", globalExposure.String(), cfg.RiskManagement.Global.MaxTotalExposure.String())
	return exitOK
}

func runTrackTrades(args []string) int {
	fs := flag.NewFlagSet("track-trades", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, code := loadConfigOrExit(*cfgPath)
	if code != exitOK {
		return code
	}

	sdkClient := polymarket.NewClient()
	client := venue.NewPolymarketClient(sdkClient.Data, sdkClient.Gamma, sdkClient.CLOB)
	mon := monitor.NewMonitor(client, cfg.TradeTracking.PollInterval)
	sink := audit.NewSink(cfg.TradeTracking.OutputDir)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.TradeTracking.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			return exitOK
		case <-ticker.C:
			for _, t := range cfg.Traders {
				events, err := mon.Poll(ctx, t)
				if err != nil {
					fmt.Fprintf(os.Stderr, "track-trades poll %s: %v\n", t.Name, err)
					continue
				}
				for _, ev := range events {
					sink.Append(t.WalletAddress, audit.Record{
						Timestamp:   ev.Timestamp,
						TradeID:     ev.TradeID,
						LeaderName:  ev.LeaderName,
						Market:      ev.Market,
						TokenID:     ev.TokenID,
						Side:        string(ev.Side),
						LeaderSize:  ev.Size.String(),
						LeaderPrice: ev.Price.String(),
						Outcome:     "observed",
					})
				}
			}
		}
	}
}
