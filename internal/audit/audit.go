// Package audit appends a durable, append-only CSV record of every observed
// leader fill and its outcome (accepted, rejected, or errored), one file per
// leader wallet.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var header = []string{
	"timestamp",
	"trade_id",
	"leader_name",
	"market",
	"token_id",
	"side",
	"leader_size",
	"leader_price",
	"outcome",
	"mirror_shares",
	"mirror_size_usd",
	"reason",
}

// Record is one row of the trade-tracking audit log.
type Record struct {
	Timestamp     time.Time
	TradeID       string
	LeaderName    string
	Market        string
	TokenID       string
	Side          string
	LeaderSize    string
	LeaderPrice   string
	Outcome       string // "accepted", "rejected", "error"; "observed" from track-trades
	MirrorShares  string
	MirrorSizeUSD string
	Reason        string
}

// Sink writes Records to state/trader_trades/<wallet>.csv, one file handle
// per wallet kept open for the engine's lifetime.
type Sink struct {
	outputDir string

	mu      sync.Mutex
	writers map[string]*walletWriter
}

type walletWriter struct {
	file *os.File
	csv  *csv.Writer
}

func NewSink(outputDir string) *Sink {
	return &Sink{outputDir: outputDir, writers: make(map[string]*walletWriter)}
}

// Append writes one record to wallet's CSV file, creating the file (and
// header row) the first time a wallet is seen.
func (s *Sink) Append(wallet string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.writerFor(wallet)
	if err != nil {
		return err
	}

	row := []string{
		rec.Timestamp.Format(time.RFC3339),
		rec.TradeID,
		rec.LeaderName,
		rec.Market,
		rec.TokenID,
		rec.Side,
		rec.LeaderSize,
		rec.LeaderPrice,
		rec.Outcome,
		rec.MirrorShares,
		rec.MirrorSizeUSD,
		rec.Reason,
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("audit: write row for %s: %w", wallet, err)
	}
	w.csv.Flush()
	return w.csv.Error()
}

func (s *Sink) writerFor(wallet string) (*walletWriter, error) {
	if w, ok := s.writers[wallet]; ok {
		return w, nil
	}

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create output dir: %w", err)
	}
	path := filepath.Join(s.outputDir, wallet+".csv")

	writeHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		writeHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	cw := csv.NewWriter(f)
	if writeHeader {
		if err := cw.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("audit: write header for %s: %w", wallet, err)
		}
		cw.Flush()
	}

	w := &walletWriter{file: f, csv: cw}
	s.writers[wallet] = w
	return w, nil
}

// Close flushes and closes every open wallet file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, w := range s.writers {
		w.csv.Flush()
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
