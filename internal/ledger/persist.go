package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

const timeLayout = time.RFC3339Nano

func mustDecimal(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// persistedPosition is the on-disk shape of one MirrorPosition; decimals
// round-trip through their string form since encoding/json has no native
// arbitrary-precision numeric type.
type persistedPosition struct {
	Market              string            `json:"market"`
	TokenID             string            `json:"token_id"`
	Size                string            `json:"size"`
	AvgEntryPrice       string            `json:"avg_entry_price"`
	OpenedAt            string            `json:"opened_at"`
	LastUpdatedAt       string            `json:"last_updated_at"`
	ContributingLeaders map[string]string `json:"contributing_leaders"`
}

// persistedLedger is the state/ledger.json document. processed_fills is
// deliberately excluded: it is bounded and reconstructed from the audit log
// on restart, not carried across snapshots.
type persistedLedger struct {
	Positions         []persistedPosition `json:"positions"`
	PerLeaderExposure map[string]string   `json:"per_leader_exposure"`
	GlobalExposure    string              `json:"global_exposure"`
	RealizedPnL       map[string]string   `json:"realized_pnl"`
}

// SaveSnapshot writes the ledger's positions and exposure to path as JSON,
// atomically via a temp-file rename so a crash mid-write never corrupts the
// previous snapshot.
func (l *Ledger) SaveSnapshot(path string) error {
	l.mu.Lock()
	doc := persistedLedger{
		PerLeaderExposure: make(map[string]string, len(l.perLeaderExposure)),
		GlobalExposure:    l.globalExposure.String(),
		RealizedPnL:       make(map[string]string, len(l.realizedPnL)),
	}
	for leader, exposure := range l.perLeaderExposure {
		doc.PerLeaderExposure[leader] = exposure.String()
	}
	for leader, pnl := range l.realizedPnL {
		doc.RealizedPnL[leader] = pnl.String()
	}
	for key, pos := range l.positions {
		leaders := make(map[string]string, len(pos.ContributingLeaders))
		for leader, shares := range pos.ContributingLeaders {
			leaders[leader] = shares.String()
		}
		doc.Positions = append(doc.Positions, persistedPosition{
			Market:              key.Market,
			TokenID:             key.TokenID,
			Size:                pos.Size.String(),
			AvgEntryPrice:       pos.AvgEntryPrice.String(),
			OpenedAt:            pos.OpenedAt.Format(timeLayout),
			LastUpdatedAt:       pos.LastUpdatedAt.Format(timeLayout),
			ContributingLeaders: leaders,
		})
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// LoadSnapshot replaces the ledger's positions and exposure with the
// contents of path. processed_fills starts empty; callers that need
// idempotency across a restart should replay the audit log through
// MarkProcessed before resuming the fast loop.
func (l *Ledger) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc persistedLedger
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.globalExposure = mustDecimal(doc.GlobalExposure)
	l.perLeaderExposure = make(map[string]decimal.Decimal, len(doc.PerLeaderExposure))
	for leader, exposure := range doc.PerLeaderExposure {
		l.perLeaderExposure[leader] = mustDecimal(exposure)
	}
	l.realizedPnL = make(map[string]decimal.Decimal, len(doc.RealizedPnL))
	for leader, pnl := range doc.RealizedPnL {
		l.realizedPnL[leader] = mustDecimal(pnl)
	}

	l.positions = make(map[PositionKey]*MirrorPosition, len(doc.Positions))
	for _, p := range doc.Positions {
		openedAt, _ := parseTime(p.OpenedAt)
		updatedAt, _ := parseTime(p.LastUpdatedAt)
		leaders := make(map[string]decimal.Decimal, len(p.ContributingLeaders))
		for leader, shares := range p.ContributingLeaders {
			leaders[leader] = mustDecimal(shares)
		}
		l.positions[PositionKey{Market: p.Market, TokenID: p.TokenID}] = &MirrorPosition{
			Market:              p.Market,
			TokenID:             p.TokenID,
			Size:                mustDecimal(p.Size),
			AvgEntryPrice:       mustDecimal(p.AvgEntryPrice),
			OpenedAt:            openedAt,
			LastUpdatedAt:       updatedAt,
			ContributingLeaders: leaders,
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
