package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
)

type persistedLeaderState struct {
	LastSeenTS int64    `json:"last_seen_ts"`
	SeenIDs    []string `json:"seen_ids_recent"`
}

type persistedMonitor struct {
	Leaders map[string]persistedLeaderState `json:"leaders"`
}

// SaveSnapshot writes every leader's last_seen_ts and recent-id set to
// path, for crash recovery without re-scanning trade history from zero.
func (m *Monitor) SaveSnapshot(path string) error {
	m.mu.Lock()
	doc := persistedMonitor{Leaders: make(map[string]persistedLeaderState, len(m.states))}
	for wallet, s := range m.states {
		doc.Leaders[wallet] = persistedLeaderState{
			LastSeenTS: s.lastSeenTS,
			SeenIDs:    append([]string(nil), s.order...),
		}
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot restores last_seen_ts and the recent-id set from path,
// seeding overlap-window dedup state before the fast loop starts polling.
func (m *Monitor) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc persistedMonitor
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for wallet, saved := range doc.Leaders {
		state := newLeaderState()
		state.lastSeenTS = saved.LastSeenTS
		for _, id := range saved.SeenIDs {
			state.remember(id)
		}
		m.states[wallet] = state
	}
	return nil
}
