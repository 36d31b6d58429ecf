// Package status holds the snapshot of the most recent run. The snapshot
// is replaced wholesale when a run's join completes, never merged, and a
// query before any run reports that explicitly.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcus/roundtable/internal/providers"
)

// ProviderStats aggregates one provider's results within a run. Average
// latency counts successful queries only; SuccessRate is a 0..1 fraction.
type ProviderStats struct {
	TotalQueries      int     `json:"totalQueries"`
	SuccessfulQueries int     `json:"successfulQueries"`
	FailedQueries     int     `json:"failedQueries"`
	SuccessRate       float64 `json:"successRate"`
	AvgLatencyMs      int64   `json:"avgLatencyMs"`
	TotalCostUSD      float64 `json:"totalCostUsd"`
}

// Snapshot is the single-slot record of the last run. Once stored it is
// immutable; a new run builds a fresh one.
type Snapshot struct {
	RunID          string                   `json:"runId"`
	FinishedAt     time.Time                `json:"finishedAt"`
	Providers      map[string]ProviderStats `json:"providers"`
	Totals         ProviderStats            `json:"totals"`
	SynthModelUsed string                   `json:"synthModelUsed,omitempty"`
}

// Build derives a snapshot from a settled result set. Pure; the caller
// stores it.
func Build(runID string, results []providers.AnswerResult) *Snapshot {
	snap := &Snapshot{
		RunID:      runID,
		FinishedAt: time.Now(),
		Providers:  make(map[string]ProviderStats),
	}

	latencies := make(map[string]int64)
	var totalLatency int64
	for _, r := range results {
		key := string(r.Provider)
		ps := snap.Providers[key]
		ps.TotalQueries++
		if r.Succeeded() {
			ps.SuccessfulQueries++
			ps.TotalCostUSD += r.CostUSD
			latencies[key] += r.LatencyMs
			totalLatency += r.LatencyMs
		} else {
			ps.FailedQueries++
		}
		snap.Providers[key] = ps
	}

	for key, ps := range snap.Providers {
		if ps.TotalQueries > 0 {
			ps.SuccessRate = float64(ps.SuccessfulQueries) / float64(ps.TotalQueries)
		}
		if ps.SuccessfulQueries > 0 {
			ps.AvgLatencyMs = latencies[key] / int64(ps.SuccessfulQueries)
		}
		snap.Providers[key] = ps

		snap.Totals.TotalQueries += ps.TotalQueries
		snap.Totals.SuccessfulQueries += ps.SuccessfulQueries
		snap.Totals.FailedQueries += ps.FailedQueries
		snap.Totals.TotalCostUSD += ps.TotalCostUSD
	}
	if snap.Totals.TotalQueries > 0 {
		snap.Totals.SuccessRate = float64(snap.Totals.SuccessfulQueries) / float64(snap.Totals.TotalQueries)
	}
	if snap.Totals.SuccessfulQueries > 0 {
		snap.Totals.AvgLatencyMs = totalLatency / int64(snap.Totals.SuccessfulQueries)
	}
	return snap
}

// Store is the process-wide single slot, passed by reference to the
// orchestrator and the status query instead of living in a global.
type Store struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the snapshot.
func (s *Store) Set(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

// Get returns the current snapshot. The second return is false before any
// run has completed.
func (s *Store) Get() (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return nil, false
	}
	return s.snap, true
}

// Reset clears the slot back to the no-runs state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
}

// Save writes a snapshot to disk so a separate status query process can
// read it. Atomic via temp file.
func Save(path string, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating status dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	return nil
}

// Load reads a persisted snapshot. Returns os.ErrNotExist (wrapped) when
// no run has been recorded yet.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if snap.Providers == nil {
		snap.Providers = make(map[string]ProviderStats)
	}
	return &snap, nil
}
