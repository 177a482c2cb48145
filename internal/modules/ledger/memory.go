package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/helmsman/internal/domain"
)

// MemoryStore is an in-memory domain.RunLedger used by backtests that
// do not need persistence and by tests. It enforces the same
// append-only rule as the SQLite store: a (run_id, seq) pair can only
// be written once.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]domain.RunRecord // runID -> records in append order
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]domain.RunRecord),
	}
}

// Append stores a record, rejecting duplicate sequence numbers.
func (m *MemoryStore) Append(_ context.Context, rec domain.RunRecord) error {
	if rec.RunID == "" {
		return domain.InvalidInputError{Reason: "run record missing run_id"}
	}
	if rec.InputHash == "" || rec.OutputHash == "" {
		return domain.InvalidInputError{Reason: "run record missing hashes"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records[rec.RunID] {
		if existing.Seq == rec.Seq {
			return fmt.Errorf("append run record %s: %w", rec.Ref(), domain.ErrLedgerSealed)
		}
	}

	m.records[rec.RunID] = append(m.records[rec.RunID], rec)
	return nil
}

// List returns all records for a run in append order.
func (m *MemoryStore) List(_ context.Context, runID string) ([]domain.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.records[runID]
	out := make([]domain.RunRecord, len(src))
	copy(out, src)
	return out, nil
}

// Get returns a single record, or nil when absent.
func (m *MemoryStore) Get(_ context.Context, runID string, seq int64) (*domain.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records[runID] {
		if rec.Seq == seq {
			copied := rec
			return &copied, nil
		}
	}
	return nil, nil
}

// NextSeq returns the next sequence number for a run.
func (m *MemoryStore) NextSeq(_ context.Context, runID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var max int64
	for _, rec := range m.records[runID] {
		if rec.Seq > max {
			max = rec.Seq
		}
	}
	return max + 1, nil
}
