package testing

import (
	"sync"

	"github.com/aristath/helmsman/internal/domain"
)

// MockSafetyState is a fixed domain.SafetyStateProvider.
type MockSafetyState struct {
	mu      sync.RWMutex
	tier    string
	canary  int
	allowed bool
}

// NewMockSafetyState creates a provider reporting the given tier and
// canary percent.
func NewMockSafetyState(tier string, canaryPct int, allowed bool) *MockSafetyState {
	return &MockSafetyState{tier: tier, canary: canaryPct, allowed: allowed}
}

// Set replaces the reported state.
func (m *MockSafetyState) Set(tier string, canaryPct int, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier = tier
	m.canary = canaryPct
	m.allowed = allowed
}

// Snapshot implements domain.SafetyStateProvider.
func (m *MockSafetyState) Snapshot() domain.SafetySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return domain.SafetySnapshot{Tier: m.tier, CanaryPct: m.canary}
}

// ExecutionAllowed implements domain.SafetyStateProvider.
func (m *MockSafetyState) ExecutionAllowed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowed
}
