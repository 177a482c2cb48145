package domain

import "context"

// Solver defines the single contract every optimizer variant implements.
// Both the classical solver and the combinatorial heuristic satisfy it, so
// the fallback controller and the backtest harness can swap variants
// without knowing their internals.
type Solver interface {
	// Variant identifies the implementation behind this solver.
	Variant() SolverVariant

	// Solve produces portfolio weights for the given coefficients under the
	// given constraints. The same (coefficients, constraints, seed) triple
	// must always yield the same Solution. Solve honours ctx cancellation
	// between internal iterations and returns ctx.Err() when interrupted.
	Solve(ctx context.Context, coeffs ObjectiveCoefficients, constraints Constraints, seed int64) (Solution, error)
}

// RunLedger defines append-only persistence for decision records.
// This interface breaks the dependency between the backtest/safety modules
// (writers) and the ledger module (storage owner).
type RunLedger interface {
	// Append seals and stores a record. The record's hashes must already be
	// computed; Append assigns nothing and never mutates stored rows.
	Append(ctx context.Context, record RunRecord) error

	// List returns all records for a run ordered by sequence number.
	List(ctx context.Context, runID string) ([]RunRecord, error)

	// Get returns a single record by its stable reference.
	// Returns nil (no error) when the record does not exist.
	Get(ctx context.Context, runID string, seq int64) (*RunRecord, error)
}

// SafetyStateProvider exposes the safety gate's current state to readers.
// The gate itself is the single writer; everything else observes through
// this interface, which avoids an import cycle between the backtest and
// safety modules.
type SafetyStateProvider interface {
	// Snapshot returns the current tier and canary fraction.
	Snapshot() SafetySnapshot

	// ExecutionAllowed reports whether new orders may be submitted at all
	// under the current tier.
	ExecutionAllowed() bool
}
