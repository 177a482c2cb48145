package solver

import (
	"context"
	"sync"

	"github.com/aristath/helmsman/internal/domain"
)

// PerturbedSolver wraps a solver variant and inflates its reported
// latency and noise estimate after a configured number of invocations.
// Failover drills use it to prove the fallback path end to end; the
// wrapped solver's weights and objective are never modified.
type PerturbedSolver struct {
	inner         domain.Solver
	activateAfter int
	latencyBoost  float64
	noiseBoost    float64

	mu    sync.Mutex
	calls int
}

// NewPerturbed wraps inner. Perturbation applies to every invocation
// after the first activateAfter calls, so activateAfter=0 perturbs from
// the first call on.
func NewPerturbed(inner domain.Solver, activateAfter int, latencyBoostMS, noiseBoost float64) *PerturbedSolver {
	return &PerturbedSolver{
		inner:         inner,
		activateAfter: activateAfter,
		latencyBoost:  latencyBoostMS,
		noiseBoost:    noiseBoost,
	}
}

// Variant reports the wrapped solver's variant.
func (s *PerturbedSolver) Variant() domain.SolverVariant {
	return s.inner.Variant()
}

// Solve delegates to the wrapped solver, perturbing the returned
// metadata once active.
func (s *PerturbedSolver) Solve(ctx context.Context, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64) (domain.Solution, error) {
	s.mu.Lock()
	s.calls++
	active := s.calls > s.activateAfter
	s.mu.Unlock()

	sol, err := s.inner.Solve(ctx, coeffs, constraints, seed)
	if err != nil {
		return sol, err
	}
	if active {
		sol.Metadata.LatencyMS += s.latencyBoost
		sol.Metadata.NoiseEstimate += s.noiseBoost
	}
	return sol, nil
}
