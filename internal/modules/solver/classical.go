package solver

import (
	"context"
	"math"
	"math/bits"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
)

// classicalEnumerationLimit caps the universe the exhaustive search will
// enumerate. Larger universes are pre-filtered to the top assets by
// coefficient, which keeps the search bounded without giving up exactness
// over the retained candidates.
const classicalEnumerationLimit = 18

// ClassicalSolver finds the best feasible selection by exhaustive
// enumeration. It is the system's ground truth and the fallback target:
// always available, always terminating within a bounded time.
type ClassicalSolver struct {
	cfg config.SolverConfig
	log zerolog.Logger
}

// NewClassical creates the classical solver.
func NewClassical(cfg config.SolverConfig, log zerolog.Logger) *ClassicalSolver {
	return &ClassicalSolver{
		cfg: cfg,
		log: log.With().Str("solver", string(domain.SolverClassical)).Logger(),
	}
}

// Variant identifies the solver.
func (s *ClassicalSolver) Variant() domain.SolverVariant {
	return domain.SolverClassical
}

// Solve enumerates every selection within the cardinality bounds and
// returns the best. The seed parameter is accepted for contract symmetry
// with the combinatorial variant; the search itself is exact and uses no
// randomness. With an active covariance matrix the winning subset's
// split is additionally refined off the equal-weight start, which is
// deterministic as well.
func (s *ClassicalSolver) Solve(ctx context.Context, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64) (domain.Solution, error) {
	started := time.Now()

	if len(coeffs.Order) == 0 {
		return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "no selectable assets"}
	}

	p := newProblem(coeffs, s.cfg.QuadWeight, constraints.Budget, classicalEnumerationLimit)
	lo, hi, err := cardinalityBounds(constraints, p.size())
	if err != nil {
		return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "infeasible constraints", Err: err}
	}

	bestMask := uint32(0)
	bestObj := math.Inf(-1)
	evals := 0

	total := uint32(1) << uint(p.size())
	for mask := uint32(1); mask < total; mask++ {
		if mask%8192 == 0 {
			if err := ctx.Err(); err != nil {
				return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "solve cancelled", Err: err}
			}
		}
		k := bits.OnesCount32(mask)
		if k < lo || k > hi {
			continue
		}
		evals++
		if obj := p.objective(mask); obj > bestObj {
			bestObj = obj
			bestMask = mask
		}
	}

	if bestMask == 0 {
		return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "no feasible selection"}
	}

	weights := p.weights(bestMask)
	refined := false
	if better, obj, ok := p.refineWeights(bestMask, constraints, bestObj); ok {
		weights = better
		bestObj = obj
		refined = true
	}
	if err := validateSolution(weights, constraints); err != nil {
		return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "constraint violation", Err: err}
	}

	meta := domain.SolveMetadata{
		LatencyMS:      float64(evals) * classicalEvalCostMS,
		NoiseEstimate:  0,
		Shots:          1,
		ObjectiveValue: bestObj,
		WallTimeMS:     float64(time.Since(started).Microseconds()) / 1000.0,
	}

	s.log.Debug().
		Int("universe", p.size()).
		Int("evaluations", evals).
		Float64("objective", bestObj).
		Int("selected", bits.OnesCount32(bestMask)).
		Bool("refined", refined).
		Msg("Classical solve complete")

	return domain.Solution{Weights: weights, ObjectiveValue: bestObj, Metadata: meta}, nil
}
