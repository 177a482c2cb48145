package solver

import (
	"context"
	"math"
	"math/bits"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
)

// Bounds on the combinatorial pre-filter. The annealer only ever runs on
// a small top-N slice of the universe; anything wider belongs to the
// classical variant.
const (
	topNMin = 3
	topNMax = 6
)

// CombinatorialSolver approximates the selection problem with simulated
// annealing over a top-N pre-filtered universe. It is a heuristic: it may
// return a worse objective than the classical solver, and that is an
// expected outcome rather than an error. All randomness flows from the
// caller's seed, so a fixed seed reproduces the identical solution and
// metadata.
type CombinatorialSolver struct {
	cfg config.SolverConfig
	log zerolog.Logger
}

// NewCombinatorial creates the annealing solver.
func NewCombinatorial(cfg config.SolverConfig, log zerolog.Logger) *CombinatorialSolver {
	return &CombinatorialSolver{
		cfg: cfg,
		log: log.With().Str("solver", string(domain.SolverCombinatorial)).Logger(),
	}
}

// Variant identifies the solver.
func (s *CombinatorialSolver) Variant() domain.SolverVariant {
	return domain.SolverCombinatorial
}

// Solve anneals selection bitmasks across restarts ("shots") and returns
// the best state visited. The noise estimate is the dispersion of the
// per-shot best energies relative to the overall best: shots that all
// land on the same state report zero noise, scattered shots report high
// noise.
func (s *CombinatorialSolver) Solve(ctx context.Context, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64) (domain.Solution, error) {
	started := time.Now()

	if len(coeffs.Order) == 0 {
		return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "no selectable assets"}
	}

	topN := s.cfg.TopN
	if topN < topNMin {
		topN = topNMin
	}
	if topN > topNMax {
		topN = topNMax
	}

	p := newProblem(coeffs, s.cfg.QuadWeight, constraints.Budget, topN)
	lo, hi, err := cardinalityBounds(constraints, p.size())
	if err != nil {
		return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "infeasible constraints", Err: err}
	}

	shots := s.cfg.Shots
	if shots < 1 {
		shots = 1
	}
	sweeps := s.cfg.Sweeps
	if sweeps < 1 {
		sweeps = 1
	}
	initialTemp := s.cfg.InitialTemp
	if initialTemp <= 0 {
		initialTemp = 1.0
	}
	cooling := s.cfg.CoolingRate
	if cooling <= 0 || cooling >= 1 {
		cooling = 0.95
	}

	rng := rand.New(rand.NewSource(seed))
	n := p.size()

	bestMask := uint32(0)
	bestEnergy := math.Inf(1)
	shotBests := make([]float64, 0, shots)
	flipAttempts := 0

	for shot := 0; shot < shots; shot++ {
		if err := ctx.Err(); err != nil {
			return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "solve cancelled", Err: err}
		}

		state := s.randomFeasibleMask(rng, n, lo, hi)
		energy := -p.objective(state)
		shotBestMask, shotBestEnergy := state, energy

		temp := initialTemp
		for sweep := 0; sweep < sweeps; sweep++ {
			for attempt := 0; attempt < n; attempt++ {
				flipAttempts++
				candidate := s.propose(rng, state, n, lo, hi)
				if candidate == state {
					continue
				}
				candEnergy := -p.objective(candidate)
				delta := candEnergy - energy
				if delta <= 0 || rng.Float64() < math.Exp(-delta/temp) {
					state, energy = candidate, candEnergy
					if energy < shotBestEnergy {
						shotBestMask, shotBestEnergy = state, energy
					}
				}
			}
			temp *= cooling
		}

		shotBests = append(shotBests, shotBestEnergy)
		if shotBestEnergy < bestEnergy {
			bestMask, bestEnergy = shotBestMask, shotBestEnergy
		}
	}

	if bestMask == 0 {
		return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "no feasible selection"}
	}

	weights := p.weights(bestMask)
	if err := validateSolution(weights, constraints); err != nil {
		return domain.Solution{}, domain.SolverError{Variant: s.Variant(), Reason: "constraint violation", Err: err}
	}

	noise := 0.0
	if len(shotBests) > 1 {
		noise = stat.StdDev(shotBests, nil) / (math.Abs(bestEnergy) + 1e-9)
		if noise > 1 {
			noise = 1
		}
	}

	latency := combinatorialBaseLatencyMS + float64(flipAttempts)*combinatorialFlipCostMS
	latency *= 1 + latencyJitterFrac*(2*rng.Float64()-1)

	objective := -bestEnergy
	meta := domain.SolveMetadata{
		LatencyMS:      latency,
		NoiseEstimate:  noise,
		Shots:          shots,
		ObjectiveValue: objective,
		WallTimeMS:     float64(time.Since(started).Microseconds()) / 1000.0,
	}

	s.log.Debug().
		Int("universe", n).
		Int("shots", shots).
		Float64("noise", noise).
		Float64("objective", objective).
		Int("selected", bits.OnesCount32(bestMask)).
		Msg("Combinatorial solve complete")

	return domain.Solution{Weights: weights, ObjectiveValue: objective, Metadata: meta}, nil
}

// propose draws the next candidate state. Cardinality-changing flips are
// mixed with cardinality-preserving swaps so the chain can still move
// when the feasible band is a single cardinality. A proposal that would
// leave the feasible band returns the current state unchanged.
func (s *CombinatorialSolver) propose(rng *rand.Rand, state uint32, n, lo, hi int) uint32 {
	if lo < hi && rng.Float64() < 0.5 {
		candidate := state ^ (1 << uint(rng.Intn(n)))
		if k := bits.OnesCount32(candidate); k >= lo && k <= hi {
			return candidate
		}
		return state
	}

	// Swap one member out and one non-member in
	var in, out []int
	for i := 0; i < n; i++ {
		if state&(1<<uint(i)) != 0 {
			in = append(in, i)
		} else {
			out = append(out, i)
		}
	}
	if len(in) == 0 || len(out) == 0 {
		return state
	}
	candidate := state
	candidate ^= 1 << uint(in[rng.Intn(len(in))])
	candidate ^= 1 << uint(out[rng.Intn(len(out))])
	return candidate
}

// randomFeasibleMask draws a uniformly random selection with cardinality
// inside [lo, hi].
func (s *CombinatorialSolver) randomFeasibleMask(rng *rand.Rand, n, lo, hi int) uint32 {
	k := lo
	if hi > lo {
		k += rng.Intn(hi - lo + 1)
	}
	mask := uint32(0)
	for _, idx := range rng.Perm(n)[:k] {
		mask |= 1 << uint(idx)
	}
	return mask
}
