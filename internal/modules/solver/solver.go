// Package solver provides the two portfolio solver variants behind a
// single contract: the classical exact optimizer and the combinatorial
// annealing heuristic.
//
// Both variants select a subset of assets under cardinality and weight
// constraints and hold the members at equal weight, maximizing the
// translated objective. For a fixed seed and configuration, both are
// fully deterministic: the reported latency is a cost model over the
// work performed, not a wall-clock measurement, so threshold decisions
// downstream reproduce run over run.
package solver

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
)

// Cost-model constants. One unit of work maps to a fixed latency charge
// so that identical configurations report identical latencies.
const (
	// classicalEvalCostMS is charged per subset evaluated by the
	// exhaustive classical search.
	classicalEvalCostMS = 0.0005

	// combinatorialBaseLatencyMS models fixed dispatch overhead of the
	// annealing backend (queueing, embedding, readout).
	combinatorialBaseLatencyMS = 40.0

	// combinatorialFlipCostMS is charged per attempted bit flip across
	// all shots and sweeps.
	combinatorialFlipCostMS = 0.0002

	// latencyJitterFrac bounds the seeded jitter applied to the
	// combinatorial latency estimate.
	latencyJitterFrac = 0.15
)

// New constructs the solver for a variant.
func New(variant domain.SolverVariant, cfg config.SolverConfig, log zerolog.Logger) (domain.Solver, error) {
	switch variant {
	case domain.SolverClassical:
		return NewClassical(cfg, log), nil
	case domain.SolverCombinatorial:
		return NewCombinatorial(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown solver variant: %s", variant)
	}
}
