package fallback

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/events"
)

// funcSolver scripts solver behavior per call for exercising the breaker.
type funcSolver struct {
	variant domain.SolverVariant
	calls   int
	fn      func(call int) (domain.Solution, error)
}

func (s *funcSolver) Variant() domain.SolverVariant { return s.variant }

func (s *funcSolver) Solve(ctx context.Context, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64) (domain.Solution, error) {
	s.calls++
	return s.fn(s.calls)
}

func solution(objective, latencyMS, noise float64) domain.Solution {
	return domain.Solution{
		Weights:        map[string]float64{"AAA": 1.0},
		ObjectiveValue: objective,
		Metadata: domain.SolveMetadata{
			LatencyMS:      latencyMS,
			NoiseEstimate:  noise,
			Shots:          8,
			ObjectiveValue: objective,
		},
	}
}

func alwaysSolver(variant domain.SolverVariant, sol domain.Solution) *funcSolver {
	return &funcSolver{variant: variant, fn: func(int) (domain.Solution, error) { return sol, nil }}
}

func failingSolver(variant domain.SolverVariant, err error) *funcSolver {
	return &funcSolver{variant: variant, fn: func(int) (domain.Solution, error) { return domain.Solution{}, err }}
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		LatencyThresholdMS:  100,
		NoiseThreshold:      0.3,
		WindowSize:          5,
		BreachLimit:         2,
		CooldownInvocations: 2,
		MaxCooldown:         8,
		ObjectiveTolerance:  0.1,
	}
}

func testCoeffs() domain.ObjectiveCoefficients {
	linear := map[string]float64{"AAA": 0.9, "BBB": 0.5, "CCC": 0.1}
	order := make([]string, 0, len(linear))
	for id := range linear {
		order = append(order, id)
	}
	sort.Strings(order)
	return domain.ObjectiveCoefficients{Order: order, Linear: linear}
}

func testConstraints() domain.Constraints {
	return domain.Constraints{MinAssets: 1, MaxAssets: 2, MaxAssetWeight: 1.0, Budget: 1.0}
}

func TestClassicalOnlyMode(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	c := NewController(classical, nil, testBreakerConfig(), nil, nil, zerolog.Nop())

	d := c.Decide(context.Background(), 0, testCoeffs(), testConstraints(), 42)

	assert.Equal(t, domain.SolverClassical, d.Variant)
	assert.False(t, d.FallbackTriggered)
	assert.False(t, d.NoDecision)
	assert.Equal(t, 1, classical.calls)
}

func TestHealthyCombinatorialAccepted(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	combinatorial := alwaysSolver(domain.SolverCombinatorial, solution(0.88, 50, 0.1))
	c := NewController(classical, combinatorial, testBreakerConfig(), nil, nil, zerolog.Nop())

	d := c.Decide(context.Background(), 0, testCoeffs(), testConstraints(), 42)

	assert.Equal(t, domain.SolverCombinatorial, d.Variant)
	assert.False(t, d.FallbackTriggered)
	assert.Equal(t, 0, classical.calls, "classical not invoked when the heuristic is healthy")
	assert.Equal(t, StateClosed, c.State())
}

func TestLatencyBreachFallsBack(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	combinatorial := alwaysSolver(domain.SolverCombinatorial, solution(0.88, 500, 0.1))
	c := NewController(classical, combinatorial, testBreakerConfig(), nil, nil, zerolog.Nop())

	d := c.Decide(context.Background(), 0, testCoeffs(), testConstraints(), 42)

	assert.Equal(t, domain.SolverClassical, d.Variant)
	assert.True(t, d.FallbackTriggered)
	assert.Equal(t, "latency threshold exceeded", d.Reason)
	assert.Equal(t, 1, classical.calls)
	assert.Equal(t, StateClosed, c.State(), "single breach stays below the limit")
	assert.Equal(t, 1, c.Breaches())
}

func TestNoiseBreachFallsBack(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	combinatorial := alwaysSolver(domain.SolverCombinatorial, solution(0.88, 50, 0.9))
	c := NewController(classical, combinatorial, testBreakerConfig(), nil, nil, zerolog.Nop())

	d := c.Decide(context.Background(), 0, testCoeffs(), testConstraints(), 42)

	assert.True(t, d.FallbackTriggered)
	assert.Equal(t, "noise threshold exceeded", d.Reason)
}

func TestSolverErrorFallsBack(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	combinatorial := failingSolver(domain.SolverCombinatorial, errors.New("embedding failed"))
	c := NewController(classical, combinatorial, testBreakerConfig(), nil, nil, zerolog.Nop())

	d := c.Decide(context.Background(), 0, testCoeffs(), testConstraints(), 42)

	assert.True(t, d.FallbackTriggered)
	assert.Equal(t, domain.SolverClassical, d.Variant)
	assert.Contains(t, d.Reason, "embedding failed")
}

func TestBreakerOpensAfterBreachLimit(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	combinatorial := alwaysSolver(domain.SolverCombinatorial, solution(0.88, 500, 0.1))
	c := NewController(classical, combinatorial, testBreakerConfig(), nil, nil, zerolog.Nop())
	ctx := context.Background()

	c.Decide(ctx, 0, testCoeffs(), testConstraints(), 42)
	c.Decide(ctx, 1, testCoeffs(), testConstraints(), 42)
	require.Equal(t, StateOpen, c.State(), "second breach reaches the limit")

	combCallsAtOpen := combinatorial.calls
	d := c.Decide(ctx, 2, testCoeffs(), testConstraints(), 42)

	assert.Equal(t, combCallsAtOpen, combinatorial.calls, "open breaker skips the combinatorial solver")
	assert.True(t, d.FallbackTriggered)
	assert.Equal(t, "breaker open", d.Reason)
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	// Breaches twice, then healthy and within tolerance of classical
	combinatorial := &funcSolver{variant: domain.SolverCombinatorial, fn: func(call int) (domain.Solution, error) {
		if call <= 2 {
			return solution(0.88, 500, 0.1), nil
		}
		return solution(0.88, 50, 0.1), nil
	}}
	c := NewController(classical, combinatorial, testBreakerConfig(), nil, nil, zerolog.Nop())
	ctx := context.Background()

	c.Decide(ctx, 0, testCoeffs(), testConstraints(), 42)
	c.Decide(ctx, 1, testCoeffs(), testConstraints(), 42)
	require.Equal(t, StateOpen, c.State())

	// Cooldown of 2 invocations: one skipped epoch, then the probe
	c.Decide(ctx, 2, testCoeffs(), testConstraints(), 42)
	require.Equal(t, StateOpen, c.State())

	d := c.Decide(ctx, 3, testCoeffs(), testConstraints(), 42)
	assert.Equal(t, StateClosed, c.State(), "successful probe closes the breaker")
	assert.Equal(t, domain.SolverCombinatorial, d.Variant)
	assert.False(t, d.FallbackTriggered)
	assert.Equal(t, 0, c.Breaches(), "window re-arms on close")
}

func TestFailedProbeDoublesCooldown(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	combinatorial := alwaysSolver(domain.SolverCombinatorial, solution(0.88, 500, 0.1))
	c := NewController(classical, combinatorial, testBreakerConfig(), nil, nil, zerolog.Nop())
	ctx := context.Background()

	// Two breaches open the breaker with a cooldown of 2
	c.Decide(ctx, 0, testCoeffs(), testConstraints(), 42)
	c.Decide(ctx, 1, testCoeffs(), testConstraints(), 42)
	require.Equal(t, StateOpen, c.State())

	// Invocation 3 counts down, invocation 4 probes and fails
	c.Decide(ctx, 2, testCoeffs(), testConstraints(), 42)
	c.Decide(ctx, 3, testCoeffs(), testConstraints(), 42)
	require.Equal(t, StateOpen, c.State(), "failed probe re-opens")
	require.Equal(t, 3, combinatorial.calls)

	// Doubled cooldown of 4: three skipped epochs, probe on the fourth
	for epoch := 4; epoch < 7; epoch++ {
		c.Decide(ctx, epoch, testCoeffs(), testConstraints(), 42)
		require.Equal(t, StateOpen, c.State())
	}
	require.Equal(t, 3, combinatorial.calls, "no attempts while counting down")

	c.Decide(ctx, 7, testCoeffs(), testConstraints(), 42)
	assert.Equal(t, 4, combinatorial.calls, "second probe after doubled cooldown")
	assert.Equal(t, StateOpen, c.State())
}

func TestProbeObjectiveOutsideTolerance(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(1.0, 1, 0))
	// Breaches twice to open, then healthy metadata but a poor objective
	combinatorial := &funcSolver{variant: domain.SolverCombinatorial, fn: func(call int) (domain.Solution, error) {
		if call <= 2 {
			return solution(0.9, 500, 0.1), nil
		}
		return solution(0.5, 50, 0.1), nil
	}}
	c := NewController(classical, combinatorial, testBreakerConfig(), nil, nil, zerolog.Nop())
	ctx := context.Background()

	for epoch := 0; epoch < 3; epoch++ {
		c.Decide(ctx, epoch, testCoeffs(), testConstraints(), 42)
	}
	d := c.Decide(ctx, 3, testCoeffs(), testConstraints(), 42)

	assert.Equal(t, StateOpen, c.State(), "out-of-tolerance probe re-opens")
	assert.Equal(t, domain.SolverClassical, d.Variant)
	assert.True(t, d.FallbackTriggered)
	assert.Equal(t, "probe objective outside tolerance", d.Reason)
}

func TestNoDecisionWhenClassicalFails(t *testing.T) {
	classical := failingSolver(domain.SolverClassical, errors.New("no feasible selection"))
	combinatorial := failingSolver(domain.SolverCombinatorial, errors.New("embedding failed"))
	c := NewController(classical, combinatorial, testBreakerConfig(), nil, nil, zerolog.Nop())

	d := c.Decide(context.Background(), 0, testCoeffs(), testConstraints(), 42)

	assert.True(t, d.NoDecision)
	assert.True(t, d.FallbackTriggered)
	assert.Contains(t, d.Reason, "no feasible selection")
	assert.Empty(t, d.Selected)
	for id, w := range d.Weights {
		assert.Equal(t, 0.0, w, "asset %s", id)
	}
}

func TestDecisionWeightsCoverUniverse(t *testing.T) {
	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	c := NewController(classical, nil, testBreakerConfig(), nil, nil, zerolog.Nop())

	d := c.Decide(context.Background(), 0, testCoeffs(), testConstraints(), 42)

	require.Len(t, d.Weights, 3, "zero entries for unselected assets")
	assert.Equal(t, 1.0, d.Weights["AAA"])
	assert.Equal(t, 0.0, d.Weights["BBB"])
	assert.Equal(t, 0.0, d.Weights["CCC"])
	assert.Equal(t, []string{"AAA"}, d.Selected)
}

func TestBreakerTransitionEmitsEvent(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	manager := events.NewManager(bus, zerolog.Nop())

	var moves []events.BreakerStateMovedData
	bus.Subscribe(events.BreakerStateMoved, func(e *events.Event) {
		if data, ok := e.GetTypedData().(*events.BreakerStateMovedData); ok {
			moves = append(moves, *data)
		}
	})

	classical := alwaysSolver(domain.SolverClassical, solution(0.9, 1, 0))
	combinatorial := alwaysSolver(domain.SolverCombinatorial, solution(0.88, 500, 0.1))
	c := NewController(classical, combinatorial, testBreakerConfig(), manager, nil, zerolog.Nop())
	ctx := context.Background()

	c.Decide(ctx, 0, testCoeffs(), testConstraints(), 42)
	c.Decide(ctx, 1, testCoeffs(), testConstraints(), 42)

	require.Len(t, moves, 1)
	assert.Equal(t, string(StateClosed), moves[0].From)
	assert.Equal(t, string(StateOpen), moves[0].To)
	assert.Equal(t, 2, moves[0].Breaches)
}
