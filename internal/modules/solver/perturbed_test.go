package solver

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
)

func TestPerturbedSolverActivatesAfterThreshold(t *testing.T) {
	inner := NewClassical(config.SolverConfig{}, zerolog.Nop())
	s := NewPerturbed(inner, 2, 500.0, 0.5)

	coeffs := testCoefficients(map[string]float64{"AAA": 0.9, "BBB": 0.5})
	constraints := domain.Constraints{MinAssets: 1, MaxAssets: 2, MaxAssetWeight: 1.0, Budget: 1.0}
	ctx := context.Background()

	baseline, err := inner.Solve(ctx, coeffs, constraints, 42)
	require.NoError(t, err)

	first, err := s.Solve(ctx, coeffs, constraints, 42)
	require.NoError(t, err)
	second, err := s.Solve(ctx, coeffs, constraints, 42)
	require.NoError(t, err)
	third, err := s.Solve(ctx, coeffs, constraints, 42)
	require.NoError(t, err)

	assert.Equal(t, baseline.Metadata.LatencyMS, first.Metadata.LatencyMS)
	assert.Equal(t, baseline.Metadata.LatencyMS, second.Metadata.LatencyMS)
	assert.Equal(t, baseline.Metadata.LatencyMS+500.0, third.Metadata.LatencyMS)
	assert.Equal(t, baseline.Metadata.NoiseEstimate+0.5, third.Metadata.NoiseEstimate)

	// The solution itself is untouched
	assert.Equal(t, baseline.Weights, third.Weights)
	assert.Equal(t, baseline.ObjectiveValue, third.ObjectiveValue)
	assert.Equal(t, inner.Variant(), s.Variant())
}

func TestPerturbedSolverImmediateActivation(t *testing.T) {
	inner := NewClassical(config.SolverConfig{}, zerolog.Nop())
	s := NewPerturbed(inner, 0, 100.0, 0.2)

	coeffs := testCoefficients(map[string]float64{"AAA": 0.9})
	constraints := domain.Constraints{MinAssets: 1, MaxAssets: 1, MaxAssetWeight: 1.0, Budget: 1.0}

	baseline, err := inner.Solve(context.Background(), coeffs, constraints, 42)
	require.NoError(t, err)

	sol, err := s.Solve(context.Background(), coeffs, constraints, 42)
	require.NoError(t, err)
	assert.Equal(t, baseline.Metadata.LatencyMS+100.0, sol.Metadata.LatencyMS)
}
