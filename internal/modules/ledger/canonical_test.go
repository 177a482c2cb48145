package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/domain"
)

func testCoefficients() domain.ObjectiveCoefficients {
	return domain.ObjectiveCoefficients{
		Order:       []string{"AAA", "BBB", "CCC"},
		Linear:      map[string]float64{"AAA": 0.8, "BBB": 0.5, "CCC": 0.2},
		RiskPenalty: map[string]float64{"AAA": 0.1, "BBB": 0.2, "CCC": 0.3},
		Excluded: []domain.ExcludedAsset{
			{ID: "DDD", Reason: domain.ExcludedNegativeCoeff},
		},
	}
}

func testConstraints() domain.Constraints {
	return domain.Constraints{
		MaxAssetWeight: 0.6,
		MaxAssets:      2,
		MinAssets:      1,
		Budget:         1.0,
	}
}

func TestHashInputsDeterministic(t *testing.T) {
	h1, err := HashInputs(5, 42, testCoefficients(), testConstraints(), 0.5, "1.0.0")
	require.NoError(t, err)
	h2, err := HashInputs(5, 42, testCoefficients(), testConstraints(), 0.5, "1.0.0")
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // hex-encoded SHA-256
}

func TestHashInputsSensitiveToSeed(t *testing.T) {
	h1, err := HashInputs(5, 42, testCoefficients(), testConstraints(), 0.5, "1.0.0")
	require.NoError(t, err)
	h2, err := HashInputs(5, 43, testCoefficients(), testConstraints(), 0.5, "1.0.0")
	require.NoError(t, err)
	h3, err := HashInputs(6, 42, testCoefficients(), testConstraints(), 0.5, "1.0.0")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestHashInputsIndependentOfMapOrder(t *testing.T) {
	// Build the same coefficients with maps populated in reverse order.
	// Go maps have randomized iteration, so a non-canonical encoding
	// would eventually produce differing hashes.
	a := testCoefficients()
	b := domain.ObjectiveCoefficients{
		Order:       []string{"AAA", "BBB", "CCC"},
		Linear:      map[string]float64{},
		RiskPenalty: map[string]float64{},
		Excluded: []domain.ExcludedAsset{
			{ID: "DDD", Reason: domain.ExcludedNegativeCoeff},
		},
	}
	for _, id := range []string{"CCC", "BBB", "AAA"} {
		b.Linear[id] = a.Linear[id]
		b.RiskPenalty[id] = a.RiskPenalty[id]
	}

	for i := 0; i < 20; i++ {
		ha, err := HashInputs(1, 7, a, testConstraints(), 0.5, "1.0.0")
		require.NoError(t, err)
		hb, err := HashInputs(1, 7, b, testConstraints(), 0.5, "1.0.0")
		require.NoError(t, err)
		require.Equal(t, ha, hb)
	}
}

func TestHashOutputsIgnoresLatency(t *testing.T) {
	decision := domain.PortfolioDecision{
		Epoch:          3,
		Weights:        map[string]float64{"AAA": 0.6, "BBB": 0.4},
		ObjectiveValue: 0.42,
		Variant:        domain.SolverClassical,
		Metadata: domain.SolveMetadata{
			LatencyMS:      12.5,
			ObjectiveValue: 0.42,
		},
	}

	h1, err := HashOutputs(decision)
	require.NoError(t, err)

	decision.Metadata.LatencyMS = 9000.0
	decision.Metadata.WallTimeMS = 123.0
	h2, err := HashOutputs(decision)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "latency metadata must not affect the output hash")
}

func TestHashOutputsSensitiveToWeights(t *testing.T) {
	decision := domain.PortfolioDecision{
		Weights:        map[string]float64{"AAA": 0.6, "BBB": 0.4},
		ObjectiveValue: 0.42,
		Variant:        domain.SolverClassical,
	}

	h1, err := HashOutputs(decision)
	require.NoError(t, err)

	decision.Weights["AAA"] = 0.5
	decision.Weights["BBB"] = 0.5
	h2, err := HashOutputs(decision)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
