package translator

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
)

func score(v float64) *float64 { return &v }

func newTestTranslator(cfg config.TranslatorConfig) *Translator {
	return New(cfg, zerolog.Nop())
}

func TestTranslateAllScoresMissingReturnsInvalidInput(t *testing.T) {
	tr := newTestTranslator(config.TranslatorConfig{
		Alpha: 1, Beta: 0.5, Normalization: "zscore", LongOnly: true,
	})

	nan := math.NaN()
	snapshots := []domain.AssetSnapshot{
		{ID: "AAA", Price: 100, Score: nil},
		{ID: "BBB", Price: 100, Score: &nan},
	}

	_, err := tr.Translate(snapshots, nil)
	require.Error(t, err)
	assert.True(t, domain.IsInvalidInput(err))
}

func TestTranslateExcludesMissingScoreAssets(t *testing.T) {
	tr := newTestTranslator(config.TranslatorConfig{
		Alpha: 1, Beta: 0, Normalization: "minmax", LongOnly: false,
	})

	nan := math.NaN()
	snapshots := []domain.AssetSnapshot{
		{ID: "AAA", Price: 100, Score: score(0.8), Volatility: 0.2},
		{ID: "BBB", Price: 100, Score: &nan, Volatility: 0.2},
		{ID: "CCC", Price: 100, Score: score(0.1), Volatility: 0.2},
	}

	coeffs, err := tr.Translate(snapshots, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "CCC"}, coeffs.Order)
	require.Len(t, coeffs.Excluded, 1)
	assert.Equal(t, "BBB", coeffs.Excluded[0].ID)
	assert.Equal(t, domain.ExcludedMissingScore, coeffs.Excluded[0].Reason)
}

func TestTranslateLongOnlyExcludesNegativeCoefficients(t *testing.T) {
	// beta=0 so the coefficient is just the normalized score; with zscore
	// the below-mean asset lands negative and must be excluded, not clipped
	tr := newTestTranslator(config.TranslatorConfig{
		Alpha: 1, Beta: 0, Normalization: "zscore", LongOnly: true,
	})

	snapshots := []domain.AssetSnapshot{
		{ID: "GOOD", Price: 100, Score: score(0.9), Volatility: 0.2},
		{ID: "MID", Price: 100, Score: score(0.5), Volatility: 0.2},
		{ID: "BAD", Price: 100, Score: score(-0.9), Volatility: 0.2},
	}

	coeffs, err := tr.Translate(snapshots, nil)
	require.NoError(t, err)

	assert.NotContains(t, coeffs.Linear, "BAD")
	found := false
	for _, ex := range coeffs.Excluded {
		if ex.ID == "BAD" {
			found = true
			assert.Equal(t, domain.ExcludedNegativeCoeff, ex.Reason)
		}
	}
	assert.True(t, found, "negative-coefficient asset recorded in exclusions")

	// Survivors keep their true (positive) coefficients
	for id, c := range coeffs.Linear {
		assert.Greater(t, c, 0.0, "asset %s", id)
	}
}

func TestTranslateCoefficientFormula(t *testing.T) {
	// minmax normalization with hand-checkable values:
	// scores 0.0/1.0 -> norm 0/1; vols 0.1/0.3 -> norm 0/1
	tr := newTestTranslator(config.TranslatorConfig{
		Alpha: 1.0, Beta: 0.5, Normalization: "minmax", LongOnly: false,
	})

	snapshots := []domain.AssetSnapshot{
		{ID: "LOWSCORE", Price: 100, Score: score(0.0), Volatility: 0.1},
		{ID: "HIGHSCORE", Price: 100, Score: score(1.0), Volatility: 0.3},
	}

	coeffs, err := tr.Translate(snapshots, nil)
	require.NoError(t, err)

	// LOWSCORE: 1.0*0 - 0.5*0 = 0; HIGHSCORE: 1.0*1 - 0.5*1 = 0.5
	assert.InDelta(t, 0.0, coeffs.Linear["LOWSCORE"], 1e-9)
	assert.InDelta(t, 0.5, coeffs.Linear["HIGHSCORE"], 1e-9)
}

func TestTranslateDeterministic(t *testing.T) {
	tr := newTestTranslator(config.TranslatorConfig{
		Alpha: 1, Beta: 0.5, Normalization: "zscore", LongOnly: true, UseCovariance: true,
	})

	snapshots := []domain.AssetSnapshot{
		{ID: "AAA", Price: 100, Score: score(0.4), Volatility: 0.15},
		{ID: "BBB", Price: 100, Score: score(0.7), Volatility: 0.22},
		{ID: "CCC", Price: 100, Score: score(0.2), Volatility: 0.18},
	}
	history := domain.PriceHistory{
		"AAA": {100, 101, 99, 102, 103, 101},
		"BBB": {50, 51, 52, 50, 53, 54},
		"CCC": {200, 198, 202, 205, 203, 207},
	}

	first, err := tr.Translate(snapshots, history)
	require.NoError(t, err)
	second, err := tr.Translate(snapshots, history)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestTranslateBuildsPSDCovariance(t *testing.T) {
	tr := newTestTranslator(config.TranslatorConfig{
		Alpha: 1, Beta: 0, Normalization: "minmax", LongOnly: false, UseCovariance: true,
	})

	snapshots := []domain.AssetSnapshot{
		{ID: "AAA", Price: 100, Score: score(0.5), Volatility: 0.2},
		{ID: "BBB", Price: 100, Score: score(0.6), Volatility: 0.3},
	}
	history := domain.PriceHistory{
		"AAA": {100, 102, 101, 104, 103, 106, 105},
		"BBB": {80, 79, 81, 80, 82, 81, 83},
	}

	coeffs, err := tr.Translate(snapshots, history)
	require.NoError(t, err)
	require.True(t, coeffs.HasCovariance())

	n := len(coeffs.Covariance)
	require.Equal(t, 2, n)
	for i := 0; i < n; i++ {
		assert.GreaterOrEqual(t, coeffs.Covariance[i][i], 0.0, "variance non-negative")
		for j := 0; j < n; j++ {
			assert.InDelta(t, coeffs.Covariance[j][i], coeffs.Covariance[i][j], 1e-12, "symmetry")
		}
	}

	// PSD check for 2x2: determinant non-negative
	det := coeffs.Covariance[0][0]*coeffs.Covariance[1][1] - coeffs.Covariance[0][1]*coeffs.Covariance[1][0]
	assert.GreaterOrEqual(t, det, -1e-12)
}

func TestTranslateCovarianceUnavailableFallsBackToLinear(t *testing.T) {
	tr := newTestTranslator(config.TranslatorConfig{
		Alpha: 1, Beta: 0, Normalization: "minmax", LongOnly: false, UseCovariance: true,
	})

	snapshots := []domain.AssetSnapshot{
		{ID: "AAA", Price: 100, Score: score(0.5), Volatility: 0.2},
		{ID: "BBB", Price: 100, Score: score(0.6), Volatility: 0.3},
	}
	// Only one price each: no returns, covariance impossible
	history := domain.PriceHistory{
		"AAA": {100},
		"BBB": {80},
	}

	coeffs, err := tr.Translate(snapshots, history)
	require.NoError(t, err)
	assert.False(t, coeffs.HasCovariance())
	assert.Len(t, coeffs.Linear, 2)
}

func TestProjectPSDFloorsNegativeEigenvalues(t *testing.T) {
	// Symmetric matrix with a negative eigenvalue (eigenvalues 3 and -1)
	m := [][]float64{
		{1, 2},
		{2, 1},
	}

	projected, err := projectPSD(m)
	require.NoError(t, err)

	// Eigenvalues of the projection must all be >= 0: for a 2x2 symmetric
	// matrix, trace >= 0 and determinant >= 0 suffice
	trace := projected[0][0] + projected[1][1]
	det := projected[0][0]*projected[1][1] - projected[0][1]*projected[1][0]
	assert.GreaterOrEqual(t, trace, 0.0)
	assert.GreaterOrEqual(t, det, -1e-9)
}

func TestNormalizeMethods(t *testing.T) {
	values := []float64{1, 2, 3}

	z, err := normalize(values, "zscore")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, z[1], 1e-9, "middle value at the mean")
	assert.InDelta(t, -z[0], z[2], 1e-9, "symmetric around the mean")

	mm, err := normalize(values, "minmax")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, mm[0], 1e-9)
	assert.InDelta(t, 0.5, mm[1], 1e-9)
	assert.InDelta(t, 1.0, mm[2], 1e-9)

	_, err = normalize(values, "sigmoid")
	require.Error(t, err)
}

func TestNormalizeDegenerateInputs(t *testing.T) {
	z, err := normalize([]float64{5, 5, 5}, "zscore")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, z)

	single, err := normalize([]float64{7}, "zscore")
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, single)

	mm, err := normalize([]float64{5, 5}, "minmax")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5}, mm)
}
