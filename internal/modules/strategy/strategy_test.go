package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/domain"
)

func risingPrices(n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 100 * (1 + 0.01*float64(i))
	}
	return prices
}

func fallingPrices(n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 100 * (1 - 0.005*float64(i))
	}
	return prices
}

func TestMomentumModelSignsFollowDirection(t *testing.T) {
	model := &MomentumModel{Window: 5}
	history := domain.PriceHistory{
		"UP":   risingPrices(20),
		"DOWN": fallingPrices(20),
	}

	scores, err := model.Scores(history)
	require.NoError(t, err)

	assert.Greater(t, scores["UP"], 0.0)
	assert.Less(t, scores["DOWN"], 0.0)
}

func TestMomentumModelOmitsShortHistory(t *testing.T) {
	model := &MomentumModel{Window: 5}
	history := domain.PriceHistory{
		"SHORT": {100, 101, 102}, // only 2 returns, window needs 5
		"FULL":  risingPrices(10),
	}

	scores, err := model.Scores(history)
	require.NoError(t, err)

	_, hasShort := scores["SHORT"]
	assert.False(t, hasShort)
	assert.Contains(t, scores, "FULL")
}

func TestTrendModelTernarySignal(t *testing.T) {
	model := &TrendModel{Window: 3}
	history := domain.PriceHistory{
		"UP":   {100, 100, 100, 110}, // last close above MA
		"DOWN": {100, 100, 100, 90},  // last close below MA
		"FLAT": {100, 100, 100, 100}, // exactly on MA
	}

	scores, err := model.Scores(history)
	require.NoError(t, err)

	assert.Equal(t, 1.0, scores["UP"])
	assert.Equal(t, -1.0, scores["DOWN"])
	assert.Equal(t, 0.0, scores["FLAT"])
}

func TestBlendModelCombinesBothSignals(t *testing.T) {
	momentum := &MomentumModel{Window: 3}
	trend := &TrendModel{Window: 3}
	model := &BlendModel{Momentum: momentum, Trend: trend, MomentumWeight: 0.5}

	history := domain.PriceHistory{
		"UP": risingPrices(10),
	}

	scores, err := model.Scores(history)
	require.NoError(t, err)

	require.Contains(t, scores, "UP")
	assert.Greater(t, scores["UP"], 0.0)
	assert.LessOrEqual(t, scores["UP"], 1.0)
}

func TestBlendModelOmitsAssetsMissingFromEither(t *testing.T) {
	momentum := &MomentumModel{Window: 8}
	trend := &TrendModel{Window: 3}
	model := &BlendModel{Momentum: momentum, Trend: trend, MomentumWeight: 0.5}

	history := domain.PriceHistory{
		"SHORT": {100, 101, 102, 103}, // trend scores it, momentum does not
	}

	scores, err := model.Scores(history)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestModelsAreCausal(t *testing.T) {
	// Scores at epoch t must not change when future epochs are appended.
	past := []float64{100, 102, 101, 105, 107, 104, 109, 111, 108, 115}
	withFuture := append(append([]float64{}, past...), 50, 300)

	truncated := domain.PriceHistory{"AAA": past}
	windowed := domain.PriceHistory{"AAA": withFuture}.Window(len(past) - 1)

	for _, model := range []Model{
		&MomentumModel{Window: 3},
		&TrendModel{Window: 3},
	} {
		a, err := model.Scores(truncated)
		require.NoError(t, err)
		b, err := model.Scores(windowed)
		require.NoError(t, err)
		assert.Equal(t, a, b, "model %s must only depend on the window", model.Name())
	}
}

func TestRegistry(t *testing.T) {
	registry := DefaultRegistry(5, 7, 0.5)

	assert.Equal(t, []string{"blend", "momentum", "trend"}, registry.Names())

	model, err := registry.Get("momentum")
	require.NoError(t, err)
	assert.Equal(t, "momentum", model.Name())

	_, err = registry.Get("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy model")
}
