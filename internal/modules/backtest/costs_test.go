package backtest

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
)

func costConfig() config.BacktestConfig {
	return config.BacktestConfig{
		InitialCapital: 10000,
		FeePct:         0.001,
		SlippagePct:    0.0005,
		DepthProxy:     1_000_000,
	}
}

func TestCostModelFullEntry(t *testing.T) {
	state := newRunState(10000)
	model := newCostModel(costConfig(), nil)

	cost := model.apply(state, map[string]float64{"AAA": 0.6, "BBB": 0.4})

	// Turnover 1.0 on 10k equity: slippage deepens to
	// 0.0005 * (1 + 10000/1e6) = 0.000505, so the charge is
	// 10000 * (0.001 + 0.000505).
	assert.InDelta(t, 15.05, cost, 1e-9)
	assert.InDelta(t, 10000-15.05, state.equity, 1e-9)
	assert.Equal(t, map[string]float64{"AAA": 0.6, "BBB": 0.4}, state.prevWeights)
}

func TestCostModelRebalance(t *testing.T) {
	state := newRunState(10000)
	model := newCostModel(costConfig(), nil)

	model.apply(state, map[string]float64{"AAA": 0.6, "BBB": 0.4})
	equityBefore := state.equity

	// Shift 0.2 from AAA to BBB: turnover 0.4.
	cost := model.apply(state, map[string]float64{"AAA": 0.4, "BBB": 0.6})

	notional := 0.4 * equityBefore
	slip := 0.0005 * (1.0 + notional/1_000_000)
	expected := notional * (0.001 + slip)
	assert.InDelta(t, expected, cost, 1e-9)
	assert.InDelta(t, equityBefore-expected, state.equity, 1e-9)
}

func TestCostModelLiquidation(t *testing.T) {
	state := newRunState(10000)
	model := newCostModel(costConfig(), nil)

	model.apply(state, map[string]float64{"AAA": 1.0})
	equityBefore := state.equity

	// Moving to an empty book pays for unwinding every position.
	cost := model.apply(state, map[string]float64{})
	assert.Greater(t, cost, 0.0)
	assert.InDelta(t, equityBefore-cost, state.equity, 1e-9)
	assert.Empty(t, state.prevWeights)

	// And a second flat epoch trades nothing.
	assert.Zero(t, model.apply(state, map[string]float64{}))
}

func TestCostModelNoTradeNoCost(t *testing.T) {
	state := newRunState(10000)
	model := newCostModel(costConfig(), nil)

	weights := map[string]float64{"AAA": 0.5, "BBB": 0.5}
	model.apply(state, weights)
	equityBefore := state.equity

	cost := model.apply(state, map[string]float64{"AAA": 0.5, "BBB": 0.5})
	assert.Zero(t, cost)
	assert.Equal(t, equityBefore, state.equity)
}

func TestCostModelZeroWeightsDropped(t *testing.T) {
	state := newRunState(10000)
	model := newCostModel(costConfig(), nil)

	model.apply(state, map[string]float64{"AAA": 0.7, "BBB": 0.0})
	assert.Equal(t, map[string]float64{"AAA": 0.7}, state.prevWeights)
}

func TestCostModelJitterIsSeeded(t *testing.T) {
	cfg := costConfig()
	cfg.SlippageJitter = 0.2

	run := func(seed int64) []float64 {
		state := newRunState(10000)
		model := newCostModel(cfg, rand.New(rand.NewSource(seed)))
		costs := make([]float64, 0, 3)
		costs = append(costs, model.apply(state, map[string]float64{"AAA": 1.0}))
		costs = append(costs, model.apply(state, map[string]float64{"AAA": 0.3, "BBB": 0.7}))
		costs = append(costs, model.apply(state, map[string]float64{}))
		return costs
	}

	assert.Equal(t, run(7), run(7))
	assert.NotEqual(t, run(7), run(8))
}

func TestRunStateDrawdownAndRuin(t *testing.T) {
	state := newRunState(10000)
	assert.Zero(t, state.drawdown())
	assert.False(t, state.ruined())

	state.applyReturn(0.25) // 12500, new peak
	assert.Zero(t, state.drawdown())

	state.applyReturn(-0.2) // 10000
	assert.InDelta(t, 0.2, state.drawdown(), 1e-9)
	assert.False(t, state.ruined())

	state.applyReturn(-0.995) // 50, below 1% of initial
	assert.True(t, state.ruined())
}

func TestRunStateCheckFinite(t *testing.T) {
	state := newRunState(10000)
	require.NoError(t, state.checkFinite(3))

	state.equity = math.NaN()
	err := state.checkFinite(3)
	require.Error(t, err)
	assert.True(t, domain.IsDataIntegrity(err))

	state.equity = math.Inf(1)
	assert.Error(t, state.checkFinite(4))
}
