package backtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/events"
	"github.com/aristath/helmsman/internal/modules/ledger"
	"github.com/aristath/helmsman/internal/modules/strategy"
	helmtest "github.com/aristath/helmsman/internal/testing"
)

func testConfig() config.Config {
	return config.Config{
		Strategy: config.StrategyConfig{
			Model:          "momentum",
			MomentumWindow: 5,
			TrendWindow:    8,
			BlendMomentum:  0.5,
		},
		Translator: config.TranslatorConfig{
			Alpha:         1.0,
			Beta:          0.1,
			Normalization: "zscore",
			LongOnly:      true,
		},
		Solver: config.SolverConfig{
			TopN:           4,
			MaxAssets:      2,
			MinAssets:      1,
			MaxAssetWeight: 0.6,
			Budget:         1.0,
			QuadWeight:     0.5,
			Shots:          32,
			Sweeps:         50,
			InitialTemp:    1.0,
			CoolingRate:    0.95,
		},
		Breaker: config.BreakerConfig{
			LatencyThresholdMS:  250,
			NoiseThreshold:      0.35,
			WindowSize:          10,
			BreachLimit:         3,
			CooldownInvocations: 4,
			MaxCooldown:         16,
			ObjectiveTolerance:  0.1,
			SolveTimeout:        2 * time.Second,
		},
		Backtest: config.BacktestConfig{
			InitialCapital: 10000,
			FeePct:         0.001,
			SlippagePct:    0.0005,
			DepthProxy:     1_000_000,
			WarmupEpochs:   10,
			FitWindow:      10,
			EvalWindow:     5,
			RunTimeout:     time.Minute,
		},
	}
}

func testRegistry(cfg config.Config) *strategy.Registry {
	return strategy.DefaultRegistry(cfg.Strategy.MomentumWindow, cfg.Strategy.TrendWindow, cfg.Strategy.BlendMomentum)
}

// newTestHarness wires a harness onto an in-memory ledger and returns
// both so tests can inspect recorded runs.
func newTestHarness(t *testing.T, cfg config.Config) (*Harness, *ledger.MemoryStore) {
	t.Helper()

	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, nil, nil, nil, zerolog.Nop())
	h := NewHarness(cfg, testRegistry(cfg), svc, nil, nil, zerolog.Nop())
	return h, store
}

func TestRunDeterminism(t *testing.T) {
	cfg := testConfig()
	history := helmtest.GeneratePriceHistory(42, 5, 90)

	h1, store1 := newTestHarness(t, cfg)
	h2, store2 := newTestHarness(t, cfg)

	first, err := h1.Run(context.Background(), RunSpec{RunID: "det-a", Seed: 42, History: history})
	require.NoError(t, err)
	second, err := h2.Run(context.Background(), RunSpec{RunID: "det-b", Seed: 42, History: history})
	require.NoError(t, err)

	require.Equal(t, len(first.Epochs), len(second.Epochs))
	assert.Equal(t, first.Epochs, second.Epochs)
	assert.Equal(t, first.Metrics, second.Metrics)

	// The ledger hash sequences must also replay exactly. Run ids are
	// not part of either hash.
	recA, err := store1.List(context.Background(), "det-a")
	require.NoError(t, err)
	recB, err := store2.List(context.Background(), "det-b")
	require.NoError(t, err)
	require.Equal(t, len(recA), len(recB))
	require.NotEmpty(t, recA)
	for i := range recA {
		assert.Equal(t, recA[i].InputHash, recB[i].InputHash, "input hash at seq %d", recA[i].Seq)
		assert.Equal(t, recA[i].OutputHash, recB[i].OutputHash, "output hash at seq %d", recA[i].Seq)
	}
}

func TestRunSeedChangesResults(t *testing.T) {
	cfg := testConfig()
	history := helmtest.GeneratePriceHistory(42, 5, 60)
	h, _ := newTestHarness(t, cfg)

	first, err := h.Run(context.Background(), RunSpec{RunID: "seed-a", Seed: 1, History: history, Variant: PipelineHybrid})
	require.NoError(t, err)
	second, err := h.Run(context.Background(), RunSpec{RunID: "seed-b", Seed: 2, History: history, Variant: PipelineHybrid})
	require.NoError(t, err)

	assert.NotEqual(t, first.Epochs, second.Epochs)
}

func TestForcedFallbackAfterPerturbation(t *testing.T) {
	cfg := testConfig()
	history := helmtest.GeneratePriceHistory(42, 5, 90)
	h, _ := newTestHarness(t, cfg)

	result, err := h.Run(context.Background(), RunSpec{
		RunID:        "drill",
		Seed:         42,
		History:      history,
		Variant:      PipelineHybrid,
		PerturbAfter: 40,
	})
	require.NoError(t, err)

	// Warmup is 10, so the 41st combinatorial invocation lands on epoch
	// 50: everything before is clean, everything after falls back (the
	// breaker alternates open waits and failed probes, all flagged).
	for _, e := range result.Epochs {
		require.NotNil(t, e.Decision, "epoch %d should carry a decision", e.Epoch)
		if e.Epoch < 50 {
			assert.False(t, e.Decision.FallbackTriggered, "epoch %d fell back too early", e.Epoch)
			assert.Equal(t, domain.SolverCombinatorial, e.Decision.Variant, "epoch %d", e.Epoch)
		} else {
			assert.True(t, e.Decision.FallbackTriggered, "epoch %d should have fallen back", e.Epoch)
			assert.Equal(t, domain.SolverClassical, e.Decision.Variant, "epoch %d", e.Epoch)
		}
	}
	assert.Equal(t, 39, result.Metrics.Fallbacks)
}

// nanScoreModel scores one asset NaN every epoch and the rest by total
// return over the window.
type nanScoreModel struct {
	bad string
}

func (m *nanScoreModel) Name() string { return "nan-score" }

func (m *nanScoreModel) Scores(history domain.PriceHistory) (map[string]float64, error) {
	scores := make(map[string]float64, len(history))
	for id, prices := range history {
		if id == m.bad {
			scores[id] = math.NaN()
			continue
		}
		scores[id] = prices[len(prices)-1]/prices[0] - 1.0
	}
	return scores, nil
}

func TestNaNScoreNeverReachesDecisions(t *testing.T) {
	cfg := testConfig()
	history := helmtest.GeneratePriceHistory(7, 4, 40)
	bad := helmtest.AssetID(0)

	registry := strategy.NewRegistry()
	registry.Register(&nanScoreModel{bad: bad})

	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, nil, nil, nil, zerolog.Nop())
	h := NewHarness(cfg, registry, svc, nil, nil, zerolog.Nop())

	result, err := h.Run(context.Background(), RunSpec{
		RunID:   "nan-run",
		Seed:    7,
		History: history,
		Model:   "nan-score",
		Variant: PipelineClassical,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Epochs)

	for _, e := range result.Epochs {
		require.NotNil(t, e.Decision)
		assert.Zero(t, e.Decision.Weights[bad], "excluded asset allocated at epoch %d", e.Epoch)
		for id, w := range e.Decision.Weights {
			assert.False(t, math.IsNaN(w), "NaN weight for %s at epoch %d", id, e.Epoch)
		}
		assert.False(t, math.IsNaN(e.Equity))
	}

	records, err := store.List(context.Background(), "nan-run")
	require.NoError(t, err)
	require.Len(t, records, len(result.Epochs))
	for _, rec := range records {
		assert.NotEmpty(t, rec.InputHash)
		assert.NotEmpty(t, rec.OutputHash)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHarness(t, cfg)
	ctx := context.Background()

	_, err := h.Run(ctx, RunSpec{RunID: "r", Seed: 1, History: domain.PriceHistory{}})
	assert.True(t, domain.IsInvalidInput(err), "empty history: %v", err)

	ragged := domain.PriceHistory{"AAA": {1, 2, 3}, "BBB": {1, 2}}
	_, err = h.Run(ctx, RunSpec{RunID: "r", Seed: 1, History: ragged})
	assert.True(t, domain.IsInvalidInput(err), "ragged history: %v", err)

	poisoned := helmtest.GeneratePriceHistory(3, 3, 30)
	poisoned[helmtest.AssetID(1)][12] = math.NaN()
	_, err = h.Run(ctx, RunSpec{RunID: "r", Seed: 1, History: poisoned})
	assert.True(t, domain.IsDataIntegrity(err), "NaN price: %v", err)

	short := helmtest.GeneratePriceHistory(3, 3, 11)
	_, err = h.Run(ctx, RunSpec{RunID: "r", Seed: 1, History: short})
	assert.True(t, domain.IsInvalidInput(err), "history shorter than warmup: %v", err)

	_, err = h.Run(ctx, RunSpec{RunID: "r", Seed: 1, History: helmtest.GeneratePriceHistory(3, 3, 30), Model: "missing"})
	assert.True(t, domain.IsInvalidInput(err), "unknown model: %v", err)
}

func TestRunCancellation(t *testing.T) {
	cfg := testConfig()
	h, store := newTestHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Run(ctx, RunSpec{RunID: "cancelled", Seed: 1, History: helmtest.GeneratePriceHistory(5, 3, 30)})
	require.ErrorIs(t, err, context.Canceled)

	records, lerr := store.List(context.Background(), "cancelled")
	require.NoError(t, lerr)
	assert.Empty(t, records)
}

func TestRunLedgerSequenceDense(t *testing.T) {
	cfg := testConfig()
	h, store := newTestHarness(t, cfg)
	history := helmtest.GeneratePriceHistory(9, 4, 30)

	result, err := h.Run(context.Background(), RunSpec{RunID: "dense", Seed: 9, History: history})
	require.NoError(t, err)

	records, err := store.List(context.Background(), "dense")
	require.NoError(t, err)
	require.Len(t, records, len(result.Epochs))
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq)
		assert.Equal(t, result.Epochs[i].Epoch, rec.Epoch)
		assert.Equal(t, "backtest", rec.Safety.Tier)
	}
}

func TestRunSkipLedger(t *testing.T) {
	cfg := testConfig()
	history := helmtest.GeneratePriceHistory(9, 4, 30)

	// No ledger service at all: allowed when every run skips recording.
	h := NewHarness(cfg, testRegistry(cfg), nil, nil, nil, zerolog.Nop())
	result, err := h.Run(context.Background(), RunSpec{RunID: "fit", Seed: 9, History: history, SkipLedger: true})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Epochs)
}

func TestRunAllScoresExcludedMeansNoDecisions(t *testing.T) {
	cfg := testConfig()
	history := helmtest.GeneratePriceHistory(5, 3, 30)

	registry := strategy.NewRegistry()
	allNaN := &allNaNModel{}
	registry.Register(allNaN)

	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, nil, nil, nil, zerolog.Nop())
	h := NewHarness(cfg, registry, svc, nil, nil, zerolog.Nop())

	result, err := h.Run(context.Background(), RunSpec{
		RunID:   "flat",
		Seed:    5,
		History: history,
		Model:   allNaN.Name(),
	})
	require.NoError(t, err)

	for _, e := range result.Epochs {
		assert.True(t, e.NoDecision)
		assert.Nil(t, e.Decision)
		assert.Zero(t, e.RealizedReturn)
		assert.Zero(t, e.TransactionCost)
		assert.Equal(t, cfg.Backtest.InitialCapital, e.Equity)
	}
	assert.Equal(t, 0, result.Metrics.Decisions)
	assert.Equal(t, len(result.Epochs), result.Metrics.NoDecisions)

	// No-decision epochs are still sealed into the ledger.
	records, err := store.List(context.Background(), "flat")
	require.NoError(t, err)
	require.Len(t, records, len(result.Epochs))
	for _, rec := range records {
		assert.True(t, rec.NoDecision)
	}
}

// allNaNModel scores every asset NaN, so translation can never produce
// coefficients.
type allNaNModel struct{}

func (m *allNaNModel) Name() string { return "all-nan" }

func (m *allNaNModel) Scores(history domain.PriceHistory) (map[string]float64, error) {
	scores := make(map[string]float64, len(history))
	for id := range history {
		scores[id] = math.NaN()
	}
	return scores, nil
}

func TestRunEpochBounds(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHarness(t, cfg)
	history := helmtest.GeneratePriceHistory(11, 3, 40)

	result, err := h.Run(context.Background(), RunSpec{
		RunID:      "bounds",
		Seed:       11,
		History:    history,
		StartEpoch: 15,
		EndEpoch:   20,
	})
	require.NoError(t, err)
	require.Len(t, result.Epochs, 5)
	assert.Equal(t, 15, result.Epochs[0].Epoch)
	assert.Equal(t, 19, result.Epochs[4].Epoch)

	_, err = h.Run(context.Background(), RunSpec{
		RunID:      "empty-bounds",
		Seed:       11,
		History:    history,
		StartEpoch: 20,
		EndEpoch:   20,
	})
	assert.True(t, domain.IsInvalidInput(err), "empty epoch range: %v", err)
}

func TestRunChargesTransactionCosts(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHarness(t, cfg)
	history := helmtest.GeneratePriceHistory(13, 4, 30)

	result, err := h.Run(context.Background(), RunSpec{RunID: "costs", Seed: 13, History: history})
	require.NoError(t, err)
	require.NotEmpty(t, result.Epochs)

	// The first decision moves the whole book from cash, so it must pay.
	first := result.Epochs[0]
	require.NotNil(t, first.Decision)
	assert.Greater(t, first.TransactionCost, 0.0)

	// Equity compounds the realized return and then pays the charge.
	expected := cfg.Backtest.InitialCapital*(1.0+first.RealizedReturn) - first.TransactionCost
	assert.InDelta(t, expected, first.Equity, 1e-9)
}

func TestGenerateHistoryDeterminism(t *testing.T) {
	a, err := GenerateHistory(SyntheticSpec{Assets: 5, Epochs: 90, Seed: 42})
	require.NoError(t, err)
	b, err := GenerateHistory(SyntheticSpec{Assets: 5, Epochs: 90, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := GenerateHistory(SyntheticSpec{Assets: 5, Epochs: 90, Seed: 43})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	require.Len(t, a, 5)
	for id, prices := range a {
		assert.Len(t, prices, 90, "asset %s", id)
		for e, p := range prices {
			assert.True(t, p > 0, "asset %s epoch %d price %f", id, e, p)
		}
	}

	_, err = GenerateHistory(SyntheticSpec{Assets: 0, Epochs: 90})
	assert.True(t, domain.IsInvalidInput(err))
}

func TestRunResultMetricsConsistency(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHarness(t, cfg)
	history := helmtest.GeneratePriceHistory(17, 5, 60)

	result, err := h.Run(context.Background(), RunSpec{RunID: "metrics", Seed: 17, History: history})
	require.NoError(t, err)

	m := result.Metrics
	assert.Equal(t, len(result.Epochs), m.Epochs)
	assert.Equal(t, m.Epochs, m.Decisions+m.NoDecisions)
	assert.InDelta(t, result.Epochs[len(result.Epochs)-1].Equity, m.FinalEquity, 1e-9)
	assert.GreaterOrEqual(t, m.WinRate, 0.0)
	assert.LessOrEqual(t, m.WinRate, 1.0)
	if m.MaxDrawdown != nil {
		assert.GreaterOrEqual(t, *m.MaxDrawdown, 0.0)
		assert.Less(t, *m.MaxDrawdown, 1.0)
	}
}

func TestRunFailedEventFlagsDataFaults(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var captured []*events.Event
	bus.Subscribe(events.RunFailed, func(e *events.Event) { captured = append(captured, e) })

	h := &Harness{eventMgr: events.NewManager(bus, zerolog.Nop()), log: zerolog.Nop()}
	spec := RunSpec{RunID: "r-9"}

	h.emitRunFailed(spec, 12, domain.DataIntegrityError{Epoch: 12, AssetID: "AAA", Field: "price", Value: math.NaN()})
	h.emitRunFailed(spec, 13, errors.New("ledger append failed"))

	require.Len(t, captured, 2)

	assert.Equal(t, true, captured[0].Data["data_integrity"])
	assert.Contains(t, captured[0].Data["error"], "data integrity fault")

	_, present := captured[1].Data["data_integrity"]
	assert.False(t, present, "non-fault failures carry no integrity flag")
}
