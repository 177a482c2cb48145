package backtest

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/ledger"
	"github.com/aristath/helmsman/internal/modules/strategy"
	helmtest "github.com/aristath/helmsman/internal/testing"
)

func TestWalkForwardFoldLayout(t *testing.T) {
	cfg := testConfig()
	h, store := newTestHarness(t, cfg)
	history := helmtest.GeneratePriceHistory(21, 4, 40)

	result, err := h.WalkForward(context.Background(), WalkForwardSpec{
		RunID:      "wf",
		Seed:       21,
		History:    history,
		Models:     []string{"momentum"},
		FitWindow:  10,
		EvalWindow: 5,
	})
	require.NoError(t, err)

	// Warmup 10, fit 10, eval 5 over 40 epochs: folds start at 10, 15,
	// 20, 25; the last eval window is clipped at epoch 39.
	require.Len(t, result.Folds, 4)
	for i, fold := range result.Folds {
		assert.Equal(t, i, fold.Index)
		assert.Equal(t, 10+5*i, fold.FitStart)
		assert.Equal(t, fold.FitStart+10, fold.FitEnd)
		assert.Equal(t, fold.FitEnd, fold.EvalStart)
		assert.Equal(t, "momentum", fold.Model)
		require.NotNil(t, fold.Eval)
	}
	assert.Equal(t, 25, result.Folds[0].EvalEnd)
	assert.Equal(t, 39, result.Folds[3].EvalEnd)

	// Only eval epochs are recorded, under the parent run id, with one
	// dense sequence across folds: epochs 20..38 as seq 1..19.
	records, err := store.List(context.Background(), "wf")
	require.NoError(t, err)
	require.Len(t, records, 19)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq)
		assert.Equal(t, 20+i, rec.Epoch)
	}

	assert.Equal(t, 19, result.Aggregate.Epochs)
}

func TestWalkForwardSelectsScorableModel(t *testing.T) {
	cfg := testConfig()
	history := helmtest.GeneratePriceHistory(23, 4, 40)

	registry := strategy.NewRegistry()
	registry.Register(&strategy.MomentumModel{Window: cfg.Strategy.MomentumWindow})
	registry.Register(&allNaNModel{})

	svc := ledger.NewService(ledger.NewMemoryStore(), nil, nil, nil, zerolog.Nop())
	h := NewHarness(cfg, registry, svc, nil, nil, zerolog.Nop())

	result, err := h.WalkForward(context.Background(), WalkForwardSpec{
		RunID:   "wf-select",
		Seed:    23,
		History: history,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Folds)

	// The all-NaN candidate produces only no-decision epochs, so its fit
	// Sharpe is absent and it can never beat the momentum model.
	for _, fold := range result.Folds {
		assert.Equal(t, "momentum", fold.Model)
		assert.NotNil(t, fold.FitSharpe)
	}
}

func TestWalkForwardDeterminism(t *testing.T) {
	cfg := testConfig()
	history := helmtest.GeneratePriceHistory(29, 4, 40)
	spec := WalkForwardSpec{
		RunID:   "wf-det",
		Seed:    29,
		History: history,
		Models:  []string{"momentum", "trend"},
	}

	h1, _ := newTestHarness(t, cfg)
	first, err := h1.WalkForward(context.Background(), spec)
	require.NoError(t, err)

	h2, _ := newTestHarness(t, cfg)
	second, err := h2.WalkForward(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestWalkForwardRejectsBadInput(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHarness(t, cfg)
	ctx := context.Background()

	_, err := h.WalkForward(ctx, WalkForwardSpec{RunID: "wf", Seed: 1, History: domain.PriceHistory{}})
	assert.True(t, domain.IsInvalidInput(err), "empty history: %v", err)

	_, err = h.WalkForward(ctx, WalkForwardSpec{
		RunID:   "wf",
		Seed:    1,
		History: helmtest.GeneratePriceHistory(1, 3, 40),
		Models:  []string{"momentum", "missing"},
	})
	assert.True(t, domain.IsInvalidInput(err), "unknown candidate: %v", err)

	// 21 epochs leaves no room for a single fit+eval slice past warmup.
	_, err = h.WalkForward(ctx, WalkForwardSpec{
		RunID:   "wf",
		Seed:    1,
		History: helmtest.GeneratePriceHistory(1, 3, 21),
	})
	assert.True(t, domain.IsInvalidInput(err), "short history: %v", err)
}
