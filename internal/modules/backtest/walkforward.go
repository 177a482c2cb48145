package backtest

import (
	"context"
	"fmt"
	"math"

	"github.com/aristath/helmsman/internal/domain"
)

// WalkForwardSpec describes a rolling fit/evaluate run. Zero window
// fields default to the configured FitWindow/EvalWindow.
type WalkForwardSpec struct {
	RunID      string              `json:"run_id"`
	Seed       int64               `json:"seed"`
	History    domain.PriceHistory `json:"history"`
	Variant    PipelineVariant     `json:"variant,omitempty"`
	Models     []string            `json:"models,omitempty"` // candidates; empty = all registered
	FitWindow  int                 `json:"fit_window,omitempty"`
	EvalWindow int                 `json:"eval_window,omitempty"`
}

// FoldResult is one fit/evaluate slice.
type FoldResult struct {
	Index     int        `json:"index"`
	FitStart  int        `json:"fit_start"`
	FitEnd    int        `json:"fit_end"` // exclusive
	EvalStart int        `json:"eval_start"`
	EvalEnd   int        `json:"eval_end"` // exclusive
	Model     string     `json:"model"`
	FitSharpe *float64   `json:"fit_sharpe,omitempty"`
	Eval      *RunResult `json:"eval"`
}

// WalkForwardResult aggregates out-of-sample performance across folds.
// Aggregate equity is rebuilt by compounding each fold's net returns,
// so it reads as one continuous out-of-sample run.
type WalkForwardResult struct {
	RunID     string          `json:"run_id"`
	Seed      int64           `json:"seed"`
	Variant   PipelineVariant `json:"variant"`
	Folds     []FoldResult    `json:"folds"`
	Aggregate RunMetrics      `json:"aggregate"`
}

// WalkForward runs the rolling model-selection protocol: each fold fits
// every candidate model on the fit window (no ledger writes), keeps the
// best fit-window Sharpe, then evaluates that model out-of-sample on
// the adjacent eval window with full ledger recording. Evaluation
// epochs never feed back into the fold that selected their model.
func (h *Harness) WalkForward(ctx context.Context, spec WalkForwardSpec) (*WalkForwardResult, error) {
	if err := validateHistory(spec.History); err != nil {
		return nil, err
	}

	fit := spec.FitWindow
	if fit <= 0 {
		fit = h.cfg.Backtest.FitWindow
	}
	eval := spec.EvalWindow
	if eval <= 0 {
		eval = h.cfg.Backtest.EvalWindow
	}
	if fit <= 0 || eval <= 0 {
		return nil, domain.InvalidInputError{Reason: fmt.Sprintf("bad walk-forward windows: fit %d, eval %d", fit, eval)}
	}

	candidates := spec.Models
	if len(candidates) == 0 {
		candidates = h.registry.Names()
	}
	for _, name := range candidates {
		if _, err := h.registry.Get(name); err != nil {
			return nil, domain.InvalidInputError{Reason: err.Error()}
		}
	}

	variant := spec.Variant
	if variant == "" {
		variant = PipelineHybrid
	}

	lastEpoch := spec.History.Epochs() - 1 // last decision epoch needs a next price
	firstFit := h.cfg.Backtest.WarmupEpochs

	folds := make([]FoldResult, 0)
	for fitStart := firstFit; fitStart+fit < lastEpoch; fitStart += eval {
		fitEnd := fitStart + fit
		evalEnd := fitEnd + eval
		if evalEnd > lastEpoch {
			evalEnd = lastEpoch
		}

		fold, err := h.runFold(ctx, spec, variant, candidates, len(folds), fitStart, fitEnd, evalEnd)
		if err != nil {
			return nil, err
		}
		folds = append(folds, fold)
	}

	if len(folds) == 0 {
		return nil, domain.InvalidInputError{
			Reason: fmt.Sprintf("history too short for walk-forward: %d epochs, warmup %d, fit %d, eval %d",
				spec.History.Epochs(), firstFit, fit, eval),
		}
	}

	result := &WalkForwardResult{
		RunID:     spec.RunID,
		Seed:      spec.Seed,
		Variant:   variant,
		Folds:     folds,
		Aggregate: aggregateFolds(folds, h.cfg.Backtest.InitialCapital),
	}

	h.log.Info().
		Str("run_id", spec.RunID).
		Int("folds", len(folds)).
		Float64("final_equity", result.Aggregate.FinalEquity).
		Msg("Walk-forward completed")
	return result, nil
}

// runFold selects the best candidate on the fit slice and evaluates it
// on the eval slice.
func (h *Harness) runFold(ctx context.Context, spec WalkForwardSpec, variant PipelineVariant, candidates []string, index, fitStart, fitEnd, evalEnd int) (FoldResult, error) {
	fold := FoldResult{
		Index:     index,
		FitStart:  fitStart,
		FitEnd:    fitEnd,
		EvalStart: fitEnd,
		EvalEnd:   evalEnd,
	}

	bestSharpe := math.Inf(-1)
	for _, name := range candidates {
		fitResult, err := h.Run(ctx, RunSpec{
			RunID:      fmt.Sprintf("%s-fold%d-fit-%s", spec.RunID, index, name),
			Seed:       spec.Seed,
			History:    spec.History,
			Model:      name,
			Variant:    variant,
			StartEpoch: fitStart,
			EndEpoch:   fitEnd,
			SkipLedger: true,
		})
		if err != nil {
			return fold, fmt.Errorf("fold %d fit %s: %w", index, name, err)
		}

		sharpe := math.Inf(-1)
		if fitResult.Metrics.SharpeRatio != nil {
			sharpe = *fitResult.Metrics.SharpeRatio
		}
		// Strict comparison keeps the alphabetically first candidate on
		// ties, so selection is reproducible.
		if fold.Model == "" || sharpe > bestSharpe {
			bestSharpe = sharpe
			fold.Model = name
			fold.FitSharpe = fitResult.Metrics.SharpeRatio
		}
	}

	eval, err := h.Run(ctx, RunSpec{
		RunID:      spec.RunID,
		Seed:       spec.Seed,
		History:    spec.History,
		Model:      fold.Model,
		Variant:    variant,
		StartEpoch: fitEnd,
		EndEpoch:   evalEnd,
	})
	if err != nil {
		return fold, fmt.Errorf("fold %d eval %s: %w", index, fold.Model, err)
	}
	fold.Eval = eval

	h.log.Debug().
		Str("run_id", spec.RunID).
		Int("fold", index).
		Str("model", fold.Model).
		Int("eval_start", fitEnd).
		Int("eval_end", evalEnd).
		Msg("Fold evaluated")
	return fold, nil
}

// aggregateFolds compounds the folds' out-of-sample net returns into a
// single equity curve and summarizes it.
func aggregateFolds(folds []FoldResult, initialCapital float64) RunMetrics {
	combined := make([]domain.EpochResult, 0)
	equity := initialCapital
	for _, fold := range folds {
		if fold.Eval == nil {
			continue
		}
		prev := initialCapital
		for _, e := range fold.Eval.Epochs {
			r := 0.0
			if prev != 0 {
				r = e.Equity/prev - 1.0
			}
			prev = e.Equity

			equity *= 1.0 + r
			rebased := e
			rebased.Equity = equity
			combined = append(combined, rebased)
		}
	}
	return computeMetrics(combined, initialCapital)
}
