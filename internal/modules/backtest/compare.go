package backtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/pkg/formulas"
)

// Bootstrap resample bounds. Configured counts outside this range are
// clamped rather than rejected.
const (
	minResamples = 1000
	maxResamples = 10000
)

// CompareSpec describes a paired classical-vs-hybrid comparison. Both
// runs share the seed, history, model and epoch range, so every epoch's
// solve sees identical inputs and the per-epoch differences isolate the
// solver variant.
type CompareSpec struct {
	RunID        string              `json:"run_id"`
	Seed         int64               `json:"seed"`
	History      domain.PriceHistory `json:"history"`
	Model        string              `json:"model,omitempty"`
	StartEpoch   int                 `json:"start_epoch,omitempty"`
	EndEpoch     int                 `json:"end_epoch,omitempty"`
	PerturbAfter int                 `json:"perturb_after,omitempty"`
}

// ConfidenceInterval is a two-sided 95% bootstrap percentile interval.
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Contains reports whether v lies inside the interval.
func (ci ConfidenceInterval) Contains(v float64) bool {
	return v >= ci.Lower && v <= ci.Upper
}

// ComparisonResult is the paired-difference summary. Differences are
// hybrid minus classical, on per-epoch net returns.
type ComparisonResult struct {
	RunID          string              `json:"run_id"`
	Seed           int64               `json:"seed"`
	Model          string              `json:"model"`
	PairedEpochs   int                 `json:"paired_epochs"`
	Classical      *RunResult          `json:"classical"`
	Hybrid         *RunResult          `json:"hybrid"`
	MeanReturnDiff float64             `json:"mean_return_diff"`
	ReturnDiffCI   ConfidenceInterval  `json:"return_diff_ci"`
	SharpeDiff     *float64            `json:"sharpe_diff,omitempty"`
	SharpeDiffCI   *ConfidenceInterval `json:"sharpe_diff_ci,omitempty"`
	Resamples      int                 `json:"resamples"`
}

// Compare runs both pipeline variants under the same seed and grades
// the hybrid against the classical baseline with a seeded bootstrap.
// The resampling RNG derives from the spec seed, so the intervals are
// reproducible.
func (h *Harness) Compare(ctx context.Context, spec CompareSpec) (*ComparisonResult, error) {
	classical, err := h.Run(ctx, RunSpec{
		RunID:      spec.RunID + "-classical",
		Seed:       spec.Seed,
		History:    spec.History,
		Model:      spec.Model,
		Variant:    PipelineClassical,
		StartEpoch: spec.StartEpoch,
		EndEpoch:   spec.EndEpoch,
	})
	if err != nil {
		return nil, fmt.Errorf("classical leg: %w", err)
	}

	hybrid, err := h.Run(ctx, RunSpec{
		RunID:        spec.RunID + "-hybrid",
		Seed:         spec.Seed,
		History:      spec.History,
		Model:        spec.Model,
		Variant:      PipelineHybrid,
		StartEpoch:   spec.StartEpoch,
		EndEpoch:     spec.EndEpoch,
		PerturbAfter: spec.PerturbAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("hybrid leg: %w", err)
	}

	classicalReturns, hybridReturns := pairedReturns(classical, hybrid, h.cfg.Backtest.InitialCapital)
	if len(classicalReturns) == 0 {
		return nil, domain.InvalidInputError{Reason: "no paired epochs to compare"}
	}

	diffs := make([]float64, len(classicalReturns))
	for i := range classicalReturns {
		diffs[i] = hybridReturns[i] - classicalReturns[i]
	}

	resamples := h.cfg.Backtest.BootstrapResamples
	if resamples < minResamples {
		resamples = minResamples
	}
	if resamples > maxResamples {
		resamples = maxResamples
	}

	rng := rand.New(rand.NewSource(spec.Seed))
	result := &ComparisonResult{
		RunID:          spec.RunID,
		Seed:           spec.Seed,
		Model:          classical.Model,
		PairedEpochs:   len(diffs),
		Classical:      classical,
		Hybrid:         hybrid,
		MeanReturnDiff: stat.Mean(diffs, nil),
		ReturnDiffCI:   bootstrapMeanCI(rng, diffs, resamples),
		Resamples:      resamples,
	}

	cs := formulas.CalculateSharpeRatio(classicalReturns, 0, tradingPeriodsPerYear)
	hs := formulas.CalculateSharpeRatio(hybridReturns, 0, tradingPeriodsPerYear)
	if cs != nil && hs != nil {
		d := *hs - *cs
		result.SharpeDiff = &d
		if ci, ok := bootstrapSharpeCI(rng, classicalReturns, hybridReturns, resamples); ok {
			result.SharpeDiffCI = &ci
		}
	}

	h.log.Info().
		Str("run_id", spec.RunID).
		Int("paired_epochs", result.PairedEpochs).
		Float64("mean_return_diff", result.MeanReturnDiff).
		Float64("ci_lower", result.ReturnDiffCI.Lower).
		Float64("ci_upper", result.ReturnDiffCI.Upper).
		Msg("Comparison completed")
	return result, nil
}

// pairedReturns aligns the two legs epoch by epoch and returns their
// net return series, truncated to the common prefix (a ruined leg ends
// early; unpaired epochs carry no information about the difference).
func pairedReturns(classical, hybrid *RunResult, initialCapital float64) ([]float64, []float64) {
	n := len(classical.Epochs)
	if len(hybrid.Epochs) < n {
		n = len(hybrid.Epochs)
	}

	cs := make([]float64, 0, n)
	hs := make([]float64, 0, n)
	prevC, prevH := initialCapital, initialCapital
	for i := 0; i < n; i++ {
		if classical.Epochs[i].Epoch != hybrid.Epochs[i].Epoch {
			break
		}
		cs = append(cs, netReturn(prevC, classical.Epochs[i].Equity))
		hs = append(hs, netReturn(prevH, hybrid.Epochs[i].Equity))
		prevC = classical.Epochs[i].Equity
		prevH = hybrid.Epochs[i].Equity
	}
	return cs, hs
}

func netReturn(prev, cur float64) float64 {
	if prev == 0 {
		return 0
	}
	return cur/prev - 1.0
}

// bootstrapMeanCI is the percentile interval for the mean of diffs
// under resampling with replacement.
func bootstrapMeanCI(rng *rand.Rand, diffs []float64, resamples int) ConfidenceInterval {
	means := make([]float64, resamples)
	sample := make([]float64, len(diffs))
	for b := 0; b < resamples; b++ {
		for i := range sample {
			sample[i] = diffs[rng.Intn(len(diffs))]
		}
		means[b] = stat.Mean(sample, nil)
	}
	return percentileInterval(means)
}

// bootstrapSharpeCI resamples epoch indices (keeping the pairing) and
// takes the percentile interval of the Sharpe difference. Degenerate
// resamples where either Sharpe is undefined are dropped; the interval
// is reported only when most resamples survive.
func bootstrapSharpeCI(rng *rand.Rand, classical, hybrid []float64, resamples int) (ConfidenceInterval, bool) {
	n := len(classical)
	diffs := make([]float64, 0, resamples)
	cs := make([]float64, n)
	hs := make([]float64, n)
	for b := 0; b < resamples; b++ {
		for i := 0; i < n; i++ {
			j := rng.Intn(n)
			cs[i] = classical[j]
			hs[i] = hybrid[j]
		}
		sc := formulas.CalculateSharpeRatio(cs, 0, tradingPeriodsPerYear)
		sh := formulas.CalculateSharpeRatio(hs, 0, tradingPeriodsPerYear)
		if sc == nil || sh == nil {
			continue
		}
		diffs = append(diffs, *sh-*sc)
	}
	if len(diffs) < resamples/2 {
		return ConfidenceInterval{}, false
	}
	return percentileInterval(diffs), true
}

func percentileInterval(values []float64) ConfidenceInterval {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return ConfidenceInterval{
		Lower: stat.Quantile(0.025, stat.Empirical, sorted, nil),
		Upper: stat.Quantile(0.975, stat.Empirical, sorted, nil),
	}
}
