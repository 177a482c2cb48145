// Package backtest drives the translate → solve → fallback pipeline over
// historical epochs, deterministically: a fixed (seed, history, config)
// triple reproduces the EpochResult sequence and the ledger hash
// sequence byte for byte.
//
// A run is single-threaded. Independent runs are isolated (each gets
// its own solvers and fallback controller, so breaker state never leaks
// across runs) and may execute concurrently.
package backtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/events"
	"github.com/aristath/helmsman/internal/modules/fallback"
	"github.com/aristath/helmsman/internal/modules/ledger"
	"github.com/aristath/helmsman/internal/modules/solver"
	"github.com/aristath/helmsman/internal/modules/strategy"
	"github.com/aristath/helmsman/internal/modules/translator"
	"github.com/aristath/helmsman/internal/telemetry"
	"github.com/aristath/helmsman/pkg/formulas"
)

// snapshotSchemaVersion tags the snapshots the harness synthesizes from
// price history.
const snapshotSchemaVersion = "1.0.0"

// PipelineVariant selects which solver stack a run uses.
type PipelineVariant string

const (
	// PipelineClassical runs the exact solver only.
	PipelineClassical PipelineVariant = "classical"
	// PipelineHybrid routes through the combinatorial solver with
	// classical fallback under the circuit breaker.
	PipelineHybrid PipelineVariant = "hybrid"
)

// RunSpec describes one deterministic run.
type RunSpec struct {
	RunID   string               `json:"run_id"`
	Seed    int64                `json:"seed"`
	History domain.PriceHistory  `json:"history"`
	Model   string               `json:"model,omitempty"`   // empty = configured default
	Variant PipelineVariant      `json:"variant,omitempty"` // empty = hybrid

	// StartEpoch/EndEpoch bound the decision epochs (inclusive start,
	// exclusive end). Zero values default to warmup..len-1.
	StartEpoch int `json:"start_epoch,omitempty"`
	EndEpoch   int `json:"end_epoch,omitempty"`

	// PerturbAfter, when positive, wraps the combinatorial solver so it
	// reports inflated latency/noise after that many invocations. Used
	// by failover drills and the breach scenario tests.
	PerturbAfter int `json:"perturb_after,omitempty"`

	// SkipLedger disables RunRecord appends (model-selection fit runs).
	SkipLedger bool `json:"-"`
}

// RunResult is a completed run.
type RunResult struct {
	RunID   string               `json:"run_id"`
	Seed    int64                `json:"seed"`
	Model   string               `json:"model"`
	Variant PipelineVariant      `json:"variant"`
	Epochs  []domain.EpochResult `json:"epochs"`
	Metrics RunMetrics           `json:"metrics"`
}

// Harness owns run execution. It is stateless across runs; all per-run
// state lives inside Run.
type Harness struct {
	cfg      config.Config
	registry *strategy.Registry
	ledger   *ledger.Service
	eventMgr *events.Manager
	metrics  *telemetry.Metrics
	log      zerolog.Logger
}

// NewHarness creates a backtest harness. ledgerSvc may be nil only when
// every run sets SkipLedger; eventMgr and metrics may be nil in tests.
func NewHarness(cfg config.Config, registry *strategy.Registry, ledgerSvc *ledger.Service, eventMgr *events.Manager, metrics *telemetry.Metrics, log zerolog.Logger) *Harness {
	return &Harness{
		cfg:      cfg,
		registry: registry,
		ledger:   ledgerSvc,
		eventMgr: eventMgr,
		metrics:  metrics,
		log:      log.With().Str("component", "backtest").Logger(),
	}
}

// Run executes one backtest. Cancellation is honoured between epochs
// only; a cancelled run returns ctx.Err() with no partial results,
// while records already appended to the ledger stay (they are valid,
// complete cycles).
func (h *Harness) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	spec = h.withDefaults(spec)

	if err := validateHistory(spec.History); err != nil {
		return nil, err
	}

	model, err := h.registry.Get(spec.Model)
	if err != nil {
		return nil, domain.InvalidInputError{Reason: err.Error()}
	}

	epochs := spec.History.Epochs()
	if spec.EndEpoch <= 0 || spec.EndEpoch > epochs-1 {
		// The last decision epoch needs a next-epoch return.
		spec.EndEpoch = epochs - 1
	}
	if spec.StartEpoch < h.cfg.Backtest.WarmupEpochs {
		spec.StartEpoch = h.cfg.Backtest.WarmupEpochs
	}
	if spec.StartEpoch >= spec.EndEpoch {
		return nil, domain.InvalidInputError{
			Reason: fmt.Sprintf("no decision epochs: start %d, end %d (history %d epochs, warmup %d)",
				spec.StartEpoch, spec.EndEpoch, epochs, h.cfg.Backtest.WarmupEpochs),
		}
	}

	controller := h.buildPipeline(spec)
	trans := translator.New(h.cfg.Translator, h.log)
	costs := newCostModel(h.cfg.Backtest, rand.New(rand.NewSource(spec.Seed)))
	constraints := domain.Constraints{
		MaxAssetWeight: h.cfg.Solver.MaxAssetWeight,
		MaxAssets:      h.cfg.Solver.MaxAssets,
		MinAssets:      h.cfg.Solver.MinAssets,
		Budget:         h.cfg.Solver.Budget,
	}

	h.emitRunStarted(spec)
	started := time.Now()

	state := newRunState(h.cfg.Backtest.InitialCapital)
	results := make([]domain.EpochResult, 0, spec.EndEpoch-spec.StartEpoch)

	for epoch := spec.StartEpoch; epoch < spec.EndEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			h.emitRunFailed(spec, epoch, fmt.Errorf("run cancelled: %w", err))
			return nil, err
		}

		window := spec.History.Window(epoch)
		epochSeed := spec.Seed + int64(epoch)

		snapshots, err := h.buildSnapshots(model, window)
		if err != nil {
			h.emitRunFailed(spec, epoch, err)
			return nil, err
		}

		coeffs, terr := trans.Translate(snapshots, window)

		var decision domain.PortfolioDecision
		if terr != nil {
			if !domain.IsInvalidInput(terr) {
				h.emitRunFailed(spec, epoch, terr)
				return nil, terr
			}
			decision = domain.PortfolioDecision{
				Epoch:      epoch,
				Weights:    map[string]float64{},
				Variant:    domain.SolverClassical,
				NoDecision: true,
				Reason:     terr.Error(),
			}
		} else {
			decision = controller.Decide(ctx, epoch, coeffs, constraints, epochSeed)
		}

		result, err := h.applyEpoch(state, spec.History, epoch, decision)
		if err != nil {
			h.emitRunFailed(spec, epoch, err)
			return nil, err
		}
		result.TransactionCost = costs.apply(state, decision.Weights)
		result.Equity = state.equity
		result.Drawdown = state.drawdown()
		result.Ruined = state.ruined()

		if err := state.checkFinite(epoch); err != nil {
			h.emitRunFailed(spec, epoch, err)
			return nil, err
		}

		if !spec.SkipLedger {
			if err := h.record(ctx, spec, epoch, epochSeed, coeffs, constraints, decision); err != nil {
				h.emitRunFailed(spec, epoch, err)
				return nil, err
			}
		}

		results = append(results, result)

		if result.Ruined {
			h.log.Warn().Str("run_id", spec.RunID).Int("epoch", epoch).Msg("Run ruined, stopping early")
			break
		}
	}

	runResult := &RunResult{
		RunID:   spec.RunID,
		Seed:    spec.Seed,
		Model:   spec.Model,
		Variant: spec.Variant,
		Epochs:  results,
		Metrics: computeMetrics(results, h.cfg.Backtest.InitialCapital),
	}

	h.emitRunCompleted(spec, runResult, float64(time.Since(started).Microseconds())/1000.0)
	return runResult, nil
}

// withDefaults fills the spec's optional fields.
func (h *Harness) withDefaults(spec RunSpec) RunSpec {
	if spec.Model == "" {
		spec.Model = h.cfg.Strategy.Model
	}
	if spec.Variant == "" {
		spec.Variant = PipelineHybrid
	}
	return spec
}

// buildPipeline constructs the per-run solver stack. Every run gets a
// fresh fallback controller so breaker state is run-local.
func (h *Harness) buildPipeline(spec RunSpec) *fallback.Controller {
	classical := solver.NewClassical(h.cfg.Solver, h.log)

	var combinatorial domain.Solver
	if spec.Variant == PipelineHybrid {
		combinatorial = solver.NewCombinatorial(h.cfg.Solver, h.log)
		if spec.PerturbAfter > 0 {
			// Inflate past every breaker threshold so the drill takes
			// effect on the next grading.
			combinatorial = solver.NewPerturbed(combinatorial,
				spec.PerturbAfter,
				h.cfg.Breaker.LatencyThresholdMS*2,
				h.cfg.Breaker.NoiseThreshold*2,
			)
		}
	}

	return fallback.NewController(classical, combinatorial, h.cfg.Breaker, h.eventMgr, h.metrics, h.log)
}

// buildSnapshots synthesizes the epoch's asset snapshots from the causal
// price window: model score plus momentum/volatility features.
func (h *Harness) buildSnapshots(model strategy.Model, window domain.PriceHistory) ([]domain.AssetSnapshot, error) {
	scores, err := model.Scores(window)
	if err != nil {
		return nil, fmt.Errorf("score model %s: %w", model.Name(), err)
	}

	assets := window.Assets()
	snapshots := make([]domain.AssetSnapshot, 0, len(assets))
	for _, id := range assets {
		prices := window[id]
		if len(prices) == 0 {
			continue
		}

		snap := domain.AssetSnapshot{
			ID:            id,
			Price:         prices[len(prices)-1],
			SchemaVersion: snapshotSchemaVersion,
		}
		if score, ok := scores[id]; ok {
			s := score
			snap.Score = &s
		}
		if m := formulas.CalculateMomentum(prices, h.cfg.Strategy.MomentumWindow); m != nil {
			snap.Momentum = *m
		}
		if v := formulas.CalculateVolatilityWindow(prices, h.cfg.Strategy.MomentumWindow); v != nil {
			snap.Volatility = *v
		}

		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// applyEpoch realizes the decision against the next epoch's prices.
func (h *Harness) applyEpoch(state *runState, history domain.PriceHistory, epoch int, decision domain.PortfolioDecision) (domain.EpochResult, error) {
	result := domain.EpochResult{
		Epoch:      epoch,
		NoDecision: decision.NoDecision,
	}
	if !decision.NoDecision {
		// Results must replay byte for byte under the same seed. Measured
		// wall time stays in the ledger metadata and logs; the result
		// carries only the deterministic latency model.
		d := decision
		d.Metadata.WallTimeMS = 0
		result.Decision = &d
	}

	predicted := 0.0
	realized := 0.0
	for id, w := range decision.Weights {
		if w == 0 {
			continue
		}
		prices := history[id]
		if epoch+1 >= len(prices) {
			return result, domain.DataIntegrityError{
				Epoch: epoch, AssetID: id, Field: "price",
				Value: math.NaN(),
			}
		}
		now, next := prices[epoch], prices[epoch+1]
		if now <= 0 || !isFinite(now) || !isFinite(next) {
			bad := now
			if isFinite(now) {
				bad = next
			}
			return result, domain.DataIntegrityError{Epoch: epoch, AssetID: id, Field: "price", Value: bad}
		}

		assetReturn := next/now - 1.0
		realized += w * assetReturn

		window := history.Window(epoch)[id]
		if m := formulas.CalculateMomentum(window, h.cfg.Strategy.MomentumWindow); m != nil {
			predicted += w * *m
		}
	}

	if !isFinite(realized) {
		return result, domain.DataIntegrityError{Epoch: epoch, Field: "return", Value: realized}
	}

	result.PredictedReturn = predicted
	result.RealizedReturn = realized
	state.applyReturn(realized)

	return result, nil
}

// record seals the epoch into the run ledger.
func (h *Harness) record(ctx context.Context, spec RunSpec, epoch int, epochSeed int64, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, decision domain.PortfolioDecision) error {
	_, err := h.ledger.Record(ctx, ledger.RecordInput{
		RunID:         spec.RunID,
		Epoch:         epoch,
		Seed:          epochSeed,
		SchemaVersion: snapshotSchemaVersion,
		Coefficients:  coeffs,
		Constraints:   constraints,
		QuadWeight:    h.cfg.Solver.QuadWeight,
		Decision:      decision,
		Safety:        domain.SafetySnapshot{Tier: "backtest", CanaryPct: 0},
	})
	if err != nil {
		return fmt.Errorf("record epoch %d: %w", epoch, err)
	}
	return nil
}

func (h *Harness) emitRunStarted(spec RunSpec) {
	if h.eventMgr == nil {
		return
	}
	h.eventMgr.EmitTyped(events.RunStarted, "backtest", &events.RunStartedData{
		RunID:    spec.RunID,
		Seed:     spec.Seed,
		Epochs:   spec.EndEpoch - spec.StartEpoch,
		Universe: len(spec.History),
	})
}

func (h *Harness) emitRunCompleted(spec RunSpec, result *RunResult, durationMS float64) {
	if h.metrics != nil {
		h.metrics.RunsTotal.WithLabelValues("completed").Inc()
		h.metrics.RunDuration.Observe(durationMS / 1000.0)
	}
	if h.eventMgr == nil {
		return
	}
	data := &events.RunCompletedData{
		RunID:         spec.RunID,
		FinalEquity:   result.Metrics.FinalEquity,
		TotalReturn:   result.Metrics.TotalReturnPct,
		FallbackCount: result.Metrics.Fallbacks,
		DurationMS:    durationMS,
	}
	if result.Metrics.SharpeRatio != nil {
		data.SharpeRatio = *result.Metrics.SharpeRatio
	}
	if result.Metrics.MaxDrawdown != nil {
		data.MaxDrawdown = *result.Metrics.MaxDrawdown
	}
	h.eventMgr.EmitTyped(events.RunCompleted, "backtest", data)
}

func (h *Harness) emitRunFailed(spec RunSpec, epoch int, err error) {
	if h.metrics != nil {
		h.metrics.RunsTotal.WithLabelValues("failed").Inc()
	}
	if h.eventMgr == nil {
		return
	}
	h.eventMgr.EmitTyped(events.RunFailed, "backtest", &events.RunFailedData{
		RunID:         spec.RunID,
		Epoch:         epoch,
		Error:         err.Error(),
		DataIntegrity: domain.IsDataIntegrity(err),
	})
}

// validateHistory fails fast on structurally bad input: empty panels,
// ragged series, or any non-finite price.
func validateHistory(history domain.PriceHistory) error {
	if len(history) == 0 {
		return domain.InvalidInputError{Reason: "empty price history"}
	}

	epochs := -1
	for id, prices := range history {
		if epochs < 0 {
			epochs = len(prices)
		} else if len(prices) != epochs {
			return domain.InvalidInputError{
				Reason: fmt.Sprintf("ragged history: asset %s has %d epochs, expected %d", id, len(prices), epochs),
			}
		}
		for e, p := range prices {
			if !isFinite(p) || p <= 0 {
				return domain.DataIntegrityError{Epoch: e, AssetID: id, Field: "price", Value: p}
			}
		}
	}
	if epochs < 2 {
		return domain.InvalidInputError{Reason: "price history needs at least two epochs"}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
