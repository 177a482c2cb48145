package backtest

import (
	"math"
	"math/rand"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
)

// ruinFraction is the equity fraction of initial capital below which a
// run is declared ruined and stopped.
const ruinFraction = 0.01

// runState tracks equity through a run. One instance per run, touched
// only by the run's own goroutine.
type runState struct {
	initial     float64
	equity      float64
	peak        float64
	prevWeights map[string]float64
}

func newRunState(initialCapital float64) *runState {
	return &runState{
		initial:     initialCapital,
		equity:      initialCapital,
		peak:        initialCapital,
		prevWeights: map[string]float64{},
	}
}

// applyReturn compounds one epoch's portfolio return into equity.
func (s *runState) applyReturn(r float64) {
	s.equity *= 1.0 + r
	if s.equity > s.peak {
		s.peak = s.equity
	}
}

// drawdown is the current peak-to-trough equity loss, in [0, 1].
func (s *runState) drawdown() float64 {
	if s.peak <= 0 {
		return 0
	}
	dd := (s.peak - s.equity) / s.peak
	if dd < 0 {
		return 0
	}
	return dd
}

func (s *runState) ruined() bool {
	return s.equity <= s.initial*ruinFraction
}

// checkFinite guards against numerical blowups poisoning the rest of
// the run. Any non-finite equity is a hard failure, not a ruin.
func (s *runState) checkFinite(epoch int) error {
	if !isFinite(s.equity) {
		return domain.DataIntegrityError{Epoch: epoch, Field: "equity", Value: s.equity}
	}
	return nil
}

// costModel charges proportional fees plus size-dependent slippage on
// every rebalance. Slippage jitter, when enabled, comes from the run's
// seeded source so charges stay reproducible.
type costModel struct {
	feePct      float64
	slippagePct float64
	depthProxy  float64
	jitter      float64
	rng         *rand.Rand
}

func newCostModel(cfg config.BacktestConfig, rng *rand.Rand) *costModel {
	return &costModel{
		feePct:      cfg.FeePct,
		slippagePct: cfg.SlippagePct,
		depthProxy:  cfg.DepthProxy,
		jitter:      cfg.SlippageJitter,
		rng:         rng,
	}
}

// apply charges the cost of moving from the previous weights to the
// target weights, subtracts it from equity, and records the target as
// the new holdings. Returns the cash amount charged.
func (m *costModel) apply(state *runState, target map[string]float64) float64 {
	turnover := 0.0
	seen := make(map[string]bool, len(target))
	for id, w := range target {
		turnover += math.Abs(w - state.prevWeights[id])
		seen[id] = true
	}
	for id, w := range state.prevWeights {
		if !seen[id] {
			turnover += math.Abs(w)
		}
	}

	if turnover == 0 {
		state.setWeights(target)
		return 0
	}

	notional := turnover * state.equity

	slip := m.slippagePct
	if m.depthProxy > 0 {
		// Larger orders walk deeper into the book.
		slip *= 1.0 + notional/m.depthProxy
	}
	if m.jitter > 0 && m.rng != nil {
		slip *= 1.0 + m.jitter*(2.0*m.rng.Float64()-1.0)
	}
	if slip < 0 {
		slip = 0
	}

	cost := notional * (m.feePct + slip)
	state.equity -= cost
	if state.equity > state.peak {
		state.peak = state.equity
	}
	state.setWeights(target)
	return cost
}

func (s *runState) setWeights(target map[string]float64) {
	next := make(map[string]float64, len(target))
	for id, w := range target {
		if w != 0 {
			next[id] = w
		}
	}
	s.prevWeights = next
}
