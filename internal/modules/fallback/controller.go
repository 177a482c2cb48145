package fallback

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/events"
	"github.com/aristath/helmsman/internal/telemetry"
)

// Controller arbitrates between the solver variants. In hybrid mode the
// combinatorial solver is attempted according to the breaker state and
// replaced with the classical result on any breach; with no combinatorial
// solver supplied every epoch solves classically. A decision is produced
// whenever the classical solver succeeds; a classical failure yields a
// no-decision marker, never a zero portfolio dressed up as a real one.
//
// Cooldowns are counted in invocations rather than wall time so that a
// backtest replayed with the same seed walks the breaker through the
// identical state sequence.
type Controller struct {
	classical     domain.Solver
	combinatorial domain.Solver
	cfg           config.BreakerConfig
	log           zerolog.Logger
	events        *events.Manager
	metrics       *telemetry.Metrics

	mu       sync.Mutex
	state    BreakerState
	window   *breachWindow
	cooldown int // invocations remaining before a half-open probe
	backoff  int // current cooldown length, doubled per failed probe
}

// NewController creates the fallback controller. combinatorial may be nil
// for classical-only operation; evts and metrics may be nil.
func NewController(classical, combinatorial domain.Solver, cfg config.BreakerConfig, evts *events.Manager, metrics *telemetry.Metrics, log zerolog.Logger) *Controller {
	base := cfg.CooldownInvocations
	if base < 1 {
		base = 1
	}
	return &Controller{
		classical:     classical,
		combinatorial: combinatorial,
		cfg:           cfg,
		log:           log.With().Str("component", "fallback").Logger(),
		events:        evts,
		metrics:       metrics,
		state:         StateClosed,
		window:        newBreachWindow(cfg.WindowSize),
		backoff:       base,
	}
}

// State reports the current breaker position.
func (c *Controller) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Breaches reports the breach count inside the rolling window.
func (c *Controller) Breaches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.breaches()
}

// Decide runs one epoch's solve through the breaker and always returns a
// decision, possibly flagged no-decision.
func (c *Controller) Decide(ctx context.Context, epoch int, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64) domain.PortfolioDecision {
	if c.combinatorial == nil {
		return c.classicalDecision(ctx, epoch, coeffs, constraints, seed, false, "")
	}

	c.mu.Lock()
	state := c.state
	var moved *events.BreakerStateMovedData
	if state == StateOpen {
		c.cooldown--
		if c.cooldown <= 0 {
			moved = c.moveLocked(StateHalfOpen, 0)
			state = StateHalfOpen
		}
	}
	c.mu.Unlock()
	c.emitMove(moved)

	switch state {
	case StateOpen:
		return c.classicalDecision(ctx, epoch, coeffs, constraints, seed, true, "breaker open")
	case StateHalfOpen:
		return c.probe(ctx, epoch, coeffs, constraints, seed)
	default:
		return c.attempt(ctx, epoch, coeffs, constraints, seed)
	}
}

// attempt is the Closed-state path: combinatorial first, classical on
// breach.
func (c *Controller) attempt(ctx context.Context, epoch int, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64) domain.PortfolioDecision {
	sol, breachReason := c.tryCombinatorial(ctx, coeffs, constraints, seed)
	if breachReason == "" {
		c.recordObservation(false)
		return buildDecision(epoch, coeffs, domain.SolverCombinatorial, sol, false, "")
	}

	c.recordObservation(true)
	c.emitFallback(epoch, breachReason, sol)
	return c.classicalDecision(ctx, epoch, coeffs, constraints, seed, true, breachReason)
}

// probe is the HalfOpen-state path: one supervised combinatorial attempt
// judged against the classical result.
func (c *Controller) probe(ctx context.Context, epoch int, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64) domain.PortfolioDecision {
	classicalSol, classicalErr := c.solveClassical(ctx, coeffs, constraints, seed)
	sol, breachReason := c.tryCombinatorial(ctx, coeffs, constraints, seed)

	if breachReason == "" && classicalErr == nil && !c.withinTolerance(sol.ObjectiveValue, classicalSol.ObjectiveValue) {
		breachReason = "probe objective outside tolerance"
	}

	if breachReason == "" && classicalErr == nil {
		c.mu.Lock()
		c.window.reset()
		c.backoff = c.baseCooldown()
		moved := c.moveLocked(StateClosed, 0)
		c.mu.Unlock()
		c.emitMove(moved)
		return buildDecision(epoch, coeffs, domain.SolverCombinatorial, sol, false, "")
	}

	c.mu.Lock()
	c.backoff *= 2
	if c.cfg.MaxCooldown > 0 && c.backoff > c.cfg.MaxCooldown {
		c.backoff = c.cfg.MaxCooldown
	}
	c.cooldown = c.backoff
	moved := c.moveLocked(StateOpen, c.cooldown)
	c.mu.Unlock()
	c.emitMove(moved)

	if breachReason != "" {
		c.emitFallback(epoch, breachReason, sol)
	}
	if classicalErr != nil {
		return c.noDecision(epoch, coeffs, true, classicalErr)
	}
	return c.finishClassical(epoch, coeffs, classicalSol, true, breachReason)
}

// tryCombinatorial runs the combinatorial solver under the hard timeout
// and grades the result. An empty reason means the attempt is acceptable.
func (c *Controller) tryCombinatorial(ctx context.Context, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64) (domain.Solution, string) {
	solveCtx := ctx
	if c.cfg.SolveTimeout > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, c.cfg.SolveTimeout)
		defer cancel()
	}

	sol, err := c.combinatorial.Solve(solveCtx, coeffs, constraints, seed)
	if err != nil {
		c.countSolve(domain.SolverCombinatorial, "error")
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Solution{}, "solve timeout"
		}
		return domain.Solution{}, "solver error: " + err.Error()
	}

	c.observeLatency(domain.SolverCombinatorial, sol.Metadata.LatencyMS)
	if c.cfg.LatencyThresholdMS > 0 && sol.Metadata.LatencyMS > c.cfg.LatencyThresholdMS {
		c.countSolve(domain.SolverCombinatorial, "breach")
		return sol, "latency threshold exceeded"
	}
	if c.cfg.NoiseThreshold > 0 && sol.Metadata.NoiseEstimate > c.cfg.NoiseThreshold {
		c.countSolve(domain.SolverCombinatorial, "breach")
		return sol, "noise threshold exceeded"
	}

	c.countSolve(domain.SolverCombinatorial, "ok")
	return sol, ""
}

// classicalDecision solves classically and wraps the outcome.
func (c *Controller) classicalDecision(ctx context.Context, epoch int, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64, fallback bool, reason string) domain.PortfolioDecision {
	sol, err := c.solveClassical(ctx, coeffs, constraints, seed)
	if err != nil {
		return c.noDecision(epoch, coeffs, fallback, err)
	}
	return c.finishClassical(epoch, coeffs, sol, fallback, reason)
}

func (c *Controller) solveClassical(ctx context.Context, coeffs domain.ObjectiveCoefficients, constraints domain.Constraints, seed int64) (domain.Solution, error) {
	sol, err := c.classical.Solve(ctx, coeffs, constraints, seed)
	if err != nil {
		c.countSolve(domain.SolverClassical, "error")
		return domain.Solution{}, err
	}
	c.countSolve(domain.SolverClassical, "ok")
	c.observeLatency(domain.SolverClassical, sol.Metadata.LatencyMS)
	return sol, nil
}

func (c *Controller) finishClassical(epoch int, coeffs domain.ObjectiveCoefficients, sol domain.Solution, fallback bool, reason string) domain.PortfolioDecision {
	if fallback && c.metrics != nil {
		c.metrics.FallbackTotal.Inc()
	}
	return buildDecision(epoch, coeffs, domain.SolverClassical, sol, fallback, reason)
}

func (c *Controller) noDecision(epoch int, coeffs domain.ObjectiveCoefficients, fallback bool, err error) domain.PortfolioDecision {
	c.log.Warn().Err(err).Int("epoch", epoch).Msg("Classical solver failed, epoch skipped")
	return domain.PortfolioDecision{
		Epoch:             epoch,
		Weights:           zeroWeights(coeffs.Order),
		Selected:          []string{},
		Variant:           domain.SolverClassical,
		FallbackTriggered: fallback,
		NoDecision:        true,
		Reason:            err.Error(),
	}
}

// recordObservation folds one Closed-state attempt into the rolling
// window, opening the breaker when the breach count reaches the limit.
func (c *Controller) recordObservation(breach bool) {
	c.mu.Lock()
	c.window.record(breach)
	var moved *events.BreakerStateMovedData
	if breach && c.state == StateClosed && c.cfg.BreachLimit > 0 && c.window.breaches() >= c.cfg.BreachLimit {
		c.cooldown = c.backoff
		moved = c.moveLocked(StateOpen, c.cooldown)
	}
	c.mu.Unlock()
	c.emitMove(moved)
}

// moveLocked performs a state transition and returns the event payload
// for the caller to emit once the lock is released. Callers hold c.mu.
func (c *Controller) moveLocked(to BreakerState, cooldown int) *events.BreakerStateMovedData {
	if c.state == to {
		return nil
	}
	from := c.state
	c.state = to

	c.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Int("breaches", c.window.breaches()).
		Int("cooldown", cooldown).
		Msg("Breaker state moved")

	if c.metrics != nil {
		c.metrics.BreakerState.Set(breakerStateValue(to))
	}
	return &events.BreakerStateMovedData{
		From:     string(from),
		To:       string(to),
		Breaches: c.window.breaches(),
		Cooldown: cooldown,
	}
}

func (c *Controller) emitMove(data *events.BreakerStateMovedData) {
	if data == nil || c.events == nil {
		return
	}
	c.events.EmitTyped(events.BreakerStateMoved, "fallback", data)
}

func (c *Controller) emitFallback(epoch int, reason string, sol domain.Solution) {
	if c.events == nil {
		return
	}
	c.events.EmitTyped(events.FallbackTriggered, "fallback", &events.FallbackTriggeredData{
		Epoch:         epoch,
		Reason:        reason,
		LatencyMS:     sol.Metadata.LatencyMS,
		NoiseEstimate: sol.Metadata.NoiseEstimate,
	})
}

func (c *Controller) countSolve(variant domain.SolverVariant, outcome string) {
	if c.metrics != nil {
		c.metrics.SolveTotal.WithLabelValues(string(variant), outcome).Inc()
	}
}

func (c *Controller) observeLatency(variant domain.SolverVariant, latencyMS float64) {
	if c.metrics != nil {
		c.metrics.SolveLatencyMS.WithLabelValues(string(variant)).Observe(latencyMS)
	}
}

func (c *Controller) withinTolerance(candidate, reference float64) bool {
	return math.Abs(candidate-reference) <= c.cfg.ObjectiveTolerance*(math.Abs(reference)+1e-9)
}

func (c *Controller) baseCooldown() int {
	if c.cfg.CooldownInvocations < 1 {
		return 1
	}
	return c.cfg.CooldownInvocations
}

// buildDecision expands a solution onto the full selectable universe,
// with explicit zero weights for unselected assets.
func buildDecision(epoch int, coeffs domain.ObjectiveCoefficients, variant domain.SolverVariant, sol domain.Solution, fallback bool, reason string) domain.PortfolioDecision {
	weights := zeroWeights(coeffs.Order)
	for id, w := range sol.Weights {
		weights[id] = w
	}
	d := domain.PortfolioDecision{
		Epoch:             epoch,
		Weights:           weights,
		ObjectiveValue:    sol.ObjectiveValue,
		Variant:           variant,
		Metadata:          sol.Metadata,
		FallbackTriggered: fallback,
		Reason:            reason,
	}
	d.Selected = d.SelectedAssets()
	return d
}

func zeroWeights(order []string) map[string]float64 {
	weights := make(map[string]float64, len(order))
	for _, id := range order {
		weights[id] = 0
	}
	return weights
}

func breakerStateValue(s BreakerState) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
