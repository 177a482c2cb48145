// Package safety implements the tiered kill-switch and canary rollout
// gate. The gate consumes live or shadow metric ticks, escalates through
// Normal -> SoftLimit -> HardHalt -> Emergency along the defined edges
// only, and promotes the canary capital fraction up the 0 -> 5 -> 20 ->
// 100 percent ladder one rung per clean observation window.
//
// The gate is the single writer of its state: every mutation happens in
// Ingest, CheckStaleness or ManualReset under one mutex. Everything else
// reads through Snapshot/State/Signal. It never touches a portfolio
// decision; it only publishes the allow/reduce/deny signal and records
// every transition in the run ledger.
package safety

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/events"
	"github.com/aristath/helmsman/internal/modules/ledger"
	"github.com/aristath/helmsman/internal/telemetry"
)

// Tier is the kill-switch position.
type Tier string

const (
	TierNormal    Tier = "normal"
	TierSoftLimit Tier = "soft_limit"
	TierHardHalt  Tier = "hard_halt"
	TierEmergency Tier = "emergency"
)

// rank orders tiers for gauge export and escalation checks.
func (t Tier) rank() int {
	switch t {
	case TierSoftLimit:
		return 1
	case TierHardHalt:
		return 2
	case TierEmergency:
		return 3
	default:
		return 0
	}
}

// Signal is the gate's advice to the execution boundary.
type Signal string

const (
	// SignalAllow permits new entries at the current canary fraction.
	SignalAllow Signal = "allow"
	// SignalReduce blocks new entries and shrinks position limits;
	// existing exposure unwinds passively.
	SignalReduce Signal = "reduce"
	// SignalDeny blocks all new trades.
	SignalDeny Signal = "deny"
)

// canaryLadder is the promotion sequence in percent of capital.
var canaryLadder = [...]int{0, 5, 20, 100}

// MetricTick is one supervisory observation from the live or shadow
// metrics stream. Seq is the producer's monotonic counter: ticks at or
// below the last seen sequence are ignored, so delayed redelivery can
// never rewind the gate. Only window-complete ticks are evaluated
// against thresholds; partial windows just prove the feed is alive.
type MetricTick struct {
	Seq              int64     `json:"seq"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
	DriftPct         float64   `json:"drift_pct"` // PnL drift vs shadow baseline, as a fraction
	Drawdown         float64   `json:"drawdown"`  // realized peak-to-trough drawdown, as a fraction
	WindowComplete   bool      `json:"window_complete"`
	IntegrityFailure bool      `json:"integrity_failure,omitempty"`
}

// State is the full gate position for handlers and tests.
type State struct {
	Tier               Tier      `json:"tier"`
	Signal             Signal    `json:"signal"`
	CanaryPct          int       `json:"canary_pct"`
	WindowProgress     int       `json:"window_progress"`
	WindowTicks        int       `json:"window_ticks"`
	SustainedBreaches  int       `json:"sustained_breaches"`
	LastSeq            int64     `json:"last_seq"`
	LastTickAt         time.Time `json:"last_tick_at,omitempty"`
	IgnoredTicks       int64     `json:"ignored_ticks"`
	Shadow             bool      `json:"shadow"`
	Flattened          bool      `json:"flattened"`
	WouldHaveFlattened bool      `json:"would_have_flattened"`
}

// Gate is the safety state machine.
type Gate struct {
	cfg     config.SafetyConfig
	runID   string
	ledger  *ledger.Service
	policy  PolicyDecider
	events  *events.Manager
	metrics *telemetry.Metrics
	log     zerolog.Logger

	startedAt time.Time

	mu                 sync.RWMutex
	tier               Tier
	canaryIdx          int
	windowProgress     int
	sustained          int
	lastSeq            int64
	lastTickAt         time.Time
	ignoredTicks       int64
	transitionSeq      int
	rearmGen           uint64
	policyInFlight     bool
	flattened          bool
	wouldHaveFlattened bool
	lastDrift          float64
	lastDrawdown       float64
}

var _ domain.SafetyStateProvider = (*Gate)(nil)

// NewGate creates the safety gate in Normal at canary 0%. runID names
// the ledger stream for this supervision session; ledgerSvc, policy,
// evts and metrics may each be nil.
func NewGate(cfg config.SafetyConfig, runID string, ledgerSvc *ledger.Service, policy PolicyDecider, evts *events.Manager, metrics *telemetry.Metrics, log zerolog.Logger) *Gate {
	g := &Gate{
		cfg:       cfg,
		runID:     runID,
		ledger:    ledgerSvc,
		policy:    policy,
		events:    evts,
		metrics:   metrics,
		log:       log.With().Str("component", "safety").Logger(),
		startedAt: time.Now(),
		tier:      TierNormal,
		lastSeq:   -1,
	}
	g.setGauges()
	return g
}

// Snapshot implements domain.SafetyStateProvider.
func (g *Gate) Snapshot() domain.SafetySnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return domain.SafetySnapshot{Tier: string(g.tier), CanaryPct: canaryLadder[g.canaryIdx]}
}

// ExecutionAllowed implements domain.SafetyStateProvider. New entries
// are permitted only in Normal; SoftLimit already disables them.
func (g *Gate) ExecutionAllowed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tier == TierNormal
}

// Signal returns the current advice for the execution boundary.
func (g *Gate) Signal() Signal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return signalFor(g.tier)
}

func signalFor(tier Tier) Signal {
	switch tier {
	case TierNormal:
		return SignalAllow
	case TierSoftLimit:
		return SignalReduce
	default:
		return SignalDeny
	}
}

// State returns the full gate position.
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return State{
		Tier:               g.tier,
		Signal:             signalFor(g.tier),
		CanaryPct:          canaryLadder[g.canaryIdx],
		WindowProgress:     g.windowProgress,
		WindowTicks:        g.cfg.CanaryWindowTicks,
		SustainedBreaches:  g.sustained,
		LastSeq:            g.lastSeq,
		LastTickAt:         g.lastTickAt,
		IgnoredTicks:       g.ignoredTicks,
		Shadow:             g.cfg.Shadow,
		Flattened:          g.flattened,
		WouldHaveFlattened: g.wouldHaveFlattened,
	}
}

// Ingest folds one metric tick into the gate. Returns false when the
// tick was ignored (out of order, non-finite, or the gate is in
// Emergency, which only a manual reset can leave).
func (g *Gate) Ingest(tick MetricTick) bool {
	if !isFinite(tick.DriftPct) || !isFinite(tick.Drawdown) {
		g.log.Warn().Int64("seq", tick.Seq).Msg("Dropping non-finite metric tick")
		return false
	}

	g.mu.Lock()

	if tick.Seq <= g.lastSeq {
		g.ignoredTicks++
		g.mu.Unlock()
		g.log.Debug().Int64("seq", tick.Seq).Int64("last_seq", g.lastSeq).Msg("Ignoring out-of-order metric tick")
		return false
	}
	g.lastSeq = tick.Seq
	g.lastTickAt = tick.Timestamp
	if g.lastTickAt.IsZero() {
		g.lastTickAt = time.Now()
	}
	g.lastDrift = tick.DriftPct
	g.lastDrawdown = tick.Drawdown

	if g.tier == TierEmergency {
		g.mu.Unlock()
		return false
	}
	if !tick.WindowComplete {
		// Partial windows refresh staleness but are never evaluated.
		g.mu.Unlock()
		return true
	}

	var pending []events.EventData
	consult := g.evaluateLocked(tick, &pending)
	g.setGauges()
	g.mu.Unlock()

	g.emit(pending)
	if consult != nil {
		go g.consultPolicy(*consult)
	}
	return true
}

// canaryConsult describes a pending promotion awaiting the policy
// engine's answer.
type canaryConsult struct {
	fromPct  int
	toPct    int
	gen      uint64
	drift    float64
	drawdown float64
}

// evaluateLocked grades one window-complete tick. Callers hold g.mu.
// The returned consult, when non-nil, must be resolved outside the
// lock.
func (g *Gate) evaluateLocked(tick MetricTick, pending *[]events.EventData) *canaryConsult {
	drift := math.Abs(tick.DriftPct)

	// Critical breaches jump to Emergency from any tier.
	if tick.IntegrityFailure {
		g.toEmergencyLocked("solver integrity failure", tick.DriftPct, pending)
		return nil
	}
	if g.cfg.EmergencyDrawdown > 0 && tick.Drawdown >= g.cfg.EmergencyDrawdown {
		g.toEmergencyLocked(fmt.Sprintf("drawdown %.2f%% at emergency limit", tick.Drawdown*100), tick.DriftPct, pending)
		return nil
	}

	soft := g.cfg.SoftDriftPct > 0 && drift >= g.cfg.SoftDriftPct
	hard := g.cfg.HardDriftPct > 0 && drift >= g.cfg.HardDriftPct
	if soft || hard {
		g.sustained++

		if g.tier == TierNormal {
			g.moveTierLocked(TierSoftLimit, fmt.Sprintf("drift %.2f%% over soft limit", tick.DriftPct*100), tick.DriftPct, pending)
		}
		// A harder threshold or a sustained soft breach escalates on
		// the SoftLimit -> HardHalt edge. A hard drift from Normal
		// still passes through SoftLimit; both hops land in one tick.
		if g.tier == TierSoftLimit {
			switch {
			case hard:
				g.moveTierLocked(TierHardHalt, fmt.Sprintf("drift %.2f%% over hard limit", tick.DriftPct*100), tick.DriftPct, pending)
			case g.cfg.SustainedBreaches > 0 && g.sustained >= g.cfg.SustainedBreaches:
				g.moveTierLocked(TierHardHalt, fmt.Sprintf("%d sustained soft breaches", g.sustained), tick.DriftPct, pending)
			}
		}

		g.rollbackCanaryLocked("gate breach during observation window", pending)
		return nil
	}
	g.sustained = 0

	// Clean window-complete tick. The ladder only climbs in Normal: a
	// restricted tier freezes promotion until an operator resets.
	if g.tier != TierNormal || g.canaryIdx >= len(canaryLadder)-1 {
		return nil
	}
	g.windowProgress++
	if g.windowProgress < g.cfg.CanaryWindowTicks {
		return nil
	}
	if g.policyInFlight {
		return nil
	}
	g.policyInFlight = true
	return &canaryConsult{
		fromPct:  canaryLadder[g.canaryIdx],
		toPct:    canaryLadder[g.canaryIdx+1],
		gen:      g.rearmGen,
		drift:    tick.DriftPct,
		drawdown: tick.Drawdown,
	}
}

// consultPolicy asks the policy engine for a promotion verdict and
// applies it if the observation window was not re-armed in the
// meantime.
func (g *Gate) consultPolicy(c canaryConsult) {
	decision, err := g.allowPromotion(c)

	g.mu.Lock()
	g.policyInFlight = false

	if c.gen != g.rearmGen || g.tier != TierNormal {
		g.mu.Unlock()
		g.log.Info().Int("to_pct", c.toPct).Msg("Discarding stale canary promotion")
		return
	}

	var pending []events.EventData
	switch {
	case err != nil:
		// Engine unreachable: no promotion, no breach. The window stays
		// complete, so the next clean tick retries.
		g.mu.Unlock()
		g.log.Warn().Err(err).Int("to_pct", c.toPct).Msg("Policy engine unavailable, promotion deferred")
		return
	case !decision.Allow:
		pending = append(pending, &events.PolicyDeniedData{Rule: decision.Rule, Detail: decision.Detail})
		g.rollbackCanaryLocked("policy engine denied promotion", &pending)
	default:
		from := canaryLadder[g.canaryIdx]
		g.canaryIdx++
		g.windowProgress = 0
		to := canaryLadder[g.canaryIdx]
		g.recordTransitionLocked(fmt.Sprintf("canary %d%% -> %d%%: window clean, policy allowed", from, to))
		pending = append(pending, &events.CanaryChangedData{From: from, To: to, Reason: "observation window clean"})
		g.log.Info().Int("from_pct", from).Int("to_pct", to).Msg("Canary fraction advanced")
	}
	g.setGauges()
	g.mu.Unlock()
	g.emit(pending)
}

func (g *Gate) allowPromotion(c canaryConsult) (PolicyDecision, error) {
	if g.policy == nil {
		return PolicyDecision{Allow: true, Rule: "canary_advance"}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), policyTimeout)
	defer cancel()
	return g.policy.Allow(ctx, PolicyRequest{
		Rule:     "canary_advance",
		FromPct:  c.fromPct,
		ToPct:    c.toPct,
		Tier:     string(TierNormal),
		DriftPct: c.drift,
		Drawdown: c.drawdown,
		Shadow:   g.cfg.Shadow,
	})
}

// CheckStaleness verifies the metrics stream is fresh. Stale metrics
// are themselves a SoftLimit trigger: the gate cannot claim safety it
// cannot observe. Intended to run on the supervisory schedule.
func (g *Gate) CheckStaleness() {
	g.mu.Lock()

	// A gate that has never heard a tick ages from startup, so a feed
	// that never comes up still trips the staleness limit.
	ref := g.lastTickAt
	if ref.IsZero() {
		ref = g.startedAt
	}
	age := time.Since(ref)
	if g.metrics != nil {
		g.metrics.MetricAgeSec.Set(age.Seconds())
	}

	if g.cfg.MetricMaxAge <= 0 || g.tier == TierEmergency {
		g.mu.Unlock()
		return
	}
	if age <= g.cfg.MetricMaxAge {
		g.mu.Unlock()
		return
	}

	var pending []events.EventData
	pending = append(pending, &events.MetricsStaleData{
		AgeSeconds:       age.Seconds(),
		ThresholdSeconds: g.cfg.MetricMaxAge.Seconds(),
	})

	g.sustained++
	if g.tier == TierNormal {
		g.moveTierLocked(TierSoftLimit, fmt.Sprintf("metrics stale for %s", age.Round(time.Second)), 0, &pending)
	} else if g.tier == TierSoftLimit && g.cfg.SustainedBreaches > 0 && g.sustained >= g.cfg.SustainedBreaches {
		g.moveTierLocked(TierHardHalt, fmt.Sprintf("%d sustained breaches (stale metrics)", g.sustained), 0, &pending)
	}
	g.rollbackCanaryLocked("metrics stale", &pending)

	g.setGauges()
	g.mu.Unlock()
	g.emit(pending)
}

// ManualReset is the operator's explicit recovery action and the only
// way out of Emergency: back to Normal with the canary ladder restarted
// from 0%.
func (g *Gate) ManualReset(operator string) State {
	g.mu.Lock()

	var pending []events.EventData
	from := g.tier
	fromPct := canaryLadder[g.canaryIdx]

	g.tier = TierNormal
	g.canaryIdx = 0
	g.windowProgress = 0
	g.sustained = 0
	g.rearmGen++
	g.flattened = false
	g.wouldHaveFlattened = false

	reason := fmt.Sprintf("manual reset by %s", operator)
	g.recordTransitionLocked(fmt.Sprintf("tier %s -> %s, canary %d%% -> 0%%: %s", from, TierNormal, fromPct, reason))
	if from != TierNormal {
		pending = append(pending, &events.SafetyTierChangedData{From: string(from), To: string(TierNormal), Reason: reason})
	}
	if fromPct != 0 {
		pending = append(pending, &events.CanaryChangedData{From: fromPct, To: 0, Reason: reason})
	}

	g.setGauges()
	state := State{
		Tier:        g.tier,
		Signal:      signalFor(g.tier),
		CanaryPct:   canaryLadder[g.canaryIdx],
		WindowTicks: g.cfg.CanaryWindowTicks,
		LastSeq:     g.lastSeq,
		LastTickAt:  g.lastTickAt,
		Shadow:      g.cfg.Shadow,
	}
	g.mu.Unlock()

	g.emit(pending)
	g.log.Info().Str("from", string(from)).Str("operator", operator).Msg("Safety gate manually reset")
	return state
}

// toEmergencyLocked performs the any -> Emergency transition: flatten
// in the live path, flag would-have-flattened in shadow.
func (g *Gate) toEmergencyLocked(reason string, drift float64, pending *[]events.EventData) {
	if g.cfg.Shadow {
		g.wouldHaveFlattened = true
	} else {
		g.flattened = true
	}
	g.moveTierLocked(TierEmergency, reason, drift, pending)
	g.rollbackCanaryLocked(reason, pending)
}

// moveTierLocked transitions the kill-switch tier and records it.
func (g *Gate) moveTierLocked(to Tier, reason string, drift float64, pending *[]events.EventData) {
	if g.tier == to {
		return
	}
	from := g.tier
	g.tier = to

	g.log.Warn().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Bool("shadow", g.cfg.Shadow).
		Msg("Safety tier changed")

	g.recordTransitionLocked(fmt.Sprintf("tier %s -> %s: %s", from, to, reason))
	*pending = append(*pending, &events.SafetyTierChangedData{
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		DriftPct: drift,
	})
}

// rollbackCanaryLocked drops the fraction one rung and re-arms the
// observation window from zero. Rolling back before the next tick is
// what keeps a breached canary from holding its exposure.
func (g *Gate) rollbackCanaryLocked(reason string, pending *[]events.EventData) {
	g.windowProgress = 0
	g.rearmGen++
	if g.canaryIdx == 0 {
		return
	}
	from := canaryLadder[g.canaryIdx]
	g.canaryIdx--
	to := canaryLadder[g.canaryIdx]

	g.log.Warn().Int("from_pct", from).Int("to_pct", to).Str("reason", reason).Msg("Canary fraction rolled back")
	g.recordTransitionLocked(fmt.Sprintf("canary %d%% -> %d%%: %s", from, to, reason))
	*pending = append(*pending, &events.CanaryChangedData{From: from, To: to, Reason: reason})
}

// recordTransitionLocked seals one transition into the run ledger. The
// ledger stream doubles as the audit log of the supervision session, so
// append failures are logged loudly but do not block the state machine.
func (g *Gate) recordTransitionLocked(reason string) {
	if g.ledger == nil {
		return
	}
	g.transitionSeq++
	epoch := g.transitionSeq

	_, err := g.ledger.Record(context.Background(), ledger.RecordInput{
		RunID:         g.runID,
		Epoch:         epoch,
		Seed:          0,
		SchemaVersion: "1.0.0",
		Coefficients:  domain.ObjectiveCoefficients{},
		Constraints:   domain.Constraints{},
		Decision: domain.PortfolioDecision{
			Epoch:      epoch,
			Weights:    map[string]float64{},
			Variant:    domain.SolverClassical,
			NoDecision: true,
			Reason:     reason,
		},
		Safety: domain.SafetySnapshot{Tier: string(g.tier), CanaryPct: canaryLadder[g.canaryIdx]},
	})
	if err != nil {
		g.log.Error().Err(err).Str("reason", reason).Msg("Failed to record safety transition in ledger")
	}
}

func (g *Gate) setGauges() {
	if g.metrics == nil {
		return
	}
	g.metrics.SafetyTier.Set(float64(g.tier.rank()))
	g.metrics.CanaryFraction.Set(float64(canaryLadder[g.canaryIdx]))
}

func (g *Gate) emit(pending []events.EventData) {
	if g.events == nil {
		return
	}
	for _, data := range pending {
		g.events.EmitTyped(data.EventType(), "safety", data)
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
