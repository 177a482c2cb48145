// Package domain provides core domain models and types.
package domain

import (
	"math"
	"sort"
	"strconv"
	"time"
)

// SolverVariant identifies which solver produced a decision
type SolverVariant string

const (
	// SolverClassical is the deterministic exact/near-exact optimizer
	SolverClassical SolverVariant = "classical"
	// SolverCombinatorial is the quantum-circuit-inspired annealing heuristic
	SolverCombinatorial SolverVariant = "combinatorial"
)

// AssetSnapshot is one asset's state at a decision epoch. Snapshots are
// produced by an external prediction pipeline and are immutable.
type AssetSnapshot struct {
	ID            string   `json:"id"`
	Price         float64  `json:"price"`
	Momentum      float64  `json:"momentum"`
	Volatility    float64  `json:"volatility"`
	Score         *float64 `json:"score"` // nil = explicitly missing
	SchemaVersion string   `json:"schema_version,omitempty"`
}

// HasScore reports whether the snapshot carries a usable, finite score.
func (s AssetSnapshot) HasScore() bool {
	return s.Score != nil && !math.IsNaN(*s.Score) && !math.IsInf(*s.Score, 0)
}

// PriceHistory is a panel of close prices keyed by asset ID. All series
// share the same epoch axis; index 0 is the oldest observation.
type PriceHistory map[string][]float64

// Assets returns the asset IDs sorted ascending.
func (h PriceHistory) Assets() []string {
	assets := make([]string, 0, len(h))
	for id := range h {
		assets = append(assets, id)
	}
	sort.Strings(assets)
	return assets
}

// Epochs returns the shortest series length across assets. An empty panel
// has zero epochs.
func (h PriceHistory) Epochs() int {
	epochs := -1
	for _, closes := range h {
		if epochs < 0 || len(closes) < epochs {
			epochs = len(closes)
		}
	}
	if epochs < 0 {
		return 0
	}
	return epochs
}

// Window returns the causal view of the panel through the given epoch
// (inclusive). Model code receives only windows, never the full panel, so
// decisions cannot read future prices.
func (h PriceHistory) Window(through int) PriceHistory {
	out := make(PriceHistory, len(h))
	for id, closes := range h {
		end := through + 1
		if end > len(closes) {
			end = len(closes)
		}
		if end < 0 {
			end = 0
		}
		out[id] = closes[:end]
	}
	return out
}

// ExclusionReason explains why the translator removed an asset from the
// selectable universe.
type ExclusionReason string

const (
	ExcludedMissingScore  ExclusionReason = "missing_score"
	ExcludedNegativeCoeff ExclusionReason = "negative_coefficient"
)

// ExcludedAsset records an asset the translator dropped and why.
type ExcludedAsset struct {
	ID     string          `json:"id"`
	Reason ExclusionReason `json:"reason"`
}

// ObjectiveCoefficients is the optimizer input derived fresh each epoch.
// Order lists the selectable asset IDs sorted ascending; Linear and
// RiskPenalty are keyed by asset ID. Covariance, when present, is indexed
// by Order and must be symmetric positive semi-definite.
type ObjectiveCoefficients struct {
	Order       []string           `json:"order"`
	Linear      map[string]float64 `json:"linear"`
	RiskPenalty map[string]float64 `json:"risk_penalty"`
	Covariance  [][]float64        `json:"covariance,omitempty"`
	Excluded    []ExcludedAsset    `json:"excluded,omitempty"`
}

// HasCovariance reports whether a quadratic risk term is available.
func (c ObjectiveCoefficients) HasCovariance() bool {
	return len(c.Covariance) > 0
}

// Constraints bound every solver's output. Violating any of them on a
// returned solution is an implementation bug, not a runtime condition.
type Constraints struct {
	MaxAssetWeight float64 `json:"max_asset_weight"`
	MaxAssets      int     `json:"max_assets"`
	MinAssets      int     `json:"min_assets"` // Diversification floor
	Budget         float64 `json:"budget"`     // Weights sum to at most this
}

// SolveMetadata describes a single solver invocation.
//
// LatencyMS for the combinatorial variant is a deterministic cost model
// over the evaluations performed, so that threshold decisions reproduce
// under a fixed seed; WallTimeMS carries the measured elapsed time and is
// exported for observability only.
type SolveMetadata struct {
	LatencyMS      float64 `json:"latency_ms"`
	NoiseEstimate  float64 `json:"noise_estimate"`
	Shots          int     `json:"shots"`
	ObjectiveValue float64 `json:"objective_value"`
	WallTimeMS     float64 `json:"wall_time_ms,omitempty"`
}

// Solution is a solver's raw output before fallback arbitration.
type Solution struct {
	Weights        map[string]float64 `json:"weights"`
	ObjectiveValue float64            `json:"objective_value"`
	Metadata       SolveMetadata      `json:"metadata"`
}

// PortfolioDecision is the chosen portfolio for one epoch, produced by the
// solver abstraction plus the fallback controller. The weight map covers
// the full selectable universe (zero entries for unselected assets).
type PortfolioDecision struct {
	Epoch             int                `json:"epoch"`
	Weights           map[string]float64 `json:"weights"`
	Selected          []string           `json:"selected"`
	ObjectiveValue    float64            `json:"objective_value"`
	Variant           SolverVariant      `json:"variant"`
	Metadata          SolveMetadata      `json:"metadata"`
	FallbackTriggered bool               `json:"fallback_triggered"`
	NoDecision        bool               `json:"no_decision"`
	Reason            string             `json:"reason,omitempty"`
}

// SelectedAssets returns the IDs with non-zero weight, sorted ascending.
func (d PortfolioDecision) SelectedAssets() []string {
	selected := make([]string, 0, len(d.Weights))
	for id, w := range d.Weights {
		if w > 0 {
			selected = append(selected, id)
		}
	}
	sort.Strings(selected)
	return selected
}

// EpochResult is one backtest step outcome.
type EpochResult struct {
	Epoch           int                `json:"epoch"`
	Decision        *PortfolioDecision `json:"decision,omitempty"`
	PredictedReturn float64            `json:"predicted_return"`
	RealizedReturn  float64            `json:"realized_return"`
	TransactionCost float64            `json:"transaction_cost"`
	Equity          float64            `json:"equity"`
	Drawdown        float64            `json:"drawdown"`
	NoDecision      bool               `json:"no_decision"`
	Ruined          bool               `json:"ruined,omitempty"`
}

// SafetySnapshot is the safety gate's state as recorded with a decision.
// The full state machine lives in the safety module; records carry only
// this flattened view.
type SafetySnapshot struct {
	Tier      string `json:"tier"`
	CanaryPct int    `json:"canary_pct"`
}

// RunRecord is one full decision cycle in the append-only run ledger.
// Hash fields are deterministic functions of the canonical serialization
// of inputs and outputs for a fixed seed; records are never mutated, and
// corrections reference the corrected record via Corrects.
type RunRecord struct {
	RunID             string         `json:"run_id"`
	Seq               int64          `json:"seq"`
	Epoch             int            `json:"epoch"`
	RecordedAt        time.Time      `json:"recorded_at"`
	Seed              int64          `json:"seed"`
	SchemaVersion     string         `json:"schema_version"`
	InputHash         string         `json:"input_hash"`
	OutputHash        string         `json:"output_hash"`
	Variant           SolverVariant  `json:"variant"`
	Metadata          SolveMetadata  `json:"metadata"`
	FallbackTriggered bool           `json:"fallback_triggered"`
	NoDecision        bool           `json:"no_decision"`
	Safety            SafetySnapshot `json:"safety"`
	Corrects          string         `json:"corrects,omitempty"` // "runID:seq" of the corrected record
	Signature         []byte         `json:"signature,omitempty"`
}

// Ref returns the record's stable reference, used by correction records.
func (r RunRecord) Ref() string {
	return r.RunID + ":" + strconv.FormatInt(r.Seq, 10)
}
