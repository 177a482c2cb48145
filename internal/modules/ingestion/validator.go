package ingestion

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/domain"
)

// Validation bounds. Prices above maxReasonablePrice and momentum
// beyond maxAbsMomentum are flagged as suspicious, not rejected.
const (
	maxReasonablePrice = 1_000_000.0
	maxAbsMomentum     = 0.5
	maxFutureSkew      = 10 * time.Minute
)

// Batch is one epoch's snapshot delivery from the prediction pipeline.
// SchemaVersion is the producer's contract version for every snapshot
// in the batch; a snapshot carrying a different version makes the
// batch internally inconsistent and is fatal.
type Batch struct {
	Epoch         int                    `json:"epoch"`
	ObservedAt    time.Time              `json:"observed_at"`
	SchemaVersion string                 `json:"schema_version"`
	Snapshots     []domain.AssetSnapshot `json:"snapshots"`
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Asset    string   `json:"asset,omitempty"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
}

// Report is the outcome of validating one batch.
type Report struct {
	Epoch         int     `json:"epoch"`
	SchemaVersion string  `json:"schema_version"`
	Snapshots     int     `json:"snapshots"`
	Issues        []Issue `json:"issues,omitempty"`
	Quality       Quality `json:"quality"`
}

// Valid reports whether the batch passed with no error-severity issues.
func (r Report) Valid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Acceptable reports whether the batch may feed the optimizer: valid
// and above the minimum quality bar.
func (r Report) Acceptable() bool {
	return r.Valid() && r.Quality.Overall >= minQualityScore
}

// batchStats feeds quality scoring with structured counts instead of
// re-parsing issue strings.
type batchStats struct {
	total           int
	usableScores    int
	errorAssets     map[string]bool
	consistencyHits int
}

// Validator runs batches through compatibility, migration, structural
// checks, and quality scoring.
type Validator struct {
	registry *Registry
	log      zerolog.Logger
}

// NewValidator creates a batch validator backed by the registry.
func NewValidator(registry *Registry, log zerolog.Logger) *Validator {
	return &Validator{
		registry: registry,
		log:      log.With().Str("component", "ingestion").Logger(),
	}
}

// Prepare validates a batch and returns its snapshots migrated to the
// current schema. The error is non-nil only for epoch-fatal
// conditions: empty batch, schema mismatch, mixed versions, or a
// non-finite price. Everything else lands in the report, and callers
// decide on Acceptable().
func (v *Validator) Prepare(batch Batch) ([]domain.AssetSnapshot, Report, error) {
	report := Report{
		Epoch:         batch.Epoch,
		SchemaVersion: batch.SchemaVersion,
		Snapshots:     len(batch.Snapshots),
	}

	if len(batch.Snapshots) == 0 {
		return nil, report, domain.InvalidInputError{Reason: fmt.Sprintf("epoch %d: empty snapshot batch", batch.Epoch)}
	}
	if batch.SchemaVersion == "" {
		return nil, report, domain.InvalidInputError{Reason: fmt.Sprintf("epoch %d: batch missing schema version", batch.Epoch)}
	}

	stats := batchStats{total: len(batch.Snapshots), errorAssets: make(map[string]bool)}
	seen := make(map[string]bool, len(batch.Snapshots))
	migrated := make([]domain.AssetSnapshot, 0, len(batch.Snapshots))

	for _, snap := range batch.Snapshots {
		if snap.SchemaVersion != "" && snap.SchemaVersion != batch.SchemaVersion {
			return nil, report, domain.InvalidInputError{
				Reason: fmt.Sprintf("epoch %d: snapshot %s at schema %s inside a %s batch",
					batch.Epoch, snap.ID, snap.SchemaVersion, batch.SchemaVersion),
			}
		}
		if math.IsNaN(snap.Price) || math.IsInf(snap.Price, 0) {
			return nil, report, domain.DataIntegrityError{
				Epoch: batch.Epoch, AssetID: snap.ID, Field: "price", Value: snap.Price,
			}
		}

		out, err := v.registry.Migrate(snap, batch.SchemaVersion)
		if err != nil {
			return nil, report, fmt.Errorf("epoch %d: %w", batch.Epoch, err)
		}

		v.checkSnapshot(out, seen, &report, &stats)
		migrated = append(migrated, out)
	}

	v.checkFreshness(batch, &report, &stats)
	report.Quality = computeQuality(batch, stats, time.Now())

	if !report.Valid() {
		v.log.Warn().
			Int("epoch", batch.Epoch).
			Int("issues", len(report.Issues)).
			Float64("quality", report.Quality.Overall).
			Msg("Snapshot batch failed validation")
	}
	return migrated, report, nil
}

func (v *Validator) checkSnapshot(snap domain.AssetSnapshot, seen map[string]bool, report *Report, stats *batchStats) {
	addError := func(field, msg string) {
		report.Issues = append(report.Issues, Issue{Severity: SeverityError, Asset: snap.ID, Field: field, Message: msg})
		stats.errorAssets[snap.ID] = true
	}
	addWarning := func(field, msg string) {
		report.Issues = append(report.Issues, Issue{Severity: SeverityWarning, Asset: snap.ID, Field: field, Message: msg})
	}

	if seen[snap.ID] {
		addError("id", "duplicate asset id in batch")
		stats.consistencyHits++
	}
	seen[snap.ID] = true

	if err := v.registry.CheckAgainst(snap, v.registry.Current()); err != nil {
		addError("schema", err.Error())
	}

	if math.IsNaN(snap.Momentum) || math.IsInf(snap.Momentum, 0) {
		addError("momentum", "momentum is not finite")
	} else if math.Abs(snap.Momentum) > maxAbsMomentum {
		addWarning("momentum", fmt.Sprintf("momentum %.3f outside plausible range", snap.Momentum))
	}
	if math.IsNaN(snap.Volatility) || math.IsInf(snap.Volatility, 0) {
		addError("volatility", "volatility is not finite")
	}
	if snap.Price > maxReasonablePrice {
		addWarning("price", fmt.Sprintf("price %.0f above plausibility bound", snap.Price))
	}

	if snap.HasScore() {
		stats.usableScores++
		if math.Abs(*snap.Score) > 1 {
			addWarning("score", fmt.Sprintf("score %.3f outside [-1, 1]", *snap.Score))
			stats.consistencyHits++
		}
	} else if snap.Score != nil {
		addWarning("score", "score present but not finite, treated as missing")
	}

	// A frozen series reporting active momentum is the signature of a
	// stuck upstream cache.
	if snap.Volatility == 0 && math.Abs(snap.Momentum) > 0.1 {
		addWarning("volatility", "zero volatility with active momentum")
		stats.consistencyHits++
	}
}

func (v *Validator) checkFreshness(batch Batch, report *Report, stats *batchStats) {
	if batch.ObservedAt.IsZero() {
		report.Issues = append(report.Issues, Issue{
			Severity: SeverityWarning, Field: "observed_at", Message: "batch missing observation time",
		})
		return
	}
	if skew := time.Until(batch.ObservedAt); skew > maxFutureSkew {
		report.Issues = append(report.Issues, Issue{
			Severity: SeverityWarning, Field: "observed_at",
			Message: fmt.Sprintf("observation time %s in the future", skew.Round(time.Second)),
		})
		stats.consistencyHits++
	}
}
