// Package translator converts strategy outputs into solver-ready objective
// coefficients. It owns score normalization, the risk penalty, long-only
// exclusion, and the optional covariance term.
package translator

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
)

// Translator builds ObjectiveCoefficients from asset snapshots.
//
// The translation is a pure function of its inputs: same snapshots, same
// history window, same configuration produce identical coefficients. The
// solvers depend on that for reproducible runs.
type Translator struct {
	alpha         float64
	beta          float64
	normalization string
	longOnly      bool
	useCovariance bool
	log           zerolog.Logger
}

// New creates a translator from configuration.
func New(cfg config.TranslatorConfig, log zerolog.Logger) *Translator {
	return &Translator{
		alpha:         cfg.Alpha,
		beta:          cfg.Beta,
		normalization: cfg.Normalization,
		longOnly:      cfg.LongOnly,
		useCovariance: cfg.UseCovariance,
		log:           log.With().Str("component", "translator").Logger(),
	}
}

// Translate derives objective coefficients for one decision epoch.
//
// Assets without a usable score are excluded (not penalized) and recorded
// with their exclusion reason. If every asset lacks a score the epoch is
// unusable and an InvalidInputError is returned. Under long-only policy,
// assets whose combined coefficient lands negative are excluded rather
// than clipped to zero: a zero-clipped asset would look merely neutral to
// the solver when the signal actually said "avoid".
func (t *Translator) Translate(snapshots []domain.AssetSnapshot, history domain.PriceHistory) (domain.ObjectiveCoefficients, error) {
	coeffs := domain.ObjectiveCoefficients{
		Linear:      make(map[string]float64),
		RiskPenalty: make(map[string]float64),
	}

	// Partition usable vs missing-score assets
	usable := make([]domain.AssetSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.HasScore() {
			usable = append(usable, snap)
			continue
		}
		coeffs.Excluded = append(coeffs.Excluded, domain.ExcludedAsset{
			ID:     snap.ID,
			Reason: domain.ExcludedMissingScore,
		})
	}

	if len(usable) == 0 {
		return domain.ObjectiveCoefficients{}, domain.InvalidInputError{
			Reason: "no asset in the universe has a usable score",
		}
	}

	// Normalize scores and risk inputs across the usable set
	scores := make([]float64, len(usable))
	risks := make([]float64, len(usable))
	for i, snap := range usable {
		scores[i] = *snap.Score
		risks[i] = snap.Volatility
	}

	normScores, err := normalize(scores, t.normalization)
	if err != nil {
		return domain.ObjectiveCoefficients{}, err
	}
	normRisks, err := normalize(risks, t.normalization)
	if err != nil {
		return domain.ObjectiveCoefficients{}, err
	}

	// Combine into per-asset linear coefficients
	order := make([]string, 0, len(usable))
	for i, snap := range usable {
		coefficient := t.alpha*normScores[i] - t.beta*normRisks[i]

		if t.longOnly && coefficient < 0 {
			coeffs.Excluded = append(coeffs.Excluded, domain.ExcludedAsset{
				ID:     snap.ID,
				Reason: domain.ExcludedNegativeCoeff,
			})
			continue
		}

		coeffs.Linear[snap.ID] = coefficient
		coeffs.RiskPenalty[snap.ID] = normRisks[i]
		order = append(order, snap.ID)
	}

	sort.Strings(order)
	coeffs.Order = order

	// Sort exclusions for deterministic serialization
	sort.Slice(coeffs.Excluded, func(i, j int) bool {
		return coeffs.Excluded[i].ID < coeffs.Excluded[j].ID
	})

	// Optional quadratic risk term over the surviving assets
	if t.useCovariance && len(order) >= 2 {
		cov, err := buildCovariance(history, order)
		if err != nil {
			// Covariance is an enhancement, not a requirement. Fall back to
			// the linear-only objective rather than losing the epoch.
			t.log.Warn().Err(err).Msg("Covariance unavailable, using linear objective")
		} else {
			coeffs.Covariance = cov
		}
	}

	t.log.Debug().
		Int("selectable", len(order)).
		Int("excluded", len(coeffs.Excluded)).
		Bool("covariance", coeffs.HasCovariance()).
		Msg("Translated objective")

	return coeffs, nil
}
