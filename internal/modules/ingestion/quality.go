package ingestion

import "time"

// Quality scoring weights. Completeness and validity dominate because
// a sparse or invalid batch corrupts decisions directly; consistency
// and freshness degrade confidence rather than correctness.
const (
	weightCompleteness = 0.3
	weightValidity     = 0.3
	weightConsistency  = 0.2
	weightFreshness    = 0.2

	minQualityScore = 0.5

	freshFor   = 5 * time.Minute
	staleAfter = time.Hour
)

// Quality is the weighted data-quality breakdown for one batch, each
// component in [0, 1].
type Quality struct {
	Completeness float64 `json:"completeness"`
	Validity     float64 `json:"validity"`
	Consistency  float64 `json:"consistency"`
	Freshness    float64 `json:"freshness"`
	Overall      float64 `json:"overall"`
}

// computeQuality folds validation stats into the weighted score.
func computeQuality(batch Batch, stats batchStats, now time.Time) Quality {
	var q Quality
	if stats.total == 0 {
		return q
	}

	q.Completeness = float64(stats.usableScores) / float64(stats.total)
	q.Validity = float64(stats.total-len(stats.errorAssets)) / float64(stats.total)

	q.Consistency = 1 - float64(stats.consistencyHits)/float64(stats.total)
	if q.Consistency < 0 {
		q.Consistency = 0
	}

	q.Freshness = freshnessScore(batch.ObservedAt, now)

	q.Overall = weightCompleteness*q.Completeness +
		weightValidity*q.Validity +
		weightConsistency*q.Consistency +
		weightFreshness*q.Freshness
	return q
}

// freshnessScore decays linearly from 1 at freshFor to 0 at
// staleAfter. An unknown observation time scores the neutral midpoint
// so it degrades confidence without condemning the batch.
func freshnessScore(observedAt, now time.Time) float64 {
	if observedAt.IsZero() {
		return 0.5
	}
	age := now.Sub(observedAt)
	if age <= freshFor {
		return 1
	}
	if age >= staleAfter {
		return 0
	}
	return 1 - float64(age-freshFor)/float64(staleAfter-freshFor)
}
