package strategy

import (
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/pkg/formulas"
)

// MomentumModel scores each asset with the rolling mean of its daily
// returns over the last Window observations. Raw daily means land well
// inside [-1, 1] for any real price series, so no squashing is applied.
type MomentumModel struct {
	Window int
}

// Name identifies the model.
func (m *MomentumModel) Name() string {
	return "momentum"
}

// Scores returns the mean recent return per asset. Assets with fewer than
// Window returns are omitted.
func (m *MomentumModel) Scores(history domain.PriceHistory) (map[string]float64, error) {
	scores := make(map[string]float64, len(history))

	for id, closes := range history {
		returns := formulas.CalculateReturns(closes)
		if len(returns) < m.Window {
			continue
		}

		recent := returns[len(returns)-m.Window:]
		score := formulas.Mean(recent)
		scores[id] = clamp(score, -1, 1)
	}

	return scores, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
