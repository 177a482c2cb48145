package strategy

import (
	"github.com/aristath/helmsman/internal/domain"
)

// BlendModel combines the momentum and trend signals into one score.
// The trend signal is scaled down before mixing so its ±1 magnitude does
// not drown out the small raw momentum values.
type BlendModel struct {
	Momentum       *MomentumModel
	Trend          *TrendModel
	MomentumWeight float64
}

// trendScale shrinks the ternary trend signal into the typical magnitude
// of daily momentum values before blending.
const trendScale = 0.02

// Name identifies the model.
func (m *BlendModel) Name() string {
	return "blend"
}

// Scores blends both signals for assets scored by both models. An asset
// missing from either underlying model is omitted entirely; a half-blind
// blend would silently change meaning.
func (m *BlendModel) Scores(history domain.PriceHistory) (map[string]float64, error) {
	momentumScores, err := m.Momentum.Scores(history)
	if err != nil {
		return nil, err
	}
	trendScores, err := m.Trend.Scores(history)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(momentumScores))
	for id, momentum := range momentumScores {
		trend, ok := trendScores[id]
		if !ok {
			continue
		}

		blended := m.MomentumWeight*momentum + (1-m.MomentumWeight)*trend*trendScale
		scores[id] = clamp(blended, -1, 1)
	}

	return scores, nil
}
