package strategy

import (
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/pkg/formulas"
)

// TrendModel emits a ternary signal per asset: +1 when the latest close
// sits above its moving average, -1 when below, 0 when exactly on it.
type TrendModel struct {
	Window int
}

// Name identifies the model.
func (m *TrendModel) Name() string {
	return "trend"
}

// Scores compares each asset's latest close against its SMA. The SMA uses
// an expanding mean during warmup, so one close is already enough to
// produce a signal.
func (m *TrendModel) Scores(history domain.PriceHistory) (map[string]float64, error) {
	scores := make(map[string]float64, len(history))

	for id, closes := range history {
		if len(closes) == 0 {
			continue
		}

		ma := formulas.CalculateSMASeries(closes, m.Window)
		last := closes[len(closes)-1]
		lastMA := ma[len(ma)-1]

		switch {
		case last > lastMA:
			scores[id] = 1
		case last < lastMA:
			scores[id] = -1
		default:
			scores[id] = 0
		}
	}

	return scores, nil
}
