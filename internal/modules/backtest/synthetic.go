package backtest

import (
	"fmt"
	"math/rand"

	"github.com/aristath/helmsman/internal/domain"
)

// SyntheticSpec parameterizes a generated price panel for drills and
// demos. Generation is a pure function of the spec, so a drill rerun
// with the same spec replays the identical market.
type SyntheticSpec struct {
	Assets int   `json:"assets"`
	Epochs int   `json:"epochs"`
	Seed   int64 `json:"seed"`
}

// GenerateHistory builds a panel of seeded geometric random walks with
// per-asset drift and volatility drawn from the same seed.
func GenerateHistory(spec SyntheticSpec) (domain.PriceHistory, error) {
	if spec.Assets <= 0 || spec.Epochs < 2 {
		return nil, domain.InvalidInputError{
			Reason: fmt.Sprintf("bad synthetic panel: %d assets, %d epochs", spec.Assets, spec.Epochs),
		}
	}

	rng := rand.New(rand.NewSource(spec.Seed))
	history := make(domain.PriceHistory, spec.Assets)
	for i := 0; i < spec.Assets; i++ {
		id := fmt.Sprintf("SYN%02d", i)
		price := 20.0 + rng.Float64()*180.0
		drift := (rng.Float64() - 0.5) * 0.003
		vol := 0.004 + rng.Float64()*0.02

		prices := make([]float64, spec.Epochs)
		for e := 0; e < spec.Epochs; e++ {
			prices[e] = price
			price *= 1.0 + drift + vol*rng.NormFloat64()
			if price < 0.01 {
				price = 0.01
			}
		}
		history[id] = prices
	}
	return history, nil
}
