package testing

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/aristath/helmsman/internal/domain"
)

// GeneratePriceHistory builds a seeded synthetic price history:
// geometric random walks with per-asset drift and volatility. The same
// seed always produces the same series, which is what backtest
// determinism tests rely on.
func GeneratePriceHistory(seed int64, assets, epochs int) domain.PriceHistory {
	rng := rand.New(rand.NewSource(seed))
	history := make(domain.PriceHistory, assets)

	for i := 0; i < assets; i++ {
		id := AssetID(i)
		drift := (rng.Float64() - 0.45) * 0.004
		vol := 0.005 + rng.Float64()*0.025

		prices := make([]float64, epochs)
		price := 50.0 + rng.Float64()*100.0
		for e := 0; e < epochs; e++ {
			shock := rng.NormFloat64() * vol
			price *= math.Exp(drift + shock)
			prices[e] = price
		}
		history[id] = prices
	}

	return history
}

// AssetID returns the synthetic asset ID for an index: AST00, AST01, ...
func AssetID(i int) string {
	return fmt.Sprintf("AST%02d", i)
}

// SnapshotsAt derives asset snapshots from a history at one epoch,
// using simple momentum and volatility over the trailing window. Epoch
// must be at least window.
func SnapshotsAt(history domain.PriceHistory, epoch, window int) []domain.AssetSnapshot {
	snapshots := make([]domain.AssetSnapshot, 0, len(history))

	for _, id := range history.Assets() {
		prices := history[id]
		if epoch >= len(prices) || epoch < window {
			continue
		}

		momentum := prices[epoch]/prices[epoch-window] - 1.0

		returns := make([]float64, 0, window)
		for e := epoch - window + 1; e <= epoch; e++ {
			returns = append(returns, prices[e]/prices[e-1]-1.0)
		}
		mean := 0.0
		for _, r := range returns {
			mean += r
		}
		mean /= float64(len(returns))
		variance := 0.0
		for _, r := range returns {
			variance += (r - mean) * (r - mean)
		}
		variance /= float64(len(returns) - 1)

		snapshots = append(snapshots, domain.AssetSnapshot{
			ID:            id,
			Price:         prices[epoch],
			Momentum:      momentum,
			Volatility:    math.Sqrt(variance),
			SchemaVersion: "1.0.0",
		})
	}

	return snapshots
}
