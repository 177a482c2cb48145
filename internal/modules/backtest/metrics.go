package backtest

import (
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/pkg/formulas"
)

// tradingPeriodsPerYear annualizes epoch-level statistics assuming one
// decision epoch per trading day.
const tradingPeriodsPerYear = 252

// RunMetrics summarizes a completed run. Pointer fields are nil when
// the series is too short for the statistic.
type RunMetrics struct {
	FinalEquity          float64  `json:"final_equity"`
	TotalReturnPct       float64  `json:"total_return_pct"`
	SharpeRatio          *float64 `json:"sharpe_ratio,omitempty"`
	MaxDrawdown          *float64 `json:"max_drawdown,omitempty"`
	WinRate              float64  `json:"win_rate"`
	AnnualizedVolatility float64  `json:"annualized_volatility"`
	Epochs               int      `json:"epochs"`
	Decisions            int      `json:"decisions"`
	NoDecisions          int      `json:"no_decisions"`
	Fallbacks            int      `json:"fallbacks"`
}

// computeMetrics folds the epoch sequence into summary statistics. Net
// returns are rebuilt from the equity curve so fees and slippage are
// included; the gross RealizedReturn fields are left untouched.
func computeMetrics(epochs []domain.EpochResult, initialCapital float64) RunMetrics {
	m := RunMetrics{
		FinalEquity: initialCapital,
		Epochs:      len(epochs),
	}
	if len(epochs) == 0 {
		return m
	}

	equity := make([]float64, 0, len(epochs)+1)
	equity = append(equity, initialCapital)
	wins := 0
	for _, e := range epochs {
		equity = append(equity, e.Equity)
		if e.NoDecision {
			m.NoDecisions++
		} else {
			m.Decisions++
		}
		if e.Decision != nil && e.Decision.FallbackTriggered {
			m.Fallbacks++
		}
	}
	m.FinalEquity = epochs[len(epochs)-1].Equity
	if initialCapital > 0 {
		m.TotalReturnPct = (m.FinalEquity/initialCapital - 1.0) * 100.0
	}

	returns := netReturns(equity)
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}
	if len(returns) > 0 {
		m.WinRate = float64(wins) / float64(len(returns))
	}

	m.SharpeRatio = formulas.CalculateSharpeRatio(returns, 0, tradingPeriodsPerYear)
	m.MaxDrawdown = formulas.CalculateMaxDrawdown(equity)
	m.AnnualizedVolatility = formulas.AnnualizedVolatility(returns)

	return m
}

// netReturns converts an equity curve into per-epoch net returns.
func netReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1.0)
	}
	return returns
}
