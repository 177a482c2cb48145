package formulas

// CalculateMaxDrawdown calculates the maximum drawdown from a value series
//
// Drawdown Formula:
//
//	Drawdown = (Peak Value - Current Value) / Peak Value
//	Max Drawdown = Maximum of all drawdowns
//
// Args:
//
//	values: Array of portfolio values or prices
//
// Returns:
//
//	Maximum drawdown as positive percentage (0.25 = 25% loss from peak) or nil
func CalculateMaxDrawdown(values []float64) *float64 {
	if len(values) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := values[0]

	for _, value := range values {
		// Update peak
		if value > peak {
			peak = value
		}

		// Calculate drawdown from peak
		if peak > 0 {
			drawdown := (peak - value) / peak
			if drawdown > maxDrawdown {
				maxDrawdown = drawdown
			}
		}
	}

	return &maxDrawdown
}

// CalculateMomentum calculates price momentum over a period
// Returns percentage change over the period
func CalculateMomentum(prices []float64, days int) *float64 {
	if len(prices) < days+1 {
		return nil
	}

	startPrice := prices[len(prices)-days-1]
	endPrice := prices[len(prices)-1]

	if startPrice == 0 {
		return nil
	}

	momentum := (endPrice - startPrice) / startPrice
	return &momentum
}

// CalculateVolatilityWindow calculates annualized volatility over the last
// 'days' prices
func CalculateVolatilityWindow(prices []float64, days int) *float64 {
	if len(prices) < days+1 {
		return nil
	}

	window := prices[len(prices)-days-1:]
	returns := CalculateReturns(window)
	if len(returns) < 2 {
		return nil
	}

	volatility := AnnualizedVolatility(returns)
	return &volatility
}
