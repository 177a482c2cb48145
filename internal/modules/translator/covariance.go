package translator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/helmsman/internal/domain"
)

// minEigenvalue is the floor applied when projecting the shrunk matrix
// back onto the PSD cone. Solvers assume wᵀΣw >= 0.
const minEigenvalue = 1e-10

// buildCovariance computes the covariance of daily returns for the given
// assets over the history window, applies Ledoit-Wolf shrinkage toward the
// constant-correlation target, and floors negative eigenvalues so the
// result is positive semi-definite.
func buildCovariance(history domain.PriceHistory, order []string) ([][]float64, error) {
	returns := make(map[string][]float64, len(order))
	length := -1

	for _, id := range order {
		closes, ok := history[id]
		if !ok {
			return nil, fmt.Errorf("no price history for asset %s", id)
		}

		filled := fillMissing(closes)
		r := dailyReturns(filled)
		if length < 0 {
			length = len(r)
		}
		if len(r) != length {
			return nil, fmt.Errorf("inconsistent return lengths: expected %d, got %d for asset %s", length, len(r), id)
		}
		returns[id] = r
	}

	if length < 2 {
		return nil, fmt.Errorf("insufficient data: need at least 2 return observations, got %d", length)
	}

	sample, err := sampleCovariance(returns, order)
	if err != nil {
		return nil, err
	}

	shrunk := applyLedoitWolfShrinkage(sample)

	return projectPSD(shrunk)
}

// fillMissing forward-fills then back-fills NaN prices, matching how the
// ingestion layer patches gaps before analytics.
func fillMissing(prices []float64) []float64 {
	filled := make([]float64, len(prices))
	copy(filled, prices)

	// First pass: forward-fill (use previous valid value)
	var lastValid float64
	hasLastValid := false
	for i := 0; i < len(filled); i++ {
		if math.IsNaN(filled[i]) {
			if hasLastValid {
				filled[i] = lastValid
			}
		} else {
			lastValid = filled[i]
			hasLastValid = true
		}
	}

	// Second pass: back-fill (for leading NaNs)
	var nextValid float64
	hasNextValid := false
	for i := len(filled) - 1; i >= 0; i-- {
		if math.IsNaN(filled[i]) {
			if hasNextValid {
				filled[i] = nextValid
			}
		} else {
			nextValid = filled[i]
			hasNextValid = true
		}
	}

	return filled
}

// dailyReturns converts prices to simple returns, treating non-positive or
// NaN bases as zero-return observations.
func dailyReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 && !math.IsNaN(prices[i]) && !math.IsNaN(prices[i-1]) {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}
	return returns
}

// sampleCovariance calculates the symmetric sample covariance matrix for
// the assets in order.
func sampleCovariance(returns map[string][]float64, order []string) ([][]float64, error) {
	n := len(order)
	if n == 0 {
		return nil, fmt.Errorf("no assets provided")
	}

	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := stat.Covariance(returns[order[i]], returns[order[j]], nil)
			cov[i][j] = c
			if i != j {
				cov[j][i] = c
			}
		}
	}

	return cov, nil
}

// applyLedoitWolfShrinkage shrinks the sample covariance toward the
// constant-correlation target. The intensity is estimated from the
// dispersion of sample elements around the target and capped at 0.5.
//
// Reference: Ledoit, O., & Wolf, M. (2004). "A well-conditioned estimator
// for large-dimensional covariance matrices"
func applyLedoitWolfShrinkage(sample [][]float64) [][]float64 {
	n := len(sample)
	if n == 0 {
		return sample
	}

	// Shrinkage target: average variance on the diagonal, average
	// covariance off it (constant correlation model)
	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sample[i][i]
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sample[i][j]
			}
		}
	}
	avgVar /= float64(n)
	if n > 1 {
		avgCov /= float64(n * (n - 1))
	}

	target := func(i, j int) float64 {
		if i == j {
			return avgVar
		}
		return avgCov
	}

	// Estimate shrinkage intensity from how far the sample sits from the
	// target relative to its own element dispersion
	shrinkage := 0.2
	if n > 2 && avgVar > 0 {
		var sumSqDiff, sumSq, sum float64
		count := float64(n * n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				diff := sample[i][j] - target(i, j)
				sumSqDiff += diff * diff
				sum += sample[i][j]
				sumSq += sample[i][j] * sample[i][j]
			}
		}
		meanSqDiff := sumSqDiff / count
		mean := sum / count
		varSample := sumSq/count - mean*mean

		if varSample > 0 && meanSqDiff > 0 {
			shrinkage = math.Min(0.5, math.Max(0.0, varSample/(varSample+meanSqDiff)))
		}
	}

	shrunk := make([][]float64, n)
	for i := 0; i < n; i++ {
		shrunk[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			shrunk[i][j] = (1-shrinkage)*sample[i][j] + shrinkage*target(i, j)
		}
	}

	return shrunk
}

// projectPSD floors negative eigenvalues of a symmetric matrix and
// reconstructs it, guaranteeing positive semi-definiteness.
func projectPSD(m [][]float64) ([][]float64, error) {
	n := len(m)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, m[i][j])
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, fmt.Errorf("eigendecomposition failed")
	}

	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// Floor eigenvalues, then reconstruct V * diag(λ) * Vᵀ
	needsProjection := false
	for i, v := range values {
		if v < minEigenvalue {
			values[i] = minEigenvalue
			needsProjection = true
		}
	}
	if !needsProjection {
		return m, nil
	}

	scaled := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vectors.At(i, j)*values[j])
		}
	}

	var result mat.Dense
	result.Mul(scaled, vectors.T())

	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			out[i][j] = result.At(i, j)
		}
	}

	// Re-symmetrize against floating point drift from the reconstruction
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			avg := (out[i][j] + out[j][i]) / 2
			out[i][j] = avg
			out[j][i] = avg
		}
	}

	return out, nil
}
