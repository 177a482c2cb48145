package translator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// normalize rescales values for cross-asset comparability.
//
// "zscore" centers on the mean in standard-deviation units; "minmax" maps
// onto [0, 1]. Degenerate inputs (all values equal, or a single value)
// normalize to all zeros for zscore and all 0.5 for minmax, so downstream
// coefficients stay finite.
func normalize(values []float64, method string) ([]float64, error) {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out, nil
	}

	switch method {
	case "zscore":
		mean := stat.Mean(values, nil)
		std := stat.StdDev(values, nil)
		// StdDev is NaN for a single observation and 0 for identical ones
		if std == 0 || math.IsNaN(std) {
			return out, nil
		}
		for i, v := range values {
			out[i] = (v - mean) / std
		}
		return out, nil

	case "minmax":
		min, max := values[0], values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		if max == min {
			for i := range out {
				out[i] = 0.5
			}
			return out, nil
		}
		for i, v := range values {
			out[i] = (v - min) / (max - min)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown normalization method %q", method)
	}
}
