package formulas

import (
	"github.com/markcheno/go-talib"
)

// CalculateSMASeries returns the full SMA series aligned with closes.
// Positions with fewer than 'length' observations use the expanding mean,
// so the series has no warmup gap.
func CalculateSMASeries(closes []float64, length int) []float64 {
	if len(closes) == 0 {
		return nil
	}
	if length < 1 {
		length = 1
	}

	out := make([]float64, len(closes))

	// Expanding mean for the warmup region
	sum := 0.0
	warmup := length - 1
	if warmup > len(closes) {
		warmup = len(closes)
	}
	for i := 0; i < warmup; i++ {
		sum += closes[i]
		out[i] = sum / float64(i+1)
	}

	if len(closes) >= length {
		sma := talib.Sma(closes, length)
		copy(out[length-1:], sma[length-1:])
	}

	return out
}
