package solver

import (
	"fmt"
	"math"
	"math/bits"
	"sort"

	"github.com/aristath/helmsman/internal/domain"
)

// problem is an indexed view of the objective over a candidate universe,
// evaluated on selection bitmasks. Selected assets are held at equal
// weight budget/k, which keeps every feasible mask inside the per-asset
// weight cap as long as the cardinality floor accounts for it.
type problem struct {
	ids        []string
	linear     []float64
	cov        [][]float64 // nil disables the quadratic term
	budget     float64
	quadWeight float64
}

// newProblem builds the indexed view. When limit > 0 and the selectable
// universe is larger, only the top-limit assets by linear coefficient are
// kept (ties broken by asset ID so the index space is reproducible).
func newProblem(coeffs domain.ObjectiveCoefficients, quadWeight, budget float64, limit int) problem {
	ranked := make([]int, len(coeffs.Order))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		ca := coeffs.Linear[coeffs.Order[ranked[a]]]
		cb := coeffs.Linear[coeffs.Order[ranked[b]]]
		if ca != cb {
			return ca > cb
		}
		return coeffs.Order[ranked[a]] < coeffs.Order[ranked[b]]
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	p := problem{
		ids:        make([]string, len(ranked)),
		linear:     make([]float64, len(ranked)),
		budget:     budget,
		quadWeight: quadWeight,
	}
	for i, orig := range ranked {
		p.ids[i] = coeffs.Order[orig]
		p.linear[i] = coeffs.Linear[p.ids[i]]
	}
	if coeffs.HasCovariance() && quadWeight > 0 {
		p.cov = make([][]float64, len(ranked))
		for i, oi := range ranked {
			p.cov[i] = make([]float64, len(ranked))
			for j, oj := range ranked {
				p.cov[i][j] = coeffs.Covariance[oi][oj]
			}
		}
	}
	return p
}

func (p problem) size() int { return len(p.ids) }

// objective scores a selection mask with members at equal weight.
func (p problem) objective(mask uint32) float64 {
	k := bits.OnesCount32(mask)
	if k == 0 {
		return math.Inf(-1)
	}
	w := p.budget / float64(k)

	var linear float64
	for i := range p.ids {
		if mask&(1<<uint(i)) != 0 {
			linear += p.linear[i]
		}
	}
	obj := w * linear

	if p.cov != nil {
		var quad float64
		for i := range p.ids {
			if mask&(1<<uint(i)) == 0 {
				continue
			}
			for j := range p.ids {
				if mask&(1<<uint(j)) != 0 {
					quad += p.cov[i][j]
				}
			}
		}
		obj -= p.quadWeight * w * w * quad
	}
	return obj
}

// weights expands a selection mask into the equal-weight allocation.
func (p problem) weights(mask uint32) map[string]float64 {
	k := bits.OnesCount32(mask)
	if k == 0 {
		return map[string]float64{}
	}
	w := p.budget / float64(k)
	out := make(map[string]float64, k)
	for i, id := range p.ids {
		if mask&(1<<uint(i)) != 0 {
			out[id] = w
		}
	}
	return out
}

// cardinalityBounds resolves the feasible selection sizes for a universe.
// The lower bound folds in the weight cap: holding fewer than
// ceil(budget/cap) assets at equal weight would breach the cap.
func cardinalityBounds(c domain.Constraints, universe int) (int, int, error) {
	lo := c.MinAssets
	if lo < 1 {
		lo = 1
	}
	if c.MaxAssetWeight > 0 {
		need := int(math.Ceil(c.Budget/c.MaxAssetWeight - 1e-9))
		if need > lo {
			lo = need
		}
	}
	hi := c.MaxAssets
	if hi <= 0 || hi > universe {
		hi = universe
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("no feasible cardinality: need at least %d assets, have %d selectable (max %d)", lo, universe, hi)
	}
	return lo, hi, nil
}

// validateSolution asserts the output contract. A violation here is an
// implementation bug surfaced loudly rather than a runtime condition.
func validateSolution(weights map[string]float64, c domain.Constraints) error {
	const eps = 1e-9
	held := 0
	sum := 0.0
	for id, w := range weights {
		if w < -eps {
			return fmt.Errorf("negative weight %.6f for asset %s", w, id)
		}
		if c.MaxAssetWeight > 0 && w > c.MaxAssetWeight+eps {
			return fmt.Errorf("weight %.6f for asset %s exceeds cap %.6f", w, id, c.MaxAssetWeight)
		}
		if w > eps {
			held++
		}
		sum += w
	}
	if sum > c.Budget+eps {
		return fmt.Errorf("weights sum %.6f exceeds budget %.6f", sum, c.Budget)
	}
	if held < c.MinAssets {
		return fmt.Errorf("%d assets held, diversification floor is %d", held, c.MinAssets)
	}
	if c.MaxAssets > 0 && held > c.MaxAssets {
		return fmt.Errorf("%d assets held, cardinality bound is %d", held, c.MaxAssets)
	}
	return nil
}
