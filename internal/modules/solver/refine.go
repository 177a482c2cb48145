package solver

import (
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/aristath/helmsman/internal/domain"
)

// refinePenalty scales the soft-constraint terms during weight
// refinement. Violations are driven out quadratically; the final
// result is still clamped and validated, the penalty only steers the
// search.
const refinePenalty = 1e4

// refineWeights polishes the winning subset's allocation when a
// covariance matrix is present. Enumeration scores subsets at equal
// weight, which is exact for the selection but not for the split once
// the quadratic term is active; a short Nelder-Mead descent (BFGS
// retry on failure) over the subset's weights recovers the remaining
// objective. The refined allocation is kept only when it is feasible
// and strictly better, so symmetric problems keep their exact
// equal-weight optimum bit for bit.
func (p problem) refineWeights(mask uint32, constraints domain.Constraints, equalObj float64) (map[string]float64, float64, bool) {
	if p.cov == nil {
		return nil, 0, false
	}

	idx := make([]int, 0, p.size())
	for i := range p.ids {
		if mask&(1<<uint(i)) != 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) < 2 {
		return nil, 0, false
	}

	k := len(idx)
	maxW := constraints.MaxAssetWeight
	if maxW <= 0 {
		maxW = p.budget
	}

	objective := func(x []float64) float64 {
		linear := 0.0
		quad := 0.0
		sum := 0.0
		for a, i := range idx {
			linear += p.linear[i] * x[a]
			sum += x[a]
			for b, j := range idx {
				quad += p.cov[i][j] * x[a] * x[b]
			}
		}
		value := linear - p.quadWeight*quad

		penalty := 0.0
		for _, w := range x {
			if w < 0 {
				penalty += w * w
			}
			if w > maxW {
				penalty += (w - maxW) * (w - maxW)
			}
		}
		if sum > p.budget {
			penalty += (sum - p.budget) * (sum - p.budget)
		}
		return -value + refinePenalty*penalty
	}

	gradient := func(grad, x []float64) {
		sum := 0.0
		for _, w := range x {
			sum += w
		}
		for a, i := range idx {
			g := -p.linear[i]
			for b, j := range idx {
				g += 2 * p.quadWeight * p.cov[i][j] * x[b]
			}
			if x[a] < 0 {
				g += refinePenalty * 2 * x[a]
			}
			if x[a] > maxW {
				g += refinePenalty * 2 * (x[a] - maxW)
			}
			if sum > p.budget {
				g += refinePenalty * 2 * (sum - p.budget)
			}
			grad[a] = g
		}
	}

	start := make([]float64, k)
	for a := range start {
		start[a] = p.budget / float64(k)
	}

	prob := optimize.Problem{Func: objective, Grad: gradient}

	result, err := optimize.Minimize(prob, start, nil, &optimize.NelderMead{})
	if err != nil || result == nil || !isFiniteVector(result.X) {
		result, err = optimize.Minimize(prob, start, nil, &optimize.BFGS{})
		if err != nil || result == nil || !isFiniteVector(result.X) {
			return nil, 0, false
		}
	}

	refined := make(map[string]float64, k)
	for a, i := range idx {
		w := result.X[a]
		if w < 0 {
			w = 0
		}
		if w > maxW {
			w = maxW
		}
		refined[p.ids[i]] = w
	}
	rescaleToBudget(refined, p.budget)

	obj := p.objectiveAt(refined)
	if !(obj > equalObj+1e-9) {
		return nil, 0, false
	}
	if err := validateSolution(refined, constraints); err != nil {
		return nil, 0, false
	}
	return refined, obj, true
}

// objectiveAt evaluates the objective on an arbitrary allocation over
// the problem's candidate universe.
func (p problem) objectiveAt(weights map[string]float64) float64 {
	linear := 0.0
	for i, id := range p.ids {
		linear += p.linear[i] * weights[id]
	}
	if p.cov == nil {
		return linear
	}
	quad := 0.0
	for i, idi := range p.ids {
		wi := weights[idi]
		if wi == 0 {
			continue
		}
		for j, idj := range p.ids {
			quad += p.cov[i][j] * wi * weights[idj]
		}
	}
	return linear - p.quadWeight*quad
}

// rescaleToBudget shrinks an allocation proportionally when float
// drift pushed its sum above the budget.
func rescaleToBudget(weights map[string]float64, budget float64) {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= budget || sum == 0 {
		return
	}
	scale := budget / sum
	for id := range weights {
		weights[id] *= scale
	}
}

func isFiniteVector(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
