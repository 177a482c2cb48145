// Package fallback supervises the combinatorial solver behind an explicit
// circuit breaker so the decision pipeline never stalls on it. The
// breaker state is externally visible; transitions are state-machine
// moves, not buried exception handling.
package fallback

// BreakerState is the circuit-breaker position for the combinatorial
// solver.
type BreakerState string

const (
	// StateClosed attempts the combinatorial solver first on every epoch.
	StateClosed BreakerState = "closed"
	// StateOpen skips the combinatorial solver entirely until the
	// cooldown has counted down.
	StateOpen BreakerState = "open"
	// StateHalfOpen probes the combinatorial solver once, closing on
	// success or re-opening with a doubled cooldown on failure.
	StateHalfOpen BreakerState = "half_open"
)

// breachWindow tracks breach observations over a rolling window of
// combinatorial attempts.
type breachWindow struct {
	size         int
	observations []bool
}

func newBreachWindow(size int) *breachWindow {
	if size < 1 {
		size = 1
	}
	return &breachWindow{size: size}
}

func (w *breachWindow) record(breach bool) {
	w.observations = append(w.observations, breach)
	if len(w.observations) > w.size {
		w.observations = w.observations[1:]
	}
}

func (w *breachWindow) breaches() int {
	n := 0
	for _, b := range w.observations {
		if b {
			n++
		}
	}
	return n
}

func (w *breachWindow) reset() {
	w.observations = w.observations[:0]
}
