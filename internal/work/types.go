package work

import (
	"fmt"
	"time"

	"github.com/aristath/helmsman/internal/modules/backtest"
)

// JobKind selects which harness entry point a job drives.
type JobKind string

const (
	// JobRun is a single backtest.
	JobRun JobKind = "run"
	// JobWalkForward is a rolling fit/evaluate run.
	JobWalkForward JobKind = "walkforward"
	// JobCompare is a paired classical-vs-hybrid comparison.
	JobCompare JobKind = "compare"
)

// Job is one queued unit of work. Exactly one spec field is set,
// matching Kind.
type Job struct {
	ID          string
	Kind        JobKind
	Run         *backtest.RunSpec
	WalkForward *backtest.WalkForwardSpec
	Compare     *backtest.CompareSpec
	SubmittedAt time.Time
}

// Validate checks the job's shape before it is queued.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job missing id")
	}
	switch j.Kind {
	case JobRun:
		if j.Run == nil {
			return fmt.Errorf("job %s: kind %s without run spec", j.ID, j.Kind)
		}
	case JobWalkForward:
		if j.WalkForward == nil {
			return fmt.Errorf("job %s: kind %s without walk-forward spec", j.ID, j.Kind)
		}
	case JobCompare:
		if j.Compare == nil {
			return fmt.Errorf("job %s: kind %s without compare spec", j.ID, j.Kind)
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", j.ID, j.Kind)
	}
	return nil
}

// storeKind maps a job kind to its results-store row kind.
func (j *Job) storeKind() string {
	switch j.Kind {
	case JobWalkForward:
		return backtest.KindWalkForward
	case JobCompare:
		return backtest.KindComparison
	default:
		return backtest.KindSingle
	}
}
