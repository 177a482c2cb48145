package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/modules/safety"
)

// SafetyStalenessJob drives the gate's metric-age check on the
// supervisory cadence. A feed that dies, or never comes up, degrades the
// tier through this sweep even though no tick ever reaches the gate.
type SafetyStalenessJob struct {
	gate *safety.Gate
	log  zerolog.Logger
}

// NewSafetyStalenessJob creates the staleness sweep for the given gate.
func NewSafetyStalenessJob(gate *safety.Gate, log zerolog.Logger) *SafetyStalenessJob {
	return &SafetyStalenessJob{
		gate: gate,
		log:  log.With().Str("job", "safety_staleness").Logger(),
	}
}

// Name returns the job name
func (j *SafetyStalenessJob) Name() string {
	return "safety_staleness_check"
}

// Run executes one staleness check against the gate.
func (j *SafetyStalenessJob) Run() error {
	j.gate.CheckStaleness()

	snap := j.gate.Snapshot()
	j.log.Debug().
		Str("tier", snap.Tier).
		Int("canary_pct", snap.CanaryPct).
		Msg("Staleness check completed")

	return nil
}
