package di

import (
	"fmt"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/scheduler"
	"github.com/rs/zerolog"
)

// RegisterJobs creates the scheduler and registers the supervisory jobs.
// Services must already be initialized. The scheduler is returned stopped;
// callers decide when ticking starts.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	sched := scheduler.New(log)
	container.Scheduler = sched

	databases := container.Databases()

	// Safety staleness sweep - every 30 seconds
	stalenessJob := scheduler.NewSafetyStalenessJob(container.SafetyGate, log)
	if err := sched.AddJob("@every 30s", stalenessJob); err != nil {
		return fmt.Errorf("failed to register safety staleness job: %w", err)
	}

	// WAL checkpoint sweep - hourly
	walJob := scheduler.NewWALCheckpointJob(databases, log)
	if err := sched.AddJob("@hourly", walJob); err != nil {
		return fmt.Errorf("failed to register WAL checkpoint job: %w", err)
	}

	// Nightly maintenance - 2 AM
	maintenanceJob := scheduler.NewMaintenanceJob(databases, cfg.DataDir, log)
	if err := sched.AddJob("0 0 2 * * *", maintenanceJob); err != nil {
		return fmt.Errorf("failed to register maintenance job: %w", err)
	}

	// Ledger archival - 3 AM, only when a bucket is configured
	if container.ArchiveService != nil {
		archiveJob := scheduler.NewLedgerArchiveJob(container.ArchiveService, log)
		if err := sched.AddJob("0 0 3 * * *", archiveJob); err != nil {
			return fmt.Errorf("failed to register ledger archive job: %w", err)
		}
	}

	log.Info().
		Int("jobs", len(sched.Jobs())).
		Msg("Background jobs registered")

	return nil
}
