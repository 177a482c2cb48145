package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/helmsman/internal/database"
)

// Disk thresholds for the nightly sweep, in gigabytes. Below the
// critical floor the job fails loudly; the run ledger must never hit a
// full disk mid-append.
const (
	diskCriticalGB = 0.5
	diskLowGB      = 5.0
)

// integrityTimeout bounds the per-database integrity check. The ledger
// grows without bound, so the check cannot be allowed to run open-ended
// inside a scheduled slot.
const integrityTimeout = 5 * time.Minute

// MaintenanceJob performs the nightly database sweep: integrity checks,
// a disk headroom check on the data directory, and size reporting.
type MaintenanceJob struct {
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewMaintenanceJob creates a new maintenance job over the named
// databases rooted at dataDir.
func NewMaintenanceJob(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name
func (j *MaintenanceJob) Name() string {
	return "nightly_maintenance"
}

// Run executes the maintenance sweep
func (j *MaintenanceJob) Run() error {
	j.log.Info().Msg("Starting nightly maintenance")
	startTime := time.Now()

	for name, db := range j.databases {
		if db == nil {
			continue
		}

		j.log.Debug().Str("database", name).Msg("Running integrity check")

		ctx, cancel := context.WithTimeout(context.Background(), integrityTimeout)
		err := db.HealthCheck(ctx)
		cancel()
		if err != nil {
			j.log.Error().
				Str("database", name).
				Err(err).
				Msg("Database integrity check failed")
			return fmt.Errorf("integrity check failed for %s: %w", name, err)
		}
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	j.reportDatabaseSizes()

	j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Nightly maintenance completed")

	return nil
}

// checkDiskSpace verifies the data directory has room to grow.
func (j *MaintenanceJob) checkDiskSpace() error {
	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(usage.Free) / 1e9
	j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	if availableGB < diskCriticalGB {
		j.log.Error().
			Float64("available_gb", availableGB).
			Msg("Insufficient disk space for the data directory")
		return fmt.Errorf("only %.2f GB free under %s", availableGB, j.dataDir)
	}

	if availableGB < diskLowGB {
		j.log.Warn().
			Float64("available_gb", availableGB).
			Float64("used_pct", usage.UsedPercent).
			Msg("Disk space running low")
	}

	return nil
}

// reportDatabaseSizes logs per-database file and WAL sizes.
func (j *MaintenanceJob) reportDatabaseSizes() {
	for name, db := range j.databases {
		if db == nil {
			continue
		}

		stats, err := db.GetStats()
		if err != nil {
			j.log.Warn().
				Str("database", name).
				Err(err).
				Msg("Failed to get database stats")
			continue
		}

		j.log.Info().
			Str("database", name).
			Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
			Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
			Int64("freelist_pages", stats.FreelistCount).
			Msg("Database size")
	}
}
