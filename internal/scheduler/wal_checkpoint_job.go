package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/database"
)

// walFrameThreshold is the WAL length, in frames, past which a passive
// status probe escalates to a truncating checkpoint.
const walFrameThreshold = 1000

// WALCheckpointJob monitors WAL growth across the platform databases and
// truncates any WAL file that has outgrown the autocheckpoint.
type WALCheckpointJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewWALCheckpointJob creates a new WALCheckpointJob over the named
// databases. Nil entries are skipped, so callers can pass optional
// databases without guarding.
func NewWALCheckpointJob(databases map[string]*database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run executes the WAL checkpoint sweep
func (j *WALCheckpointJob) Run() error {
	checkedCount := 0
	for name, db := range j.databases {
		if db == nil {
			continue
		}

		// PRAGMA wal_checkpoint returns: busy, log, checkpointed
		var busy, frames, checkpointed int
		err := db.Conn().QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed)
		if err != nil {
			j.log.Warn().
				Err(err).
				Str("database", name).
				Msg("Failed to check WAL checkpoint")
			continue
		}

		if frames > walFrameThreshold {
			j.log.Warn().
				Str("database", name).
				Int("wal_frames", frames).
				Int("checkpointed", checkpointed).
				Msg("WAL file is large, forcing truncate checkpoint")

			if err := db.WALCheckpoint("TRUNCATE"); err != nil {
				j.log.Warn().
					Err(err).
					Str("database", name).
					Msg("Truncate checkpoint failed")
			}
		} else {
			j.log.Debug().
				Str("database", name).
				Int("wal_frames", frames).
				Msg("WAL checkpoint status OK")
		}

		checkedCount++
	}

	j.log.Info().
		Int("checked", checkedCount).
		Msg("WAL checkpoint sweep completed")

	return nil
}
