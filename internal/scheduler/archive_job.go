package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/reliability"
)

// archiveTimeout bounds one archive-and-upload cycle, including the
// retention pass.
const archiveTimeout = 10 * time.Minute

// LedgerArchiveJob snapshots the run ledger and ships it to remote
// object storage, then prunes archives beyond the retention horizon.
type LedgerArchiveJob struct {
	archiver *reliability.ArchiveService
	log      zerolog.Logger
}

// NewLedgerArchiveJob creates a new archive job around the given
// archival service.
func NewLedgerArchiveJob(archiver *reliability.ArchiveService, log zerolog.Logger) *LedgerArchiveJob {
	return &LedgerArchiveJob{
		archiver: archiver,
		log:      log.With().Str("job", "ledger_archive").Logger(),
	}
}

// Name returns the job name
func (j *LedgerArchiveJob) Name() string {
	return "ledger_archive"
}

// Run executes one archive cycle
func (j *LedgerArchiveJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	key, err := j.archiver.CreateAndUpload(ctx)
	if err != nil {
		return err
	}

	j.log.Info().Str("archive", key).Msg("Ledger archive uploaded")

	// Retention failures are logged but do not fail the job: the upload
	// already succeeded, and the next cycle prunes again.
	if err := j.archiver.Prune(ctx); err != nil {
		j.log.Warn().Err(err).Msg("Archive retention pass failed")
	}

	return nil
}
