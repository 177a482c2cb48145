// Package scheduler runs the platform's supervisory background jobs:
// safety staleness sweeps, database upkeep and ledger archival. Jobs are
// plain Run/Name values registered with cron expressions; failures are
// logged and the schedule keeps firing.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrUnknownJob is returned by RunByName for names nothing registered.
var ErrUnknownJob = errors.New("unknown job")

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// JobStatus describes one registered job for monitoring surfaces.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	PrevRun  time.Time `json:"prev_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

type registeredJob struct {
	entryID  cron.EntryID
	schedule string
	job      Job
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]registeredJob
}

// New creates a new scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
		jobs: make(map[string]registeredJob),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with cron schedule
// Schedule examples:
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "@hourly"            - Every hour
//   - "0 0 3 * * *"        - 3 AM daily
//   - "@every 30s"         - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	id, err := s.cron.AddFunc(schedule, func() {
		s.runJob(job)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.jobs[job.Name()] = registeredJob{entryID: id, schedule: schedule, job: job}
	s.mu.Unlock()

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}

// RunByName executes a registered job immediately by name.
func (s *Scheduler) RunByName(name string) error {
	s.mu.Lock()
	reg, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.RunNow(reg.job)
}

// Jobs reports the registered jobs with their prev/next fire times.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for name, reg := range s.jobs {
		entry := s.cron.Entry(reg.entryID)
		statuses = append(statuses, JobStatus{
			Name:     name,
			Schedule: reg.schedule,
			PrevRun:  entry.Prev,
			NextRun:  entry.Next,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (s *Scheduler) runJob(job Job) {
	start := time.Now()
	s.log.Debug().Str("job", job.Name()).Msg("Running job")

	if err := job.Run(); err != nil {
		s.log.Error().
			Err(err).
			Str("job", job.Name()).
			Dur("duration_ms", time.Since(start)).
			Msg("Job failed")
		return
	}

	s.log.Debug().
		Str("job", job.Name()).
		Dur("duration_ms", time.Since(start)).
		Msg("Job completed")
}
