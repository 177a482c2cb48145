package work

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/modules/backtest"
	"github.com/aristath/helmsman/internal/telemetry"
)

// Processor executes submitted backtest jobs one at a time.
type Processor struct {
	harness *backtest.Harness
	store   *backtest.Store
	metrics *telemetry.Metrics
	timeout time.Duration
	log     zerolog.Logger

	trigger chan struct{}
	done    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	queue    []*Job
	inFlight map[string]bool
}

// NewProcessor creates a run processor. timeout bounds each job;
// metrics may be nil.
func NewProcessor(harness *backtest.Harness, store *backtest.Store, metrics *telemetry.Metrics, timeout time.Duration, log zerolog.Logger) *Processor {
	return &Processor{
		harness:  harness,
		store:    store,
		metrics:  metrics,
		timeout:  timeout,
		log:      log.With().Str("component", "work").Logger(),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		queue:    make([]*Job, 0),
		inFlight: make(map[string]bool),
	}
}

// Run starts the processor loop. This blocks until Stop() is called.
func (p *Processor) Run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.processOne()
		case <-p.done:
			p.processOne()
		}
	}
}

// Stop stops the processor. Queued jobs stay in the results store as
// running; an in-flight job finishes on its own goroutine.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.stopped
}

// Trigger wakes up the processor to check for work.
// This is non-blocking and can be called from any goroutine.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// Trigger already pending
	}
}

// SubmitRun queues a single backtest and returns its run id.
func (p *Processor) SubmitRun(ctx context.Context, spec backtest.RunSpec) (string, error) {
	if spec.RunID == "" {
		spec.RunID = uuid.NewString()
	}
	job := &Job{ID: spec.RunID, Kind: JobRun, Run: &spec, SubmittedAt: time.Now().UTC()}
	return job.ID, p.submit(ctx, job, spec.Seed, spec.Model, string(spec.Variant))
}

// SubmitWalkForward queues a walk-forward run and returns its run id.
// The model column stays empty: each fold selects its own.
func (p *Processor) SubmitWalkForward(ctx context.Context, spec backtest.WalkForwardSpec) (string, error) {
	if spec.RunID == "" {
		spec.RunID = uuid.NewString()
	}
	job := &Job{ID: spec.RunID, Kind: JobWalkForward, WalkForward: &spec, SubmittedAt: time.Now().UTC()}
	return job.ID, p.submit(ctx, job, spec.Seed, "", string(spec.Variant))
}

// SubmitCompare queues a paired comparison and returns its run id.
func (p *Processor) SubmitCompare(ctx context.Context, spec backtest.CompareSpec) (string, error) {
	if spec.RunID == "" {
		spec.RunID = uuid.NewString()
	}
	job := &Job{ID: spec.RunID, Kind: JobCompare, Compare: &spec, SubmittedAt: time.Now().UTC()}
	return job.ID, p.submit(ctx, job, spec.Seed, spec.Model, "")
}

func (p *Processor) submit(ctx context.Context, job *Job, seed int64, model, variant string) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := p.store.Create(ctx, job.ID, job.storeKind(), seed, model, variant); err != nil {
		return err
	}

	p.mu.Lock()
	p.queue = append(p.queue, job)
	depth := len(p.queue)
	p.mu.Unlock()
	p.observeQueueDepth(depth)

	p.log.Info().
		Str("run_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("queue_depth", depth).
		Msg("Job submitted")

	p.Trigger()
	return nil
}

// QueueDepth reports the number of queued, not-yet-started jobs.
func (p *Processor) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// InFlight reports the ids of currently executing jobs.
func (p *Processor) InFlight() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.inFlight))
	for id := range p.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// processOne pops and executes the next queued job, unless a job is
// already executing.
func (p *Processor) processOne() {
	p.mu.Lock()
	if len(p.inFlight) > 0 || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	depth := len(p.queue)
	p.inFlight[job.ID] = true
	p.mu.Unlock()
	p.observeQueueDepth(depth)

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, job.ID)
			p.mu.Unlock()

			// Signal done to pick up the next job
			select {
			case p.done <- struct{}{}:
			default:
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		if err := p.execute(ctx, job); err != nil {
			reason := err.Error()
			if ctx.Err() == context.DeadlineExceeded {
				reason = fmt.Sprintf("timed out after %s", p.timeout)
			}
			p.log.Error().Err(err).Str("run_id", job.ID).Str("kind", string(job.Kind)).Msg("Job failed")
			if serr := p.store.Fail(context.Background(), job.ID, reason); serr != nil {
				p.log.Error().Err(serr).Str("run_id", job.ID).Msg("Failed to record job failure")
			}
		}
	}()
}

// execute dispatches one job and stores its result. The summary row
// for a comparison carries the hybrid leg's metrics; both legs are in
// the payload.
func (p *Processor) execute(ctx context.Context, job *Job) error {
	switch job.Kind {
	case JobRun:
		res, err := p.harness.Run(ctx, *job.Run)
		if err != nil {
			return err
		}
		return p.store.Complete(context.Background(), job.ID, res.Metrics, res)
	case JobWalkForward:
		res, err := p.harness.WalkForward(ctx, *job.WalkForward)
		if err != nil {
			return err
		}
		return p.store.Complete(context.Background(), job.ID, res.Aggregate, res)
	case JobCompare:
		res, err := p.harness.Compare(ctx, *job.Compare)
		if err != nil {
			return err
		}
		return p.store.Complete(context.Background(), job.ID, res.Hybrid.Metrics, res)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (p *Processor) observeQueueDepth(depth int) {
	if p.metrics != nil {
		p.metrics.JobQueueDepth.Set(float64(depth))
	}
}
