// Package reconcile periodically repairs drift between job records and the
// broker: pending records whose work item never landed, processing records
// whose item is gone, and finished items beyond the retention count.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/queue"
)

const (
	defaultSchedule  = "@every 1m"
	defaultBatchSize = 200
	sweepTimeout     = 5 * time.Minute
)

type Config struct {
	Registry *pipeline.Registry
	Jobs     domain.JobStore
	Broker   queue.Broker
	Schedule string
	// OrphanGrace is how long a record may sit untouched before it is examined.
	OrphanGrace time.Duration
	// OrphanFailAfter bounds how long a pending record may stay without a work item.
	OrphanFailAfter time.Duration
	Retention       int
	BatchSize       int
	Logger          infra.Logger
	Now             func() time.Time
}

// Report summarises one sweep.
type Report struct {
	Requeued int
	Failed   int
	Pruned   int
}

type Reconciler struct {
	registry  *pipeline.Registry
	jobs      domain.JobStore
	broker    queue.Broker
	schedule  string
	grace     time.Duration
	failAfter time.Duration
	retention int
	batch     int
	logger    infra.Logger
	now       func() time.Time
	cron      *cron.Cron
	done      chan struct{}
}

func New(cfg Config) (*Reconciler, error) {
	r := &Reconciler{
		registry:  cfg.Registry,
		jobs:      cfg.Jobs,
		broker:    cfg.Broker,
		schedule:  cfg.Schedule,
		grace:     cfg.OrphanGrace,
		failAfter: cfg.OrphanFailAfter,
		retention: cfg.Retention,
		batch:     cfg.BatchSize,
		logger:    infra.Component(cfg.Logger, "reconcile"),
		now:       cfg.Now,
		done:      make(chan struct{}),
	}
	if r.schedule == "" {
		r.schedule = defaultSchedule
	}
	if r.batch <= 0 {
		r.batch = defaultBatchSize
	}
	if r.grace <= 0 {
		r.grace = time.Minute
	}
	if r.failAfter < r.grace {
		r.failAfter = r.grace
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return nil, fmt.Errorf("reconcile: schedule %q: %w", r.schedule, err)
	}
	return r, nil
}

// Start runs sweeps on the schedule until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		if _, err := r.Sweep(sweepCtx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("reconcile: schedule sweep: %w", err)
	}
	r.cron.Start()
	r.logger.Info().Str("schedule", r.schedule).Msg("reconciler started")
	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
		r.logger.Info().Msg("reconciler stopped")
		close(r.done)
	}()
	return nil
}

// Done is closed once the scheduler has stopped and any running sweep returned.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

// Sweep runs one reconciliation pass. Errors on individual records are
// logged; the returned error joins store and broker failures.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	if err := r.sweepPending(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := r.sweepProcessing(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := r.prune(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	if rep != (Report{}) {
		r.logger.Info().Int("requeued", rep.Requeued).Int("failed", rep.Failed).Int("pruned", rep.Pruned).Msg("sweep repaired drift")
	}
	return rep, errors.Join(errs...)
}

const foreignItem = "work item belongs to another job"

func (r *Reconciler) sweepPending(ctx context.Context, rep *Report) error {
	now := r.now()
	stale, err := r.jobs.ListStale(ctx, domain.JobStatusPending, now.Add(-r.grace), r.batch)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for i := range stale {
		job := &stale[i]
		log := r.logger.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Str("owner_id", job.OwnerID).Logger()
		ref := job.QueueRef
		if ref == "" {
			ref = queue.ItemID(string(job.Kind), job.OwnerID, job.ID, job.CreatedAt)
		}
		item, err := r.broker.Get(ctx, ref)
		switch {
		case err == nil && item.JobID != job.ID:
			r.fail(ctx, log, job.ID, foreignItem, rep)
			continue
		case err == nil && !item.State.Finished():
			if job.QueueRef == "" {
				if err := r.jobs.SetQueueRef(ctx, job.ID, ref); err != nil {
					log.Warn().Err(err).Msg("store recovered queue reference failed")
				}
			}
			continue
		case err == nil:
			r.fail(ctx, log, job.ID, fmt.Sprintf("work item %s finished without dispatching the job", item.State), rep)
			continue
		case !errors.Is(err, queue.ErrItemNotFound):
			log.Warn().Err(err).Str("queue_ref", ref).Msg("read work item failed")
			continue
		}

		if now.Sub(job.CreatedAt) >= r.failAfter {
			r.fail(ctx, log, job.ID, "work item was never enqueued", rep)
			continue
		}
		def, err := r.registry.Lookup(job.Kind)
		if err != nil {
			r.fail(ctx, log, job.ID, err.Error(), rep)
			continue
		}
		added, err := r.broker.Add(ctx, string(job.Kind), job.ID, job.OwnerID, job.Input, queue.AddOptions{
			ID:       ref,
			Attempts: def.Policy.Attempts,
			Backoff:  def.Policy.Backoff,
		})
		if err != nil {
			log.Error().Err(err).Msg("re-enqueue orphan failed")
			continue
		}
		if err := r.jobs.SetQueueRef(ctx, job.ID, added); err != nil {
			log.Warn().Err(err).Msg("store queue reference failed")
		}
		rep.Requeued++
		log.Info().Str("queue_ref", added).Msg("orphaned job re-enqueued")
	}
	return nil
}

func (r *Reconciler) sweepProcessing(ctx context.Context, rep *Report) error {
	stale, err := r.jobs.ListStale(ctx, domain.JobStatusProcessing, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return fmt.Errorf("list processing: %w", err)
	}
	for i := range stale {
		job := &stale[i]
		log := r.logger.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Str("owner_id", job.OwnerID).Logger()
		if job.QueueRef == "" {
			r.fail(ctx, log, job.ID, "work item no longer exists", rep)
			continue
		}
		item, err := r.broker.Get(ctx, job.QueueRef)
		switch {
		case errors.Is(err, queue.ErrItemNotFound):
			r.fail(ctx, log, job.ID, "work item no longer exists", rep)
		case err != nil:
			log.Warn().Err(err).Str("queue_ref", job.QueueRef).Msg("read work item failed")
		case item.JobID != job.ID:
			r.fail(ctx, log, job.ID, foreignItem, rep)
		case item.State == queue.StateFailed:
			reason := item.FailedReason
			if reason == "" {
				reason = "work item failed"
			}
			r.fail(ctx, log, job.ID, reason, rep)
		case item.State == queue.StateCompleted:
			r.fail(ctx, log, job.ID, "work item completed without a stored result", rep)
		}
	}
	return nil
}

func (r *Reconciler) fail(ctx context.Context, log infra.Logger, jobID, reason string, rep *Report) {
	ok, err := r.jobs.MarkFailed(ctx, jobID, domain.TruncateError(reason))
	if err != nil {
		log.Error().Err(err).Msg("mark orphan failed")
		return
	}
	if ok {
		rep.Failed++
		log.Warn().Str("reason", reason).Msg("orphaned job failed")
	}
}

func (r *Reconciler) prune(ctx context.Context, rep *Report) error {
	if r.retention <= 0 {
		return nil
	}
	var errs []error
	for _, kind := range r.registry.Kinds() {
		n, err := r.broker.Prune(ctx, string(kind), r.retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", kind, err))
			continue
		}
		rep.Pruned += n
	}
	return errors.Join(errs...)
}
