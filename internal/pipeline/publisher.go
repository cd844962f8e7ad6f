package pipeline

import (
	"context"
	"errors"
	"fmt"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
)

// ProgressSink receives progress for the broker-side work item.
type ProgressSink interface {
	Progress(ctx context.Context, itemID string, progress int, logLine string) error
}

// Ref identifies the record and work item a run reports against.
type Ref struct {
	JobID  string
	ItemID string
	// Attempt tags log lines of retries so a repeated stage line is kept.
	Attempt int
}

func (r Ref) line(logLine string) string {
	if logLine == "" || r.Attempt <= 1 {
		return logLine
	}
	return fmt.Sprintf("attempt %d: %s", r.Attempt, logLine)
}

// Publisher writes absolute progress and log state to both the work item
// and the job record. Writes are idempotent so a redelivered item can
// publish the same values again.
type Publisher struct {
	sink   ProgressSink
	jobs   domain.JobStore
	logger infra.Logger
}

func NewPublisher(sink ProgressSink, jobs domain.JobStore, logger infra.Logger) *Publisher {
	return &Publisher{sink: sink, jobs: jobs, logger: infra.Component(logger, "publisher")}
}

// Publish records progress on both sides. Failures are logged and returned
// joined; callers treat them as best-effort.
func (p *Publisher) Publish(ctx context.Context, ref Ref, progress int, logLine string) error {
	progress = domain.ClampProgress(progress)
	logLine = ref.line(logLine)
	var errs []error
	if p.sink != nil && ref.ItemID != "" {
		if err := p.sink.Progress(ctx, ref.ItemID, progress, logLine); err != nil {
			p.logger.Warn().Err(err).Str("job_id", ref.JobID).Str("item_id", ref.ItemID).Msg("publish progress to queue failed")
			errs = append(errs, err)
		}
	}
	if err := p.jobs.UpdateProgress(ctx, ref.JobID, progress, logLine); err != nil {
		p.logger.Warn().Err(err).Str("job_id", ref.JobID).Int("progress", progress).Msg("publish progress to store failed")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
