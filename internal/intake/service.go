// Package intake accepts generation requests: it validates input and
// preconditions, creates the pending record and enqueues its work item.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/queue"
	"creatorstudio/pkg/zip"
)

// ArtifactStore reads and releases the artifacts stored for a job.
type ArtifactStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

type Config struct {
	Registry *pipeline.Registry
	Jobs     domain.JobStore
	Accounts domain.AccountRepository
	Ledger   domain.CreditLedger
	Broker   queue.Broker
	Blobs    ArtifactStore
	Logger   infra.Logger
	Now      func() time.Time
}

type Service struct {
	registry *pipeline.Registry
	jobs     domain.JobStore
	accounts domain.AccountRepository
	ledger   domain.CreditLedger
	broker   queue.Broker
	blobs    ArtifactStore
	logger   infra.Logger
	now      func() time.Time
}

func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		registry: cfg.Registry,
		jobs:     cfg.Jobs,
		accounts: cfg.Accounts,
		ledger:   cfg.Ledger,
		broker:   cfg.Broker,
		blobs:    cfg.Blobs,
		logger:   infra.Component(cfg.Logger, "intake"),
		now:      now,
	}
}

// Submission is one request to run a kind.
type Submission struct {
	OwnerID string
	Kind    string
	Input   json.RawMessage
	Locale  string
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	JobID    string           `json:"jobId"`
	QueueRef string           `json:"queueRef"`
	Status   domain.JobStatus `json:"status"`
	Message  string           `json:"message"`
}

// Submit validates the request and enqueues it. Nothing is persisted when a
// validation, precondition or conflict check fails.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	kind, err := domain.ParseJobKind(sub.Kind)
	if err != nil {
		return nil, err
	}
	def, err := s.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}
	if def.Prepare == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, kind)
	}
	prepared, err := def.Prepare(sub.Input, sub.Locale)
	if err != nil {
		return nil, err
	}
	if err := s.checkPreconditions(ctx, sub.OwnerID, def.Policy); err != nil {
		return nil, err
	}
	if prepared.SourceJobID != "" {
		if err := s.checkSource(ctx, sub.OwnerID, prepared.SourceJobID); err != nil {
			return nil, err
		}
	}
	if def.Policy.SingleFlight {
		active, err := s.jobs.FindActive(ctx, sub.OwnerID, kind)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: %s job %s is still %s", domain.ErrConflict, kind, active.ID, active.Status)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}

	job := &domain.Job{
		OwnerID:      sub.OwnerID,
		Kind:         kind,
		SingleFlight: def.Policy.SingleFlight,
		Input:        prepared.Input,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	log := s.logger.With().Str("job_id", job.ID).Str("kind", string(kind)).Str("owner_id", sub.OwnerID).Logger()

	itemID := queue.ItemID(string(kind), sub.OwnerID, job.ID, job.CreatedAt)
	ref, err := s.broker.Add(ctx, string(kind), job.ID, sub.OwnerID, prepared.Input, queue.AddOptions{
		ID:       itemID,
		Attempts: def.Policy.Attempts,
		Backoff:  def.Policy.Backoff,
	})
	if err != nil {
		log.Error().Err(err).Msg("enqueue failed")
		if _, ferr := s.jobs.MarkFailed(ctx, job.ID, domain.TruncateError("enqueue failed: "+err.Error())); ferr != nil {
			log.Error().Err(ferr).Msg("mark failed after enqueue error")
		}
		return nil, fmt.Errorf("%w: enqueue job: %v", domain.ErrPersistence, err)
	}
	if err := s.jobs.SetQueueRef(ctx, job.ID, ref); err != nil {
		// The reconciler recomputes the item id from the record.
		log.Warn().Err(err).Str("queue_ref", ref).Msg("store queue reference failed")
	}
	log.Info().Str("queue_ref", ref).Msg("job queued")

	return &Receipt{
		JobID:    job.ID,
		QueueRef: ref,
		Status:   domain.JobStatusPending,
		Message:  fmt.Sprintf("%s job queued", kind),
	}, nil
}

func (s *Service) checkPreconditions(ctx context.Context, ownerID string, policy pipeline.Policy) error {
	if policy.MinBalance > 0 {
		balance, err := s.ledger.Balance(ctx, ownerID)
		if errors.Is(err, domain.ErrNotFound) {
			balance = 0
		} else if err != nil {
			return err
		}
		if balance < policy.MinBalance {
			return fmt.Errorf("%w: balance %d is below the required %d", domain.ErrInsufficientCredits, balance, policy.MinBalance)
		}
	}
	if policy.RequiresTraining {
		acc, err := s.accounts.GetByID(ctx, ownerID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: completed training required", domain.ErrMissingCapability)
		}
		if err != nil {
			return err
		}
		if !acc.Trained {
			return fmt.Errorf("%w: completed training required", domain.ErrMissingCapability)
		}
	}
	return nil
}

func (s *Service) checkSource(ctx context.Context, ownerID, sourceID string) error {
	src, err := s.jobs.Get(ctx, ownerID, sourceID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: source job %s", domain.ErrNotFound, sourceID)
	}
	if err != nil {
		return err
	}
	if src.Status != domain.JobStatusCompleted {
		return fmt.Errorf("%w: source job %s is not completed", domain.ErrNotFound, sourceID)
	}
	return nil
}

// Get returns an owned record.
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	return s.jobs.Get(ctx, ownerID, jobID)
}

// List pages through the owner's records, newest first.
func (s *Service) List(ctx context.Context, ownerID string, filter domain.JobFilter) (*domain.JobPage, error) {
	return s.jobs.List(ctx, ownerID, filter.Normalize())
}

// Deletion reports what a delete released.
type Deletion struct {
	Job *domain.Job
	// Dequeued is set when the work item was removed before dispatch.
	Dequeued bool
}

// Delete removes an owned record of any status. A waiting work item is
// withdrawn; a running one finishes against a missing record and is not charged.
func (s *Service) Delete(ctx context.Context, ownerID, jobID string) (*Deletion, error) {
	job, err := s.jobs.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("job_id", job.ID).Str("owner_id", ownerID).Logger()

	out := &Deletion{}
	if job.QueueRef != "" && !job.Status.Terminal() {
		removed, err := s.broker.Remove(ctx, job.QueueRef)
		switch {
		case errors.Is(err, queue.ErrItemNotFound):
		case err != nil:
			log.Warn().Err(err).Str("queue_ref", job.QueueRef).Msg("withdraw work item failed")
		default:
			out.Dequeued = removed
		}
	}

	deleted, err := s.jobs.Delete(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	out.Job = deleted

	if s.blobs != nil {
		if err := s.blobs.DeletePrefix(ctx, ArtifactPrefix(jobID)); err != nil {
			log.Warn().Err(err).Msg("release artifacts failed")
		}
	}
	log.Info().Bool("dequeued", out.Dequeued).Str("status", string(deleted.Status)).Msg("job deleted")
	return out, nil
}

// ArtifactPrefix is the blob prefix every artifact of a job is stored under.
func ArtifactPrefix(jobID string) string {
	return "jobs/" + jobID + "/"
}

// Bundle is the archive of every artifact a completed job stored.
type Bundle struct {
	Job   *domain.Job
	Files []zip.File
}

// Artifacts collects the stored artifacts of a completed job. Only the
// files of the latest attempt are bundled; names are relative to that
// attempt's directory.
func (s *Service) Artifacts(ctx context.Context, ownerID, jobID string) (*Bundle, error) {
	job, err := s.jobs.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrPrecondition, job.Status)
	}
	if s.blobs == nil {
		return nil, domain.ErrNotFound
	}
	prefix := ArtifactPrefix(job.ID)
	keys, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list artifacts: %v", domain.ErrPersistence, err)
	}
	keys, prefix = latestAttempt(keys, prefix)
	if len(keys) == 0 {
		return nil, domain.ErrNotFound
	}
	out := &Bundle{Job: job, Files: make([]zip.File, 0, len(keys))}
	for _, key := range keys {
		data, err := s.blobs.Read(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: read artifact %s: %v", domain.ErrPersistence, key, err)
		}
		out.Files = append(out.Files, zip.File{
			Name:     strings.TrimPrefix(key, prefix),
			Data:     data,
			Modified: job.UpdatedAt,
		})
	}
	return out, nil
}

// latestAttempt narrows keys to the highest attempt-N/ directory under
// prefix. Keys outside any attempt directory are kept when none exists.
func latestAttempt(keys []string, prefix string) ([]string, string) {
	latest := 0
	for _, key := range keys {
		if n := attemptOf(strings.TrimPrefix(key, prefix)); n > latest {
			latest = n
		}
	}
	if latest == 0 {
		return keys, prefix
	}
	dir := fmt.Sprintf("%sattempt-%d/", prefix, latest)
	out := keys[:0:0]
	for _, key := range keys {
		if strings.HasPrefix(key, dir) {
			out = append(out, key)
		}
	}
	return out, dir
}

func attemptOf(rel string) int {
	dir, _, ok := strings.Cut(rel, "/")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(dir, "attempt-"))
	if err != nil || !strings.HasPrefix(dir, "attempt-") {
		return 0
	}
	return n
}

// Credits reports the owner's balance and capability.
type Credits struct {
	Balance int  `json:"balance"`
	Trained bool `json:"trained"`
}

func (s *Service) Credits(ctx context.Context, ownerID string) (*Credits, error) {
	balance, err := s.ledger.Balance(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	acc, err := s.accounts.GetByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &Credits{Balance: balance, Trained: acc.Trained}, nil
}

// Kinds lists the submittable kinds with their policy.
func (s *Service) Kinds() []KindInfo {
	out := []KindInfo{}
	for _, kind := range s.registry.Kinds() {
		def, err := s.registry.Lookup(kind)
		if err != nil {
			continue
		}
		out = append(out, KindInfo{
			Kind:             kind,
			MinBalance:       def.Policy.MinBalance,
			RequiresTraining: def.Policy.RequiresTraining,
			SingleFlight:     def.Policy.SingleFlight,
		})
	}
	return out
}

type KindInfo struct {
	Kind             domain.JobKind `json:"kind"`
	MinBalance       int            `json:"min_balance"`
	RequiresTraining bool           `json:"requires_training"`
	SingleFlight     bool           `json:"single_flight"`
}
