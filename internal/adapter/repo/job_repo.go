package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobStore.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a job store backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a pending record. The partial unique index on active
// single-flight jobs surfaces as domain.ErrConflict.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob,
		job.ID,
		job.OwnerID,
		string(job.Kind),
		job.SingleFlight,
		nullableJSON(job.Input),
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		if infra.IsUniqueViolation(err) {
			return fmt.Errorf("%w: an active %s job already exists", domain.ErrConflict, job.Kind)
		}
		return fmt.Errorf("%w: insert job: %v", domain.ErrPersistence, err)
	}
	job.Status = domain.JobStatusPending
	job.Progress = 0
	return nil
}

func (r *JobRepositoryPG) SetQueueRef(ctx context.Context, jobID, queueRef string) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QSetJobQueueRef, jobID, queueRef)
	if err != nil {
		return fmt.Errorf("%w: set queue ref: %v", domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *JobRepositoryPG) Get(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJobForOwner, jobID, ownerID))
}

func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJobByID, jobID))
}

func (r *JobRepositoryPG) List(ctx context.Context, ownerID string, filter domain.JobFilter) (*domain.JobPage, error) {
	filter = filter.Normalize()
	page := &domain.JobPage{Limit: filter.Limit, Offset: filter.Offset}
	if err := r.sql.QueryRow(ctx, sqlinline.QCountJobsForOwner, ownerID, string(filter.Kind), string(filter.Status)).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("%w: count jobs: %v", domain.ErrPersistence, err)
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListJobsForOwner, ownerID, string(filter.Kind), string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", domain.ErrPersistence, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	page.Items = jobs
	return page, nil
}

func (r *JobRepositoryPG) Delete(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QDeleteJobForOwner, jobID, ownerID))
}

func (r *JobRepositoryPG) FindActive(ctx context.Context, ownerID string, kind domain.JobKind) (*domain.Job, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectActiveJob, ownerID, string(kind)))
}

func (r *JobRepositoryPG) MarkProcessing(ctx context.Context, jobID string) (bool, error) {
	return r.transition(ctx, sqlinline.QMarkJobProcessing, jobID)
}

func (r *JobRepositoryPG) UpdateProgress(ctx context.Context, jobID string, progress int, logLine string) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QUpdateJobProgress, jobID, domain.ClampProgress(progress), logLine); err != nil {
		return fmt.Errorf("%w: update progress: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (r *JobRepositoryPG) MarkCompleted(ctx context.Context, jobID string, result []byte, credits int) (bool, error) {
	return r.transition(ctx, sqlinline.QMarkJobCompleted, jobID, nullableJSON(result), credits)
}

func (r *JobRepositoryPG) MarkFailed(ctx context.Context, jobID, message string) (bool, error) {
	return r.transition(ctx, sqlinline.QMarkJobFailed, jobID, domain.TruncateError(message))
}

func (r *JobRepositoryPG) ListStale(ctx context.Context, status domain.JobStatus, updatedBefore time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListStaleJobs, string(status), updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list stale jobs: %v", domain.ErrPersistence, err)
	}
	return collectJobs(rows)
}

// transition runs a conditional update and reports whether a row moved.
func (r *JobRepositoryPG) transition(ctx context.Context, query string, args ...any) (bool, error) {
	var id string
	if err := r.sql.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		if infra.IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: job transition: %v", domain.ErrPersistence, err)
	}
	return true, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	job, err := scanJobFields(row)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan job: %v", domain.ErrPersistence, err)
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJobFields(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", domain.ErrPersistence, err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate jobs: %v", domain.ErrPersistence, err)
	}
	return jobs, nil
}

func scanJobFields(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		kind   string
		status string
		input  []byte
		result []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&kind,
		&status,
		&job.SingleFlight,
		&input,
		&result,
		&job.Progress,
		&job.Logs,
		&job.ErrorMessage,
		&job.CreditsConsumed,
		&job.QueueRef,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	if len(input) > 0 {
		job.Input = json.RawMessage(append([]byte(nil), input...))
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(append([]byte(nil), result...))
	}
	return &job, nil
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobStore = (*JobRepositoryPG)(nil)
