package domain

import (
	"context"
	"time"
)

// JobStore persists job records. Every transition is conditional on the
// current status so a stale worker can never overwrite a terminal record.
type JobStore interface {
	// Create inserts a pending record. ErrConflict when a single-flight record is already active.
	Create(ctx context.Context, job *Job) error
	SetQueueRef(ctx context.Context, jobID, queueRef string) error
	Get(ctx context.Context, ownerID, jobID string) (*Job, error)
	GetByID(ctx context.Context, jobID string) (*Job, error)
	List(ctx context.Context, ownerID string, filter JobFilter) (*JobPage, error)
	// Delete removes an owned record of any status and returns what was removed.
	Delete(ctx context.Context, ownerID, jobID string) (*Job, error)
	FindActive(ctx context.Context, ownerID string, kind JobKind) (*Job, error)
	MarkProcessing(ctx context.Context, jobID string) (bool, error)
	// UpdateProgress sets absolute progress (never lowering it) and appends a log line.
	UpdateProgress(ctx context.Context, jobID string, progress int, logLine string) error
	MarkCompleted(ctx context.Context, jobID string, result []byte, credits int) (bool, error)
	MarkFailed(ctx context.Context, jobID, message string) (bool, error)
	ListStale(ctx context.Context, status JobStatus, updatedBefore time.Time, limit int) ([]Job, error)
}

// AccountRepository exposes the owner attributes intake checks against.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	SetTrained(ctx context.Context, id string, trained bool) error
}

// CreditLedger mutates balances through a single atomic server-side operation.
type CreditLedger interface {
	Balance(ctx context.Context, ownerID string) (int, error)
	// Adjust applies delta and records an entry. A repeated (jobID, reason) pair is a no-op.
	Adjust(ctx context.Context, ownerID string, delta int, jobID, reason string) (LedgerResult, error)
}
