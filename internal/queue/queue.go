// Package queue implements the durable work-item broker the worker pool
// consumes from. Items are delivered at least once to one consumer at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoItem       = errors.New("queue: no item available")
	ErrItemNotFound = errors.New("queue: item not found")
	ErrLeaseLost    = errors.New("queue: lease lost")
	// ErrItemConflict reports an item id already bound to another job.
	ErrItemConflict = errors.New("queue: item id belongs to another job")
)

// State is the broker-side lifecycle of an item.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Finished reports whether the item left the broker's working set.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

// Item is one unit of work for a job record.
type Item struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	JobID        string          `json:"job_id"`
	OwnerID      string          `json:"owner_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        State           `json:"state"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      time.Duration   `json:"backoff"`
	Progress     int             `json:"progress"`
	Logs         []string        `json:"logs,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	LeaseToken   string          `json:"lease_token,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAt    time.Time       `json:"visible_at"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}

// FinalAttempt reports whether a failure now would be terminal.
func (i Item) FinalAttempt() bool {
	return i.Attempts >= i.MaxAttempts
}

// Lease grants exclusive processing rights on a claimed item until it expires.
type Lease struct {
	Item  Item
	Token string
}

// AddOptions controls retry behaviour for a new item.
type AddOptions struct {
	ID       string
	Attempts int
	Backoff  time.Duration
}

// Broker is the contract shared by intake, the worker pool, the status
// gateway and the reconciler.
type Broker interface {
	// Add enqueues an item. Re-adding an existing id for the same job is a
	// no-op that returns the id; for a different job it fails with ErrItemConflict.
	Add(ctx context.Context, kind, jobID, ownerID string, payload json.RawMessage, opts AddOptions) (string, error)
	// Claim leases the next visible item of kind or returns ErrNoItem.
	Claim(ctx context.Context, kind string, lease time.Duration) (*Lease, error)
	Extend(ctx context.Context, lease *Lease, d time.Duration) error
	// Progress records absolute progress and an optional log line on an active item.
	Progress(ctx context.Context, itemID string, progress int, logLine string) error
	Complete(ctx context.Context, lease *Lease, returnValue json.RawMessage) error
	// Fail records a failed attempt. It reports whether the item will be retried.
	Fail(ctx context.Context, lease *Lease, reason string) (bool, error)
	Get(ctx context.Context, itemID string) (*Item, error)
	// Remove deletes an item that has not been dispatched yet.
	Remove(ctx context.Context, itemID string) (bool, error)
	// Prune keeps at most keep finished items of kind and returns how many were dropped.
	Prune(ctx context.Context, kind string, keep int) (int, error)
	Counts(ctx context.Context, kind string) (map[State]int, error)
}

// ItemID derives the deterministic item id for a submission. The job id
// suffix keeps two records created in the same millisecond apart.
func ItemID(kind, ownerID, jobID string, submittedAt time.Time) string {
	suffix := strings.ReplaceAll(jobID, "-", "")
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return fmt.Sprintf("%s-%s-%d-%s", kind, ownerID, submittedAt.UnixMilli(), suffix)
}

// BackoffDelay returns the exponential delay before retry number attempt (1-based).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > time.Hour {
			return time.Hour
		}
	}
	return delay
}
