package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// JobKind enumerates supported generation job categories.
type JobKind string

const (
	JobKindTraining      JobKind = "training"
	JobKindScripting     JobKind = "scripting"
	JobKindIdeation      JobKind = "ideation"
	JobKindThumbnailing  JobKind = "thumbnailing"
	JobKindStoryBuilding JobKind = "story_building"
)

// AllJobKinds lists every kind in registration order.
func AllJobKinds() []JobKind {
	return []JobKind{
		JobKindTraining,
		JobKindScripting,
		JobKindIdeation,
		JobKindThumbnailing,
		JobKindStoryBuilding,
	}
}

// ParseJobKind resolves path and payload spellings such as "story-building".
func ParseJobKind(raw string) (JobKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for _, kind := range AllJobKinds() {
		if string(kind) == normalized {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, raw)
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether the lifecycle permits moving from s to next.
// processing -> processing is allowed so that a redelivered item can resume.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusProcessing || next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// MaxErrorMessageLength bounds the persisted error text.
const MaxErrorMessageLength = 5000

// TruncateError trims msg to MaxErrorMessageLength characters without splitting runes.
func TruncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if utf8.RuneCountInString(msg) <= MaxErrorMessageLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorMessageLength])
}

// Job is the durable record of one generation request.
type Job struct {
	ID              string
	OwnerID         string
	Kind            JobKind
	Status          JobStatus
	SingleFlight    bool
	Input           json.RawMessage
	Result          json.RawMessage
	Progress        int
	Logs            []string
	ErrorMessage    string
	CreditsConsumed int
	QueueRef        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ClampProgress bounds a progress value to 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// JobFilter narrows owner-scoped listings.
type JobFilter struct {
	Kind   JobKind
	Status JobStatus
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize applies paging defaults and bounds.
func (f JobFilter) Normalize() JobFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// JobPage is one page of an owner's jobs.
type JobPage struct {
	Items  []Job
	Total  int
	Limit  int
	Offset int
}
