// Package memory holds in-process implementations of the domain
// repositories. They follow the same conditional-transition rules as the
// Postgres adapters and back the development store and package tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"creatorstudio/internal/domain"
)

type ledgerKey struct {
	jobID  string
	reason string
}

// Store implements domain.JobStore and domain.CreditLedger over shared maps.
// Accounts returns the matching domain.AccountRepository.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	jobs     map[string]*domain.Job
	accounts map[string]*domain.Account
	ledger   map[ledgerKey]int
	entries  int
}

func NewStore() *Store {
	return &Store{
		now:      time.Now,
		jobs:     map[string]*domain.Job{},
		accounts: map[string]*domain.Account{},
		ledger:   map[ledgerKey]int{},
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// PutAccount inserts or replaces an account.
func (s *Store) PutAccount(acc domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.now()
	}
	acc.UpdatedAt = s.now()
	s.accounts[acc.ID] = &acc
}

// LedgerEntries reports how many balance changes were recorded.
func (s *Store) LedgerEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}

// --- jobs

func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return domain.ErrConflict
	}
	if job.SingleFlight {
		for _, j := range s.jobs {
			if j.SingleFlight && j.OwnerID == job.OwnerID && j.Kind == job.Kind && !j.Status.Terminal() {
				return domain.ErrConflict
			}
		}
	}
	now := s.now()
	job.Status = domain.JobStatusPending
	job.Progress = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *Store) SetQueueRef(ctx context.Context, jobID, queueRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.QueueRef = queueRef
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) Get(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) List(ctx context.Context, ownerID string, filter domain.JobFilter) (*domain.JobPage, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []domain.Job
	for _, j := range s.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, *clone(j))
	}
	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID > matched[b].ID
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})
	page := &domain.JobPage{Total: len(matched), Limit: filter.Limit, Offset: filter.Offset}
	if filter.Offset < len(matched) {
		end := min(len(matched), filter.Offset+filter.Limit)
		page.Items = matched[filter.Offset:end]
	}
	if page.Items == nil {
		page.Items = []domain.Job{}
	}
	return page, nil
}

func (s *Store) Delete(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	delete(s.jobs, jobID)
	return clone(j), nil
}

func (s *Store) FindActive(ctx context.Context, ownerID string, kind domain.JobKind) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.Job
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && j.Kind == kind && !j.Status.Terminal() {
			if found == nil || j.CreatedAt.After(found.CreatedAt) {
				found = j
			}
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return clone(found), nil
}

func (s *Store) MarkProcessing(ctx context.Context, jobID string) (bool, error) {
	return s.transition(jobID, func(j *domain.Job) bool {
		if !j.Status.CanTransition(domain.JobStatusProcessing) {
			return false
		}
		j.Status = domain.JobStatusProcessing
		return true
	}), nil
}

func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int, logLine string) error {
	s.transition(jobID, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusProcessing {
			return false
		}
		if p := domain.ClampProgress(progress); p > j.Progress {
			j.Progress = p
		}
		if logLine != "" && !contains(j.Logs, logLine) {
			j.Logs = append(j.Logs, logLine)
		}
		return true
	})
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, jobID string, result []byte, credits int) (bool, error) {
	return s.transition(jobID, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusProcessing {
			return false
		}
		j.Status = domain.JobStatusCompleted
		j.Result = append([]byte(nil), result...)
		j.CreditsConsumed = credits
		j.Progress = 100
		return true
	}), nil
}

func (s *Store) MarkFailed(ctx context.Context, jobID, message string) (bool, error) {
	return s.transition(jobID, func(j *domain.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = domain.JobStatusFailed
		j.ErrorMessage = domain.TruncateError(message)
		return true
	}), nil
}

func (s *Store) ListStale(ctx context.Context, status domain.JobStatus, updatedBefore time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == status && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, *clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) transition(jobID string, apply func(j *domain.Job) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	if !apply(j) {
		return false
	}
	j.UpdatedAt = s.now()
	return true
}

// --- accounts

// Accounts exposes the account side of the store. GetByID on Store itself
// belongs to the job store.
func (s *Store) Accounts() domain.AccountRepository {
	return accountView{s}
}

type accountView struct{ s *Store }

func (v accountView) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	a, ok := v.s.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (v accountView) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, a := range v.s.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (v accountView) SetTrained(ctx context.Context, id string, trained bool) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	a, ok := v.s.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Trained = trained
	a.UpdatedAt = v.s.now()
	return nil
}

// --- ledger

func (s *Store) Balance(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[ownerID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return a.Credits, nil
}

func (s *Store) Adjust(ctx context.Context, ownerID string, delta int, jobID, reason string) (domain.LedgerResult, error) {
	if reason == "" {
		return domain.LedgerResult{}, domain.NewValidationError("reason", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[ownerID]
	if !ok {
		return domain.LedgerResult{}, domain.ErrNotFound
	}
	if jobID != "" {
		key := ledgerKey{jobID: jobID, reason: reason}
		if _, seen := s.ledger[key]; seen {
			return domain.LedgerResult{Balance: a.Credits, Applied: false}, nil
		}
		s.ledger[key] = delta
	}
	a.Credits += delta
	a.UpdatedAt = s.now()
	s.entries++
	return domain.LedgerResult{Balance: a.Credits, Applied: true}, nil
}

func clone(j *domain.Job) *domain.Job {
	cp := *j
	cp.Input = append([]byte(nil), j.Input...)
	if j.Result != nil {
		cp.Result = append([]byte(nil), j.Result...)
	}
	cp.Logs = append([]string(nil), j.Logs...)
	return &cp
}

func contains(lines []string, line string) bool {
	for _, l := range lines {
		if l == line {
			return true
		}
	}
	return false
}

var (
	_ domain.JobStore          = (*Store)(nil)
	_ domain.CreditLedger      = (*Store)(nil)
	_ domain.AccountRepository = accountView{}
)
