package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/sqlinline"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type call struct {
	query string
	args  []any
}

type stubSQL struct {
	calls   []call
	row     func(query string, args []any) pgx.Row
	execTag pgconn.CommandTag
	execErr error
}

func (s *stubSQL) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.calls = append(s.calls, call{query: query, args: args})
	return s.execTag, s.execErr
}

func (s *stubSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	s.calls = append(s.calls, call{query: query, args: args})
	if s.row == nil {
		return stubRow{}
	}
	return s.row(query, args)
}

func (s *stubSQL) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	s.calls = append(s.calls, call{query: query, args: args})
	return nil, errors.New("not implemented")
}

func TestJobCreateMapsUniqueViolationToConflict(t *testing.T) {
	sql := &stubSQL{row: func(string, []any) pgx.Row {
		return stubRow{scan: func(...any) error { return &pgconn.PgError{Code: "23505"} }}
	}}
	repo := NewJobRepository(sql)
	job := &domain.Job{ID: "8d1d5f0c-6a55-4b7e-9d3c-51e1f9b0a111", OwnerID: "owner", Kind: domain.JobKindIdeation, SingleFlight: true}

	err := repo.Create(context.Background(), job)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Create error = %v, want ErrConflict", err)
	}
	if sql.calls[0].query != sqlinline.QInsertJob {
		t.Fatalf("unexpected query used")
	}
	if got := sql.calls[0].args[3]; got != true {
		t.Fatalf("single_flight arg = %#v, want true", got)
	}
}

func TestJobCreateSetsTimestamps(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sql := &stubSQL{row: func(string, []any) pgx.Row {
		return stubRow{scan: func(dest ...any) error {
			*dest[0].(*time.Time) = now
			*dest[1].(*time.Time) = now
			return nil
		}}
	}}
	repo := NewJobRepository(sql)
	job := &domain.Job{ID: "id", OwnerID: "owner", Kind: domain.JobKindScripting}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if job.Status != domain.JobStatusPending || !job.CreatedAt.Equal(now) {
		t.Fatalf("job after create = %+v", job)
	}
	if b, _ := sql.calls[0].args[4].([]byte); b != nil {
		t.Fatalf("empty input should be passed as nil, got %#v", sql.calls[0].args[4])
	}
}

func TestJobCreateMintsMissingID(t *testing.T) {
	sql := &stubSQL{row: func(string, []any) pgx.Row {
		return stubRow{scan: func(...any) error { return nil }}
	}}
	repo := NewJobRepository(sql)
	job := &domain.Job{OwnerID: "owner", Kind: domain.JobKindIdeation}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	bound, _ := sql.calls[0].args[0].(string)
	if _, err := uuid.Parse(bound); err != nil {
		t.Fatalf("id arg = %q, want a uuid: %v", bound, err)
	}
	if job.ID != bound {
		t.Fatalf("job.ID = %q, bound %q", job.ID, bound)
	}
}

func TestJobGetNotFound(t *testing.T) {
	repo := NewJobRepository(&stubSQL{})
	if _, err := repo.Get(context.Background(), "owner", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestJobTransitionsReportNoOp(t *testing.T) {
	repo := NewJobRepository(&stubSQL{})
	moved, err := repo.MarkCompleted(context.Background(), "job", []byte(`{"ok":true}`), 3)
	if err != nil {
		t.Fatalf("MarkCompleted error: %v", err)
	}
	if moved {
		t.Fatalf("MarkCompleted on a non-processing job must report false")
	}
}

func TestJobMarkFailedTruncatesMessage(t *testing.T) {
	sql := &stubSQL{row: func(string, []any) pgx.Row {
		return stubRow{scan: func(dest ...any) error {
			*dest[0].(*string) = "job"
			return nil
		}}
	}}
	repo := NewJobRepository(sql)
	long := make([]byte, domain.MaxErrorMessageLength+100)
	for i := range long {
		long[i] = 'x'
	}
	moved, err := repo.MarkFailed(context.Background(), "job", string(long))
	if err != nil || !moved {
		t.Fatalf("MarkFailed = %t, %v", moved, err)
	}
	msg := sql.calls[0].args[1].(string)
	if len(msg) != domain.MaxErrorMessageLength {
		t.Fatalf("persisted message length = %d", len(msg))
	}
}

func TestJobUpdateProgressClamps(t *testing.T) {
	sql := &stubSQL{}
	repo := NewJobRepository(sql)
	if err := repo.UpdateProgress(context.Background(), "job", 140, "done"); err != nil {
		t.Fatalf("UpdateProgress error: %v", err)
	}
	if got := sql.calls[0].args[1]; got != 100 {
		t.Fatalf("progress arg = %#v, want 100", got)
	}
}

func TestLedgerAdjustPassesNullJob(t *testing.T) {
	sql := &stubSQL{row: func(query string, args []any) pgx.Row {
		return stubRow{scan: func(dest ...any) error {
			*dest[0].(*int) = 7
			*dest[1].(*bool) = true
			return nil
		}}
	}}
	ledger := NewCreditLedger(sql)
	res, err := ledger.Adjust(context.Background(), "owner", 5, "", domain.LedgerReasonGrant)
	if err != nil {
		t.Fatalf("Adjust error: %v", err)
	}
	if res.Balance != 7 || !res.Applied {
		t.Fatalf("result = %+v", res)
	}
	if sql.calls[0].args[2] != nil {
		t.Fatalf("job arg = %#v, want nil", sql.calls[0].args[2])
	}
}

func TestLedgerAdjustRequiresReason(t *testing.T) {
	ledger := NewCreditLedger(&stubSQL{})
	if _, err := ledger.Adjust(context.Background(), "owner", -2, "job", " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Adjust error = %v, want validation error", err)
	}
}

func TestAccountSetTrainedNotFound(t *testing.T) {
	repo := NewAccountRepository(&stubSQL{execTag: pgconn.NewCommandTag("UPDATE 0")})
	if err := repo.SetTrained(context.Background(), "owner", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("SetTrained error = %v, want ErrNotFound", err)
	}
}
