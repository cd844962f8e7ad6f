package memory

import (
	"context"
	"errors"
	"testing"

	"creatorstudio/internal/domain"
)

func TestSingleFlightConflictUntilTerminal(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	first := &domain.Job{OwnerID: "o", Kind: domain.JobKindIdeation, SingleFlight: true}
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	second := &domain.Job{OwnerID: "o", Kind: domain.JobKindIdeation, SingleFlight: true}
	if err := s.Create(ctx, second); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second Create error = %v, want ErrConflict", err)
	}
	other := &domain.Job{OwnerID: "someone-else", Kind: domain.JobKindIdeation, SingleFlight: true}
	if err := s.Create(ctx, other); err != nil {
		t.Fatalf("other owner Create: %v", err)
	}
	if ok, _ := s.MarkFailed(ctx, first.ID, "boom"); !ok {
		t.Fatalf("MarkFailed did not transition")
	}
	if err := s.Create(ctx, second); err != nil {
		t.Fatalf("Create after terminal: %v", err)
	}
}

func TestTransitionsAreConditional(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	job := &domain.Job{OwnerID: "o", Kind: domain.JobKindScripting}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ok, _ := s.MarkCompleted(ctx, job.ID, []byte(`{}`), 3); ok {
		t.Fatalf("pending job must not complete")
	}
	if ok, _ := s.MarkProcessing(ctx, job.ID); !ok {
		t.Fatalf("MarkProcessing failed")
	}
	_ = s.UpdateProgress(ctx, job.ID, 40, "a")
	_ = s.UpdateProgress(ctx, job.ID, 10, "a")
	got, _ := s.GetByID(ctx, job.ID)
	if got.Progress != 40 || len(got.Logs) != 1 {
		t.Fatalf("progress/logs = %d %v", got.Progress, got.Logs)
	}
	if ok, _ := s.MarkCompleted(ctx, job.ID, []byte(`{"ok":true}`), 3); !ok {
		t.Fatalf("MarkCompleted failed")
	}
	if ok, _ := s.MarkCompleted(ctx, job.ID, []byte(`{}`), 9); ok {
		t.Fatalf("second MarkCompleted must be a no-op")
	}
	if ok, _ := s.MarkFailed(ctx, job.ID, "late"); ok {
		t.Fatalf("terminal job must not fail")
	}
	got, _ = s.GetByID(ctx, job.ID)
	if got.CreditsConsumed != 3 || got.Progress != 100 {
		t.Fatalf("completed job = %+v", got)
	}
}

func TestLedgerIdempotentPerJob(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.PutAccount(domain.Account{ID: "o", Credits: 5})

	res, err := s.Adjust(ctx, "o", -3, "job", domain.LedgerReasonJobCharge)
	if err != nil || !res.Applied || res.Balance != 2 {
		t.Fatalf("first Adjust = %+v, %v", res, err)
	}
	res, err = s.Adjust(ctx, "o", -3, "job", domain.LedgerReasonJobCharge)
	if err != nil || res.Applied || res.Balance != 2 {
		t.Fatalf("repeat Adjust = %+v, %v", res, err)
	}
	res, _ = s.Adjust(ctx, "o", -4, "job-2", domain.LedgerReasonJobCharge)
	if res.Balance != -2 {
		t.Fatalf("overdraft balance = %d", res.Balance)
	}
	if s.LedgerEntries() != 2 {
		t.Fatalf("entries = %d", s.LedgerEntries())
	}
}
