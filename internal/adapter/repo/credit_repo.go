package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/sqlinline"
)

// CreditLedgerPG implements domain.CreditLedger on top of fn_adjust_credits,
// which updates the balance and writes the ledger row in one statement.
type CreditLedgerPG struct {
	sql infra.SQLExecutor
}

func NewCreditLedger(sql infra.SQLExecutor) *CreditLedgerPG {
	return &CreditLedgerPG{sql: sql}
}

func (l *CreditLedgerPG) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	if err := l.sql.QueryRow(ctx, sqlinline.QSelectCreditBalance, ownerID).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("%w: load balance: %v", domain.ErrPersistence, err)
	}
	return balance, nil
}

func (l *CreditLedgerPG) Adjust(ctx context.Context, ownerID string, delta int, jobID, reason string) (domain.LedgerResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.LedgerResult{}, domain.NewValidationError("reason", "required")
	}
	var job any
	if jobID != "" {
		job = jobID
	}
	var res domain.LedgerResult
	if err := l.sql.QueryRow(ctx, sqlinline.QAdjustCredits, ownerID, delta, job, reason).Scan(&res.Balance, &res.Applied); err != nil {
		if infra.IsNoRows(err) {
			return domain.LedgerResult{}, domain.ErrNotFound
		}
		return domain.LedgerResult{}, fmt.Errorf("%w: adjust credits: %v", domain.ErrPersistence, err)
	}
	return res, nil
}

// LedgerEntry is one recorded balance change.
type LedgerEntry struct {
	ID           string
	JobID        string
	Delta        int
	Reason       string
	BalanceAfter int
	CreatedAt    time.Time
}

// History returns the most recent ledger entries for an owner.
func (l *CreditLedgerPG) History(ctx context.Context, ownerID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := l.sql.Query(ctx, sqlinline.QListLedgerForOwner, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list ledger: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Delta, &e.Reason, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan ledger: %v", domain.ErrPersistence, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ domain.CreditLedger = (*CreditLedgerPG)(nil)
