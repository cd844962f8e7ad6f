package domain

import "time"

// Account is the owner of jobs and the credit balance they draw from.
type Account struct {
	ID        string
	Email     string
	Credits   int
	Trained   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ledger reasons recorded alongside every balance change.
const (
	LedgerReasonJobCharge = "job_charge"
	LedgerReasonGrant     = "grant"
	LedgerReasonAdjust    = "admin_adjust"
)

// LedgerResult reports the outcome of one adjust call. Applied is false when
// the (job, reason) pair was already recorded and the call was a no-op.
type LedgerResult struct {
	Balance int
	Applied bool
}
