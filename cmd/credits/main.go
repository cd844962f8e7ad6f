package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"creatorstudio/internal/adapter/repo"
	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
)

func main() {
	var (
		idFlag      string
		emailFlag   string
		createFlag  bool
		deltaFlag   int
		trainedFlag string
		historyFlag int
	)

	flag.StringVar(&idFlag, "id", "", "account ID to update (UUID)")
	flag.StringVar(&emailFlag, "email", "", "account email to update")
	flag.BoolVar(&createFlag, "create", false, "create the account for -email when it does not exist")
	flag.IntVar(&deltaFlag, "delta", 0, "credits to add (positive) or remove (negative)")
	flag.StringVar(&trainedFlag, "trained", "", "set the trained-profile flag (true or false)")
	flag.IntVar(&historyFlag, "history", 10, "number of ledger entries to print afterwards")
	flag.Parse()

	userID := strings.TrimSpace(idFlag)
	email := strings.TrimSpace(strings.ToLower(emailFlag))
	if userID == "" && email == "" {
		exitWithError(errors.New("either -id or -email must be provided"))
	}
	var trained *bool
	if v := strings.TrimSpace(trainedFlag); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			exitWithError(fmt.Errorf("invalid -trained value %q", trainedFlag))
		}
		trained = &b
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli", os.Getenv("LOG_LEVEL")).With().Str("cmd", "credits").Logger()
	runner := infra.NewSQLRunner(pool, logger)
	accounts := repo.NewAccountRepository(runner)
	ledger := repo.NewCreditLedger(runner)

	var acc *domain.Account
	switch {
	case userID != "":
		acc, err = accounts.GetByID(ctx, userID)
	case createFlag:
		acc, err = accounts.EnsureByEmail(ctx, email)
	default:
		acc, err = accounts.GetByEmail(ctx, email)
	}
	if err != nil {
		exitWithError(fmt.Errorf("failed to load account: %w", err))
	}

	if deltaFlag != 0 {
		reason := domain.LedgerReasonAdjust
		if deltaFlag > 0 {
			reason = domain.LedgerReasonGrant
		}
		res, err := ledger.Adjust(ctx, acc.ID, deltaFlag, "", reason)
		if err != nil {
			exitWithError(fmt.Errorf("failed to adjust credits: %w", err))
		}
		fmt.Printf("Account %s (%s) balance is now %d\n", acc.ID, acc.Email, res.Balance)
	} else {
		fmt.Printf("Account %s (%s) balance is %d\n", acc.ID, acc.Email, acc.Credits)
	}

	if trained != nil {
		if err := accounts.SetTrained(ctx, acc.ID, *trained); err != nil {
			exitWithError(fmt.Errorf("failed to update trained flag: %w", err))
		}
		fmt.Printf("trained=%t\n", *trained)
	}

	if historyFlag > 0 {
		entries, err := ledger.History(ctx, acc.ID, historyFlag)
		if err != nil {
			exitWithError(fmt.Errorf("failed to load ledger: %w", err))
		}
		for _, e := range entries {
			job := e.JobID
			if job == "" {
				job = "-"
			}
			fmt.Printf("%s  %+5d  %-13s balance=%d job=%s\n", e.CreatedAt.Format(time.RFC3339), e.Delta, e.Reason, e.BalanceAfter, job)
		}
	}
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
