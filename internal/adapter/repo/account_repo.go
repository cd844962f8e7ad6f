package repo

import (
	"context"
	"fmt"
	"strings"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/sqlinline"
)

// AccountRepositoryPG implements domain.AccountRepository.
type AccountRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewAccountRepository(sql infra.SQLExecutor) *AccountRepositoryPG {
	return &AccountRepositoryPG{sql: sql}
}

func (r *AccountRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return r.scan(ctx, sqlinline.QSelectAccountByID, id)
}

func (r *AccountRepositoryPG) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return r.scan(ctx, sqlinline.QSelectAccountByEmail, strings.TrimSpace(email))
}

// EnsureByEmail returns the account for email, creating an empty one if needed.
func (r *AccountRepositoryPG) EnsureByEmail(ctx context.Context, email string) (*domain.Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, domain.NewValidationError("email", "required")
	}
	return r.scan(ctx, sqlinline.QUpsertAccountByEmail, email)
}

func (r *AccountRepositoryPG) SetTrained(ctx context.Context, id string, trained bool) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QSetAccountTrained, id, trained)
	if err != nil {
		return fmt.Errorf("%w: set trained: %v", domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *AccountRepositoryPG) scan(ctx context.Context, query string, args ...any) (*domain.Account, error) {
	var acc domain.Account
	err := r.sql.QueryRow(ctx, query, args...).Scan(
		&acc.ID,
		&acc.Email,
		&acc.Credits,
		&acc.Trained,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: load account: %v", domain.ErrPersistence, err)
	}
	return &acc, nil
}

var _ domain.AccountRepository = (*AccountRepositoryPG)(nil)
