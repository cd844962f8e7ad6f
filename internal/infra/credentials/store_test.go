package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubExecutor struct {
	token string
	tag   string
	err   error
	exec  struct {
		query string
		args  []any
	}
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.exec.query = query
	s.exec.args = args
	return pgconn.NewCommandTag(s.tag), s.err
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return stubRow{token: s.token, err: s.err}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type stubRow struct {
	token string
	err   error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) == 0 {
		return errors.New("no dest")
	}
	ptr, ok := dest[0].(*string)
	if !ok {
		return errors.New("invalid dest")
	}
	*ptr = r.token
	return nil
}

func TestToken(t *testing.T) {
	store := NewStore(&stubExecutor{token: " abc123 "})
	key, err := store.Token(context.Background(), ProviderGemini)
	if err != nil {
		t.Fatalf("Token error: %v", err)
	}
	if key != "abc123" {
		t.Fatalf("expected abc123, got %q", key)
	}
}

func TestToken_NoRows(t *testing.T) {
	store := NewStore(&stubExecutor{err: pgx.ErrNoRows})
	key, err := store.Token(context.Background(), ProviderAnthropic)
	if err != nil {
		t.Fatalf("Token error: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		exec    *stubExecutor
		want    string
		wantErr bool
	}{
		{name: "stored key wins", exec: &stubExecutor{token: "sk-stored"}, want: "sk-stored"},
		{name: "env fallback", exec: &stubExecutor{err: pgx.ErrNoRows}, want: "sk-env"},
		{name: "blank stored key", exec: &stubExecutor{token: "  "}, want: "sk-env"},
		{name: "query error keeps fallback", exec: &stubExecutor{err: errors.New("conn refused")}, want: "sk-env", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewStore(tc.exec).Resolve(context.Background(), ProviderOpenAI, " sk-env ")
			if (err != nil) != tc.wantErr {
				t.Fatalf("Resolve error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSet(t *testing.T) {
	for _, provider := range Providers {
		exec := &stubExecutor{}
		if err := NewStore(exec).Set(context.Background(), provider, " secret ", nil); err != nil {
			t.Fatalf("Set(%s) error: %v", provider, err)
		}
		if len(exec.exec.args) != 3 {
			t.Fatalf("expected 3 args, got %d", len(exec.exec.args))
		}
		if v, ok := exec.exec.args[0].(string); !ok || v != provider {
			t.Fatalf("expected provider %s, got %v", provider, exec.exec.args[0])
		}
		if v, ok := exec.exec.args[1].(string); !ok || v != "secret" {
			t.Fatalf("expected secret argument, got %T %v", exec.exec.args[1], exec.exec.args[1])
		}
	}
}

func TestSetRejects(t *testing.T) {
	store := NewStore(&stubExecutor{})
	if err := store.Set(context.Background(), ProviderGemini, " ", nil); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := store.Set(context.Background(), "qwen", "secret", nil); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestDelete(t *testing.T) {
	exec := &stubExecutor{tag: "DELETE 1"}
	removed, err := NewStore(exec).Delete(context.Background(), " OpenAI ")
	if err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if !removed {
		t.Fatal("expected a removed key")
	}
	if v, ok := exec.exec.args[0].(string); !ok || v != ProviderOpenAI {
		t.Fatalf("expected provider %s, got %v", ProviderOpenAI, exec.exec.args[0])
	}

	removed, err = NewStore(&stubExecutor{tag: "DELETE 0"}).Delete(context.Background(), ProviderGemini)
	if err != nil || removed {
		t.Fatalf("Delete of missing key = %v, %v", removed, err)
	}
	if _, err := NewStore(&stubExecutor{}).Delete(context.Background(), "qwen"); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}
