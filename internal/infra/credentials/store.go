// Package credentials keeps provider API keys in the database so operators
// can rotate them without redeploying.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"creatorstudio/internal/infra"
	"creatorstudio/internal/sqlinline"
)

const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Providers lists every provider a key can be stored for.
var Providers = []string{ProviderGemini, ProviderAnthropic, ProviderOpenAI}

// Supported reports whether provider is one of Providers.
func Supported(provider string) bool {
	for _, p := range Providers {
		if p == provider {
			return true
		}
	}
	return false
}

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored key for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// Resolve prefers the stored key and falls back to the configured one.
func (s *Store) Resolve(ctx context.Context, provider, fallback string) (string, error) {
	token, err := s.Token(ctx, provider)
	if err != nil {
		return strings.TrimSpace(fallback), err
	}
	if token == "" {
		return strings.TrimSpace(fallback), nil
	}
	return token, nil
}

// Set stores key for provider, replacing any previous value.
func (s *Store) Set(ctx context.Context, provider, key string, props map[string]any) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !Supported(provider) {
		return fmt.Errorf("unsupported provider %q", provider)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%s api key is required", provider)
	}
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, key, raw)
	return err
}

// Delete removes the stored key for provider. It reports whether a key existed.
func (s *Store) Delete(ctx context.Context, provider string) (bool, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !Supported(provider) {
		return false, fmt.Errorf("unsupported provider %q", provider)
	}
	tag, err := s.sql.Exec(ctx, sqlinline.QDeleteIntegrationToken, provider)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
