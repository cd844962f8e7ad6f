package completion

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Config selects and configures the completion provider.
type Config struct {
	Provider string

	GeminiAPIKey string
	GeminiModel  string

	AnthropicAPIKey string
	AnthropicModel  string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	OpenAIOrg     string

	HTTPClient *http.Client
	// OnFallback is called when the selected provider cannot be built and the
	// static provider is used instead.
	OnFallback func(reason string, err error)
	OnWarning  func(reason, detail string)
}

// New builds the configured provider. A provider without credentials
// degrades to Static so development setups run end to end.
func New(ctx context.Context, cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch name {
	case "", ProviderStatic:
		return NewStatic(), nil
	case ProviderGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return cfg.fallback("missing_api_key", nil), nil
		}
		p, err := NewGemini(ctx, GeminiOptions{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderAnthropic:
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return cfg.fallback("missing_api_key", nil), nil
		}
		return NewAnthropic(AnthropicOptions{APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel, HTTPClient: cfg.HTTPClient})
	case ProviderOpenAI:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return cfg.fallback("missing_api_key", nil), nil
		}
		return NewOpenAI(OpenAIOptions{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.OpenAIModel,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
			HTTPClient:   cfg.HTTPClient,
			OnWarning:    cfg.OnWarning,
		})
	default:
		return nil, fmt.Errorf("completion: unknown provider %q", cfg.Provider)
	}
}

func (cfg Config) fallback(reason string, err error) Provider {
	if cfg.OnFallback != nil {
		cfg.OnFallback(reason, err)
	}
	return NewStatic()
}
