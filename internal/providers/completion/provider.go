// Package completion wraps the text-completion services used by pipeline
// stages. Every provider reports the token usage the credit charge is based on.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"creatorstudio/internal/domain"
)

const (
	ProviderStatic    = "static"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var ErrEmptyResponse = errors.New("completion: empty response")

// Request is a single-turn completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
	Locale      string
	// Shape, when set, is an example value of the JSON document the caller
	// expects back. Providers append it to the prompt as the output contract.
	Shape any
}

// Response carries the generated text and its measured usage.
type Response struct {
	Text     string
	Tokens   int
	Provider string
	Model    string
}

type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// userPrompt renders the prompt with the JSON output contract appended.
func userPrompt(req Request) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", domain.NewValidationError("prompt", "required")
	}
	sb := &strings.Builder{}
	sb.WriteString(prompt)
	if req.Locale != "" {
		fmt.Fprintf(sb, "\nWrite in locale '%s'.", req.Locale)
	}
	if req.Shape != nil {
		shape, err := json.Marshal(req.Shape)
		if err != nil {
			return "", fmt.Errorf("completion: encode shape: %w", err)
		}
		sb.WriteString("\nRespond strictly with JSON matching this example: ")
		sb.Write(shape)
	}
	return sb.String(), nil
}

func systemPrompt(req Request) string {
	if s := strings.TrimSpace(req.System); s != "" {
		return s
	}
	if req.Shape != nil {
		return "You are a creative assistant for video creators that only responds with valid JSON."
	}
	return "You are a creative assistant for video creators."
}

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 2048
}

func temperature(req Request) float32 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return 0.7
}

func externalErr(provider, reason string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s %s", domain.ErrExternalService, provider, reason)
	}
	return fmt.Errorf("%w: %s %s: %v", domain.ErrExternalService, provider, reason, err)
}

// ParseJSON decodes the JSON document embedded in a model reply, tolerating
// code fences and surrounding prose.
func ParseJSON[T any](raw string) (T, error) {
	var zero T
	cleaned := extractJSONFragment(raw)
	if cleaned == "" {
		return zero, ErrEmptyResponse
	}
	var decoded T
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return zero, fmt.Errorf("completion: decode reply: %w", err)
	}
	return decoded, nil
}

func extractJSONFragment(raw string) string {
	text := trimCodeFence(strings.TrimSpace(raw))
	if text == "" {
		return ""
	}
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start >= 0 && end >= start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func trimCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```JSON")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// EstimateTokens approximates usage for providers that do not report it.
func EstimateTokens(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
