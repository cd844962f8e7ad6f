package completion

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"creatorstudio/internal/domain"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestParseJSONToleratesFencesAndProse(t *testing.T) {
	type payload struct {
		Title string `json:"title"`
	}
	cases := []string{
		`{"title":"Hook"}`,
		"```json\n{\"title\":\"Hook\"}\n```",
		"Sure! Here it is: {\"title\":\"Hook\"} Enjoy.",
	}
	for _, raw := range cases {
		got, err := ParseJSON[payload](raw)
		if err != nil {
			t.Fatalf("ParseJSON(%q) error: %v", raw, err)
		}
		if got.Title != "Hook" {
			t.Fatalf("ParseJSON(%q) = %+v", raw, got)
		}
	}
	if _, err := ParseJSON[payload]("   "); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("empty reply error = %v", err)
	}
}

func TestStaticFillsShape(t *testing.T) {
	type idea struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	res, err := NewStatic().Complete(context.Background(), Request{
		Prompt: "Give me an idea about home espresso",
		Shape:  idea{Title: "morning ritual", Tags: []string{"coffee tips"}},
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	got, err := ParseJSON[idea](res.Text)
	if err != nil {
		t.Fatalf("static reply is not JSON: %v", err)
	}
	if got.Title != "Morning Ritual" || got.Tags[0] != "Coffee Tips" {
		t.Fatalf("reply = %+v", got)
	}
	if res.Tokens <= 0 || res.Provider != ProviderStatic {
		t.Fatalf("response = %+v", res)
	}
}

func TestStaticRequiresPrompt(t *testing.T) {
	_, err := NewStatic().Complete(context.Background(), Request{Prompt: "  "})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestOpenAIReportsUsage(t *testing.T) {
	var body string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Fatalf("missing bearer token")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"model":"gpt-4o-mini","choices":[{"message":{"content":"{\"title\":\"x\"}"}}],"usage":{"total_tokens":321}}`)),
		}, nil
	})}
	p, err := NewOpenAI(OpenAIOptions{APIKey: "key", HTTPClient: client})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	res, err := p.Complete(context.Background(), Request{Prompt: "hello", Shape: map[string]string{"title": "t"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Tokens != 321 || res.Text != `{"title":"x"}` {
		t.Fatalf("response = %+v", res)
	}
	if !strings.Contains(body, `"json_object"`) {
		t.Fatalf("request did not ask for JSON output: %s", body)
	}
}

func TestOpenAIErrorsAreExternal(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader(""))}, nil
	})}
	p, err := NewOpenAI(OpenAIOptions{APIKey: "key", HTTPClient: client})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	_, err = p.Complete(context.Background(), Request{Prompt: "hello"})
	if !errors.Is(err, domain.ErrExternalService) {
		t.Fatalf("error = %v, want ErrExternalService", err)
	}
}

func TestOpenAISurfacesAPIErrorAndTruncation(t *testing.T) {
	var warnings []string
	status := http.StatusTooManyRequests
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		body := `{"error":{"message":"rate limit reached","type":"requests"}}`
		if status == http.StatusOK {
			body = `{"choices":[{"finish_reason":"length","message":{"role":"assistant","content":"partial"}}]}`
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}, nil
	})}
	p, err := NewOpenAI(OpenAIOptions{
		APIKey:     "key",
		HTTPClient: client,
		OnWarning:  func(reason, _ string) { warnings = append(warnings, reason) },
	})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	_, err = p.Complete(context.Background(), Request{Prompt: "hello"})
	if !errors.Is(err, domain.ErrExternalService) || !strings.Contains(err.Error(), "rate limit reached") {
		t.Fatalf("error = %v", err)
	}

	status = http.StatusOK
	res, err := p.Complete(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "partial" || res.Model != "gpt-4o-mini" || res.Tokens <= 0 {
		t.Fatalf("response = %+v", res)
	}
	if len(warnings) != 1 || warnings[0] != "truncated" {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestNormalizeOpenAIModel(t *testing.T) {
	cases := []struct {
		in      string
		model   string
		aliased bool
	}{
		{in: "", model: "gpt-4o-mini"},
		{in: "gpt-4o-mini", model: "gpt-4o-mini"},
		{in: "GPT4o mini", model: "gpt-4o-mini", aliased: true},
		{in: "gpt4omini", model: "gpt-4o-mini", aliased: true},
		{in: "gpt-3.5", model: "gpt-3.5-turbo", aliased: true},
	}
	for _, tc := range cases {
		model, aliased := normalizeOpenAIModel(tc.in)
		if model != tc.model || aliased != tc.aliased {
			t.Fatalf("normalizeOpenAIModel(%q) = %q, %t", tc.in, model, aliased)
		}
	}
}

func TestAnthropicSumsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest",
			"content":[{"type":"text","text":"Outline ready"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":40,"output_tokens":60}}`)
	}))
	defer srv.Close()

	p, err := NewAnthropic(AnthropicOptions{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}
	res, err := p.Complete(context.Background(), Request{Prompt: "outline"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "Outline ready" || res.Tokens != 100 {
		t.Fatalf("response = %+v", res)
	}
}

func TestNewFallsBackWithoutKey(t *testing.T) {
	var reason string
	p, err := New(context.Background(), Config{
		Provider:   ProviderGemini,
		OnFallback: func(r string, _ error) { reason = r },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != ProviderStatic || reason != "missing_api_key" {
		t.Fatalf("provider = %s, reason = %q", p.Name(), reason)
	}
	if _, err := New(context.Background(), Config{Provider: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
