package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	openAIDefaultTimeout = 60 * time.Second
)

var openAIModelAliases = map[string]string{
	"gpt4o-mini":             "gpt-4o-mini",
	"gpt4omini":              "gpt-4o-mini",
	"gpt-4o-mini-2024-07-18": "gpt-4o-mini",
	"gpt4o":                  "gpt-4o",
	"gpt-3.5":                "gpt-3.5-turbo",
	"gpt-35-turbo":           "gpt-3.5-turbo",
}

type OpenAIOptions struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
	HTTPClient   *http.Client
	OnWarning    func(reason, detail string)
}

// OpenAI completes prompts through the chat completions endpoint.
type OpenAI struct {
	apiKey       string
	model        string
	baseURL      string
	organization string
	client       *http.Client
	warn         func(reason, detail string)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float32         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string      `json:"finish_reason"`
		Message      chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, errors.New("openai api key is required")
	}
	model, aliased := normalizeOpenAIModel(opts.Model)
	if aliased && opts.OnWarning != nil {
		opts.OnWarning("model_alias", fmt.Sprintf("requested=%s resolved=%s", strings.TrimSpace(opts.Model), model))
	}
	o := &OpenAI{
		apiKey:       key,
		model:        model,
		baseURL:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		organization: strings.TrimSpace(opts.Organization),
		client:       opts.HTTPClient,
		warn:         opts.OnWarning,
	}
	if o.baseURL == "" {
		o.baseURL = defaultOpenAIBaseURL
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	return o, nil
}

func (o *OpenAI) Name() string { return ProviderOpenAI }

func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt, err := userPrompt(req)
	if err != nil {
		return nil, err
	}
	body := chatRequest{
		Model:       o.model,
		Temperature: temperature(req),
		MaxTokens:   maxTokens(req),
		Messages:    []chatMessage{{Role: "system", Content: systemPrompt(req)}, {Role: "user", Content: prompt}},
	}
	if req.Shape != nil {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	out, err := o.chat(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, externalErr(ProviderOpenAI, "empty choices", nil)
	}
	choice := out.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return nil, externalErr(ProviderOpenAI, "empty text", ErrEmptyResponse)
	}
	if choice.FinishReason == "length" && o.warn != nil {
		o.warn("truncated", fmt.Sprintf("model=%s max_tokens=%d", o.model, body.MaxTokens))
	}
	res := &Response{Text: text, Tokens: out.Usage.TotalTokens, Provider: ProviderOpenAI, Model: out.Model}
	if res.Tokens == 0 {
		res.Tokens = EstimateTokens(prompt, text)
	}
	if res.Model == "" {
		res.Model = o.model
	}
	return res, nil
}

// chat posts one chat completion. Non-2xx replies carry an error object
// whose message is surfaced in the returned error.
func (o *OpenAI) chat(ctx context.Context, body chatRequest) (*chatResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("completion: encode openai request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("completion: build openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.organization != "" {
		httpReq.Header.Set("OpenAI-Organization", o.organization)
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, externalErr(ProviderOpenAI, "http request", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out)
	if resp.StatusCode/100 != 2 {
		reason := fmt.Sprintf("http_%d", resp.StatusCode)
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			return nil, externalErr(ProviderOpenAI, reason, errors.New(out.Error.Message))
		}
		return nil, externalErr(ProviderOpenAI, reason, nil)
	}
	if decodeErr != nil {
		return nil, externalErr(ProviderOpenAI, "decode response", decodeErr)
	}
	return &out, nil
}

// normalizeOpenAIModel maps loose spellings onto a model id and reports
// whether an alias was applied.
func normalizeOpenAIModel(name string) (string, bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return defaultOpenAIModel, false
	}
	normalized := strings.ToLower(trimmed)
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	if alias, ok := openAIModelAliases[normalized]; ok {
		return alias, true
	}
	return normalized, normalized != trimmed
}

var _ Provider = (*OpenAI)(nil)
