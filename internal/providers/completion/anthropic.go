package completion

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

type AnthropicOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Anthropic completes prompts through the Claude Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, errors.New("anthropic api key is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &Anthropic{client: anthropic.NewClient(reqOpts...), model: model}, nil
}

func (a *Anthropic) Name() string { return ProviderAnthropic }

func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt, err := userPrompt(req)
	if err != nil {
		return nil, err
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens(req)),
		Temperature: anthropic.Float(float64(temperature(req))),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt(req)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, externalErr(ProviderAnthropic, "create message", err)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return nil, externalErr(ProviderAnthropic, "empty text", ErrEmptyResponse)
	}
	tokens := int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	if tokens == 0 {
		tokens = EstimateTokens(prompt, out)
	}
	return &Response{Text: out, Tokens: tokens, Provider: ProviderAnthropic, Model: a.model}, nil
}

var _ Provider = (*Anthropic)(nil)
