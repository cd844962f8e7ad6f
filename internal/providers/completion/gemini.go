package completion

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiOptions struct {
	APIKey string
	Model  string
	// Client overrides the SDK client; APIKey is ignored when set.
	Client *genai.Client
}

// Gemini completes prompts through the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	client := opts.Client
	if client == nil {
		key := strings.TrimSpace(opts.APIKey)
		if key == "" {
			return nil, errors.New("gemini api key is required")
		}
		var err error
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, externalErr(ProviderGemini, "create client", err)
		}
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return ProviderGemini }

func (g *Gemini) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt, err := userPrompt(req)
	if err != nil {
		return nil, err
	}
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(temperature(req)),
		MaxOutputTokens:   int32(maxTokens(req)),
		SystemInstruction: genai.NewContentFromText(systemPrompt(req), genai.RoleUser),
	}
	if req.Shape != nil {
		config.ResponseMIMEType = "application/json"
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, externalErr(ProviderGemini, "generate content", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, externalErr(ProviderGemini, "empty candidates", nil)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, externalErr(ProviderGemini, "empty text", ErrEmptyResponse)
	}
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if tokens == 0 {
		tokens = EstimateTokens(prompt, text)
	}
	return &Response{Text: text, Tokens: tokens, Provider: ProviderGemini, Model: g.model}, nil
}

var _ Provider = (*Gemini)(nil)
