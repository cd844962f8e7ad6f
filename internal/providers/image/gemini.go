package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	stdimage "image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"google.golang.org/genai"

	"creatorstudio/internal/domain"
)

const defaultGeminiImageModel = "imagen-3.0-generate-002"

type GeminiOptions struct {
	APIKey string
	Model  string
	Client *genai.Client
}

// GeminiGenerator renders thumbnails through the Imagen models of the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

func NewGeminiGenerator(ctx context.Context, opts GeminiOptions) (*GeminiGenerator, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultGeminiImageModel
	}
	client := opts.Client
	if client == nil {
		key := strings.TrimSpace(opts.APIKey)
		if key == "" {
			return nil, errors.New("gemini api key is required")
		}
		var err error
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return nil, fmt.Errorf("%w: gemini image client: %v", domain.ErrExternalService, err)
		}
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (*Image, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, domain.NewValidationError("prompt", "required")
	}
	resp, err := g.client.Models.GenerateImages(ctx, g.model, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    NormalizeAspect(req.AspectRatio),
		OutputMIMEType: "image/png",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini generate images: %v", domain.ErrExternalService, err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 {
		return nil, fmt.Errorf("%w: gemini returned no images", domain.ErrExternalService)
	}
	generated := resp.GeneratedImages[0]
	if generated.Image == nil || len(generated.Image.ImageBytes) == 0 {
		reason := generated.RAIFilteredReason
		if reason == "" {
			reason = "empty image"
		}
		return nil, fmt.Errorf("%w: gemini image filtered: %s", domain.ErrExternalService, reason)
	}
	out := &Image{
		Data:     generated.Image.ImageBytes,
		MIMEType: generated.Image.MIMEType,
		Provider: ProviderGemini,
		Model:    g.model,
	}
	if out.MIMEType == "" {
		out.MIMEType = "image/png"
	}
	if cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(out.Data)); err == nil {
		out.Width, out.Height = cfg.Width, cfg.Height
	}
	return out, nil
}

var _ Generator = (*GeminiGenerator)(nil)
