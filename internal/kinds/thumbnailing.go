package kinds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/providers/completion"
	"creatorstudio/internal/providers/image"
)

const (
	StageComposePrompts = "compose_prompts"
	StageRenderVariants = "render_variants"
	StageSelectBest     = "select_best"

	renderFanOut = 2
)

// Thumbnail is one rendered and stored variant.
type Thumbnail struct {
	URL      string `json:"url"`
	Prompt   string `json:"prompt"`
	MIMEType string `json:"mime_type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Provider string `json:"provider"`
}

// ThumbnailSet is the result of a thumbnailing job.
type ThumbnailSet struct {
	Title    string      `json:"title"`
	Selected int         `json:"selected"`
	Reason   string      `json:"reason"`
	Variants []Thumbnail `json:"variants"`
}

type promptList struct {
	Prompts []string `json:"prompts"`
}

type selection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func thumbnailingDefinition(opts Options) pipeline.Definition {
	spec := briefSpec[ThumbnailingInput]{
		locale: func(in *ThumbnailingInput) string { return in.Locale },
		source: func(in *ThumbnailingInput) string { return in.SourceJobID },
	}
	return pipeline.Definition{
		Kind: domain.JobKindThumbnailing,
		Policy: pipeline.Policy{
			MinBalance:    2,
			MinCharge:     1,
			Concurrency:   2,
			Attempts:      2,
			RatePerMinute: 20,
			Variants:      3,
			Timeout:       opts.StageTimeout,
		},
		Stages: []pipeline.Stage{
			{Name: StageLoadProfile, Weight: 10, Run: loadProfile(spec)},
			{Name: StageComposePrompts, Weight: 20, Run: composePrompts},
			{Name: StageRenderVariants, Weight: 40, Run: renderVariants},
			{Name: StageSelectBest, Weight: 15, Run: selectBest},
		},
		Prepare: prepare[ThumbnailingInput](func(in *ThumbnailingInput) string { return in.SourceJobID }),
	}
}

// composePrompts writes one image prompt per requested variant.
func composePrompts(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[ThumbnailingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	n := variantCount(b.Input.Variants, sc.Policy)
	shape := promptList{Prompts: make([]string, n)}
	for i := range shape.Prompts {
		shape.Prompts[i] = fmt.Sprintf("image prompt %d", i+1)
	}
	out, usage, err := complete[promptList](ctx, sc, completion.Request{
		Prompt: prompt(
			fmt.Sprintf("Write %d distinct image prompts for a video thumbnail titled %q.", n, b.Input.Title),
			"Bold focal subject, high contrast, readable at small sizes, no text overlays.",
			optional("Visual style: %s.", b.Input.Style),
			b.Profile.describe(),
			sourceContext(b.Source),
		),
		Locale: b.Locale,
		Shape:  shape,
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	prompts := fitPrompts(out.Prompts, n, b.Input.Title)
	return pipeline.Ok(prompts, usage, fmt.Sprintf("composed %d image prompts", len(prompts)))
}

// fitPrompts trims or pads the model's list to exactly n prompts.
func fitPrompts(prompts []string, n int, title string) []string {
	out := make([]string, 0, n)
	for _, p := range prompts {
		if p = strings.TrimSpace(p); p != "" && len(out) < n {
			out = append(out, p)
		}
	}
	base := "Thumbnail for " + title
	if len(out) > 0 {
		base = out[0]
	}
	for i := len(out); i < n; i++ {
		out = append(out, fmt.Sprintf("%s, variation %d", base, i+1))
	}
	return out
}

// renderVariants generates every prompt and stores the images. Failed
// renders are dropped; each stored image is one billed unit.
func renderVariants(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[ThumbnailingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	prompts, err := pipeline.ArtifactAs[[]string](sc, StageComposePrompts)
	if err != nil {
		return pipeline.Fail(err)
	}
	if sc.Services.Images == nil || sc.Services.Blobs == nil {
		return pipeline.Failf("image rendering is not configured")
	}
	aspect := image.NormalizeAspect(b.Input.AspectRatio)
	thumbs, usage, failed, err := pipeline.FanOut(ctx, len(prompts), renderFanOut, func(ctx context.Context, i int) (Thumbnail, pipeline.Usage, error) {
		img, err := sc.Services.Images.Generate(ctx, image.Request{
			Prompt:      prompts[i],
			AspectRatio: aspect,
			Seed:        fmt.Sprintf("%s-%d", sc.Job.ID, i),
		})
		if err != nil {
			sc.Logger.Warn().Err(err).Int("variant", i).Msg("thumbnail render failed")
			return Thumbnail{}, pipeline.Usage{}, err
		}
		rendered := pipeline.Usage{ImageUnits: 1}
		url, err := sc.Services.Blobs.Put(ctx, sc.BlobKey(fmt.Sprintf("variant-%d%s", i+1, extensionFor(img.MIMEType))), img.Data)
		if err != nil {
			return Thumbnail{}, rendered, fmt.Errorf("store variant %d: %w", i+1, err)
		}
		return Thumbnail{
			URL:      url,
			Prompt:   prompts[i],
			MIMEType: img.MIMEType,
			Width:    img.Width,
			Height:   img.Height,
			Provider: img.Provider,
		}, rendered, nil
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	msg := fmt.Sprintf("rendered %d thumbnails", len(thumbs))
	if failed > 0 {
		msg = fmt.Sprintf("rendered %d of %d thumbnails", len(thumbs), len(prompts))
	}
	return pipeline.Ok(thumbs, usage, msg)
}

// selectBest asks the model which variant best fits the title.
func selectBest(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[ThumbnailingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	thumbs, err := pipeline.ArtifactAs[[]Thumbnail](sc, StageRenderVariants)
	if err != nil {
		return pipeline.Fail(err)
	}
	candidates := make([]string, len(thumbs))
	for i, t := range thumbs {
		candidates[i] = fmt.Sprintf("%d: %s", i, t.Prompt)
	}
	listing, _ := json.Marshal(candidates)
	pick, usage, err := complete[selection](ctx, sc, completion.Request{
		Prompt: prompt(
			fmt.Sprintf("Pick the thumbnail most likely to be clicked for a video titled %q.", b.Input.Title),
			"Candidates by index: "+string(listing),
		),
		Locale:      b.Locale,
		Temperature: 0.2,
		Shape:       selection{Index: 0, Reason: "one sentence"},
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	if pick.Index < 0 || pick.Index >= len(thumbs) {
		pick.Index = 0
	}
	return pipeline.Ok(ThumbnailSet{
		Title:    b.Input.Title,
		Selected: pick.Index,
		Reason:   pick.Reason,
		Variants: thumbs,
	}, usage, fmt.Sprintf("selected variant %d", pick.Index+1))
}

func extensionFor(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
