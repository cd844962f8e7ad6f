package kinds

import (
	"context"
	"fmt"
	"strings"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/providers/completion"
	"creatorstudio/internal/providers/files"
)

const (
	StageUploadSamples   = "upload_samples"
	StageAwaitActivation = "await_activation"
	StageDeriveStyle     = "derive_style"

	sampleExcerptRunes = 1500
)

func trainingDefinition(opts Options) pipeline.Definition {
	spec := briefSpec[TrainingInput]{
		niche:  func(in *TrainingInput) string { return in.Niche },
		locale: func(in *TrainingInput) string { return in.Locale },
	}
	return pipeline.Definition{
		Kind: domain.JobKindTraining,
		Policy: pipeline.Policy{
			SingleFlight: true,
			MinBalance:   1,
			MinCharge:    1,
			Concurrency:  2,
			Attempts:     2,
			Timeout:      opts.ActivationTimeout + opts.StageTimeout,
		},
		Stages: []pipeline.Stage{
			{Name: StageLoadProfile, Weight: 10, Run: loadProfile(spec)},
			{Name: StageUploadSamples, Weight: 25, Run: uploadSamples},
			{Name: StageAwaitActivation, Weight: 25, Run: awaitActivation(opts)},
			{Name: StageDeriveStyle, Weight: 25, Run: deriveStyle},
		},
		Prepare: prepare[TrainingInput](nil),
		OnCompleted: func(ctx context.Context, sc *pipeline.Context) error {
			return sc.Services.Accounts.SetTrained(ctx, sc.Job.OwnerID, true)
		},
	}
}

// uploadSamples stores every sample as a blob and hands it to the provider's file service.
func uploadSamples(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[TrainingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	if sc.Services.Files == nil {
		return pipeline.Failf("no file service configured")
	}
	samples := b.Input.Samples
	uploaded := make([]*files.File, len(samples))
	for i, sample := range samples {
		data := []byte(sample.Title + "\n\n" + sample.Transcript)
		if sc.Services.Blobs != nil {
			if _, err := sc.Services.Blobs.Put(ctx, sc.BlobKey(fmt.Sprintf("sample-%d.txt", i+1)), data); err != nil {
				return pipeline.Fail(fmt.Errorf("store sample %d: %w", i+1, err))
			}
		}
		f, err := sc.Services.Files.Upload(ctx, fmt.Sprintf("%s-sample-%d", sc.Job.ID, i+1), "text/plain", data)
		if err != nil {
			return pipeline.Fail(fmt.Errorf("upload sample %d: %w", i+1, err))
		}
		uploaded[i] = f
	}
	return pipeline.Ok(uploaded, pipeline.Usage{}, fmt.Sprintf("uploaded %d samples", len(uploaded)))
}

// awaitActivation polls the provider until every uploaded file is usable.
func awaitActivation(opts Options) pipeline.StageFunc {
	return func(ctx context.Context, sc *pipeline.Context) pipeline.Result {
		uploaded, err := pipeline.ArtifactAs[[]*files.File](sc, StageUploadSamples)
		if err != nil {
			return pipeline.Fail(err)
		}
		pending := map[string]bool{}
		for _, f := range uploaded {
			if f.State != files.StateActive {
				pending[f.Name] = true
			}
		}
		err = pipeline.Poll(ctx, opts.ActivationInterval, opts.ActivationTimeout, func(ctx context.Context) (bool, error) {
			for name := range pending {
				f, err := sc.Services.Files.Get(ctx, name)
				if err != nil {
					return false, err
				}
				switch f.State {
				case files.StateActive:
					delete(pending, name)
				case files.StateFailed:
					return false, fmt.Errorf("%w: file %s failed processing", domain.ErrExternalService, name)
				}
			}
			return len(pending) == 0, nil
		})
		if err != nil {
			return pipeline.Fail(fmt.Errorf("await file activation: %w", err))
		}
		return pipeline.Ok(uploaded, pipeline.Usage{}, fmt.Sprintf("%d files active", len(uploaded)))
	}
}

// deriveStyle asks the model to summarize the creator's voice from the samples.
func deriveStyle(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[TrainingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	var excerpts strings.Builder
	for i, s := range b.Input.Samples {
		fmt.Fprintf(&excerpts, "Sample %d (%s): %s\n", i+1, s.Title, excerpt(s.Transcript, sampleExcerptRunes))
	}
	shape := Profile{
		Niche:    b.Profile.Niche,
		Tone:     "short description of the voice",
		Audience: "who the content is for",
		Pillars:  []string{"recurring theme"},
	}
	profile, usage, err := complete[Profile](ctx, sc, completion.Request{
		Prompt: prompt(
			"Study these samples from one video creator and describe their style.",
			fmt.Sprintf("The creator works in the %q niche.", b.Profile.Niche),
			excerpts.String(),
		),
		Locale:      b.Locale,
		Temperature: 0.3,
		Shape:       shape,
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	if strings.TrimSpace(profile.Niche) == "" {
		profile.Niche = b.Profile.Niche
	}
	return pipeline.Ok(profile, usage, "style profile derived")
}

func excerpt(text string, limit int) string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}
