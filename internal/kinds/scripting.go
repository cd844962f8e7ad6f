package kinds

import (
	"context"
	"encoding/json"
	"fmt"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/providers/completion"
)

const (
	StageDraftScript  = "draft_script"
	StageRefineScript = "refine_script"

	defaultScriptSeconds = 60
)

type ScriptSection struct {
	Heading   string `json:"heading"`
	Narration string `json:"narration"`
	Visual    string `json:"visual"`
}

// Script is the result of a scripting job.
type Script struct {
	Title            string          `json:"title"`
	Hook             string          `json:"hook"`
	Sections         []ScriptSection `json:"sections"`
	CallToAction     string          `json:"call_to_action"`
	EstimatedSeconds int             `json:"estimated_seconds"`
}

func scriptingDefinition(opts Options) pipeline.Definition {
	spec := briefSpec[ScriptingInput]{
		requireTraining: true,
		locale:          func(in *ScriptingInput) string { return in.Locale },
		source:          func(in *ScriptingInput) string { return in.SourceJobID },
	}
	return pipeline.Definition{
		Kind: domain.JobKindScripting,
		Policy: pipeline.Policy{
			RequiresTraining: true,
			MinBalance:       2,
			MinCharge:        2,
			Concurrency:      3,
			Attempts:         2,
			Timeout:          opts.StageTimeout,
		},
		Stages: []pipeline.Stage{
			{Name: StageLoadProfile, Weight: 10, Run: loadProfile(spec)},
			{Name: StageGatherTrends, Weight: 30, Run: gatherTrends[ScriptingInput]},
			{Name: StageDraftScript, Weight: 30, Run: draftScript},
			{Name: StageRefineScript, Weight: 15, Run: refineScript},
		},
		Prepare: prepare[ScriptingInput](func(in *ScriptingInput) string { return in.SourceJobID }),
	}
}

func scriptShape(seconds int) Script {
	return Script{
		Title: "video title",
		Hook:  "opening line",
		Sections: []ScriptSection{
			{Heading: "section heading", Narration: "spoken words", Visual: "what is on screen"},
		},
		CallToAction:     "closing call to action",
		EstimatedSeconds: seconds,
	}
}

func draftScript(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[ScriptingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	seconds := b.Input.DurationSeconds
	if seconds == 0 {
		seconds = defaultScriptSeconds
	}
	tone := b.Input.Tone
	if tone == "" {
		tone = b.Profile.Tone
	}
	draft, usage, err := complete[Script](ctx, sc, completion.Request{
		Prompt: prompt(
			fmt.Sprintf("Write a %d second video script about %q.", seconds, b.Input.Topic),
			b.Profile.describe(),
			optional("Tone: %s.", tone),
			describeTrends(trendsOf(sc)),
			sourceContext(b.Source),
		),
		Locale: b.Locale,
		Shape:  scriptShape(seconds),
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	if len(draft.Sections) == 0 {
		return pipeline.Failf("%w: draft has no sections", domain.ErrExternalService)
	}
	return pipeline.Ok(draft, usage, fmt.Sprintf("draft with %d sections", len(draft.Sections)))
}

func refineScript(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[ScriptingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	draft, err := pipeline.ArtifactAs[Script](sc, StageDraftScript)
	if err != nil {
		return pipeline.Fail(err)
	}
	raw, err := json.Marshal(draft)
	if err != nil {
		return pipeline.Fail(err)
	}
	final, usage, err := complete[Script](ctx, sc, completion.Request{
		Prompt: prompt(
			"Tighten this script: sharpen the hook, cut filler, keep the structure.",
			b.Profile.describe(),
			string(raw),
		),
		Locale:      b.Locale,
		Temperature: 0.4,
		Shape:       scriptShape(draft.EstimatedSeconds),
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	if len(final.Sections) == 0 {
		final.Sections = draft.Sections
	}
	if final.EstimatedSeconds <= 0 {
		final.EstimatedSeconds = draft.EstimatedSeconds
	}
	return pipeline.Ok(final, usage, "script refined")
}

func optional(format, value string) string {
	if value == "" {
		return ""
	}
	return fmt.Sprintf(format, value)
}
