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
	StageOutline     = "outline"
	StageExpandBeats = "expand_beats"
	StagePolish      = "polish"

	defaultActs = 3
	beatFanOut  = 3
)

type Beat struct {
	Heading     string `json:"heading"`
	Description string `json:"description"`
}

type Act struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Beats   []Beat `json:"beats"`
}

type storyOutline struct {
	Title   string `json:"title"`
	Logline string `json:"logline"`
	Acts    []Act  `json:"acts"`
}

type beatList struct {
	Beats []Beat `json:"beats"`
}

type storyPolish struct {
	Title   string   `json:"title"`
	Logline string   `json:"logline"`
	Themes  []string `json:"themes"`
}

// StoryBlueprint is the result of a story_building job.
type StoryBlueprint struct {
	Title   string   `json:"title"`
	Logline string   `json:"logline"`
	Themes  []string `json:"themes"`
	Acts    []Act    `json:"acts"`
}

func storyBuildingDefinition(opts Options) pipeline.Definition {
	spec := briefSpec[StoryBuildingInput]{
		requireTraining: true,
		locale:          func(in *StoryBuildingInput) string { return in.Locale },
		source:          func(in *StoryBuildingInput) string { return in.SourceJobID },
	}
	return pipeline.Definition{
		Kind: domain.JobKindStoryBuilding,
		Policy: pipeline.Policy{
			RequiresTraining: true,
			MinBalance:       2,
			MinCharge:        2,
			Concurrency:      2,
			Attempts:         2,
			Timeout:          opts.StageTimeout,
		},
		Stages: []pipeline.Stage{
			{Name: StageLoadProfile, Weight: 10, Run: loadProfile(spec)},
			{Name: StageOutline, Weight: 30, Run: outlineStory},
			{Name: StageExpandBeats, Weight: 30, Run: expandBeats},
			{Name: StagePolish, Weight: 15, Run: polishStory},
		},
		Prepare: prepare[StoryBuildingInput](func(in *StoryBuildingInput) string { return in.SourceJobID }),
	}
}

func outlineStory(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[StoryBuildingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	acts := b.Input.Acts
	if acts == 0 {
		acts = defaultActs
	}
	shape := storyOutline{Title: "story title", Logline: "one sentence logline", Acts: make([]Act, acts)}
	for i := range shape.Acts {
		shape.Acts[i] = Act{Name: fmt.Sprintf("act %d", i+1), Summary: "what happens"}
	}
	out, usage, err := complete[storyOutline](ctx, sc, completion.Request{
		Prompt: prompt(
			fmt.Sprintf("Outline a %d act story for a video series from this premise: %s", acts, b.Input.Premise),
			b.Profile.describe(),
			sourceContext(b.Source),
		),
		Locale: b.Locale,
		Shape:  shape,
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	if len(out.Acts) == 0 {
		return pipeline.Failf("%w: outline has no acts", domain.ErrExternalService)
	}
	return pipeline.Ok(out, usage, fmt.Sprintf("outlined %d acts", len(out.Acts)))
}

type expandedAct struct {
	index int
	act   Act
}

// expandBeats details every act in parallel. An act whose expansion fails
// keeps its summary without beats.
func expandBeats(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[StoryBuildingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	outline, err := pipeline.ArtifactAs[storyOutline](sc, StageOutline)
	if err != nil {
		return pipeline.Fail(err)
	}
	expanded := make([]Act, len(outline.Acts))
	copy(expanded, outline.Acts)

	results, usage, failed, err := pipeline.FanOut(ctx, len(outline.Acts), beatFanOut, func(ctx context.Context, i int) (expandedAct, pipeline.Usage, error) {
		act := outline.Acts[i]
		out, usage, err := complete[beatList](ctx, sc, completion.Request{
			Prompt: prompt(
				fmt.Sprintf("Story %q: %s", outline.Title, outline.Logline),
				fmt.Sprintf("Break %s (%s) into concrete scene beats.", act.Name, act.Summary),
				b.Profile.describe(),
			),
			Locale: b.Locale,
			Shape:  beatList{Beats: []Beat{{Heading: "beat", Description: "what the viewer sees"}}},
		})
		if err != nil {
			return expandedAct{}, usage, err
		}
		act.Beats = out.Beats
		return expandedAct{index: i, act: act}, usage, nil
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	for _, r := range results {
		expanded[r.index] = r.act
	}
	outline.Acts = expanded
	msg := fmt.Sprintf("expanded %d acts", len(results))
	if failed > 0 {
		msg = fmt.Sprintf("expanded %d of %d acts", len(results), len(expanded))
	}
	return pipeline.Ok(outline, usage, msg)
}

func polishStory(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[StoryBuildingInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	story, err := pipeline.ArtifactAs[storyOutline](sc, StageExpandBeats)
	if err != nil {
		return pipeline.Fail(err)
	}
	raw, err := json.Marshal(story)
	if err != nil {
		return pipeline.Fail(err)
	}
	out, usage, err := complete[storyPolish](ctx, sc, completion.Request{
		Prompt: prompt(
			"Give this story a sharper title and logline and name its themes.",
			string(raw),
		),
		Locale:      b.Locale,
		Temperature: 0.5,
		Shape:       storyPolish{Title: story.Title, Logline: story.Logline, Themes: []string{"theme"}},
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	blueprint := StoryBlueprint{
		Title:   defaultString(out.Title, story.Title),
		Logline: defaultString(out.Logline, story.Logline),
		Themes:  out.Themes,
		Acts:    story.Acts,
	}
	return pipeline.Ok(blueprint, usage, "story polished")
}
