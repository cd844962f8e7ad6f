package kinds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/providers/completion"
)

const (
	StageGenerateIdeas = "generate_ideas"
	StageDifferentiate = "differentiate"

	ideasPerBatch = 3
	ideaFanOut    = 3
)

// batchAngles steer each fan-out branch toward a different kind of idea.
var batchAngles = []string{
	"evergreen tutorials",
	"reactions to what is trending",
	"personal stories and behind the scenes",
	"myth busting and hot takes",
	"challenges and experiments",
}

type Idea struct {
	Title      string `json:"title"`
	Angle      string `json:"angle"`
	Hook       string `json:"hook"`
	WhyItWorks string `json:"why_it_works,omitempty"`
}

type ideaBatch struct {
	Ideas []Idea `json:"ideas"`
}

// IdeaList is the result of an ideation job.
type IdeaList struct {
	Niche string `json:"niche"`
	Ideas []Idea `json:"ideas"`
}

func ideationDefinition(opts Options) pipeline.Definition {
	spec := briefSpec[IdeationInput]{
		niche:  func(in *IdeationInput) string { return in.Niche },
		locale: func(in *IdeationInput) string { return in.Locale },
	}
	return pipeline.Definition{
		Kind: domain.JobKindIdeation,
		Policy: pipeline.Policy{
			SingleFlight: true,
			MinBalance:   1,
			MinCharge:    1,
			Concurrency:  3,
			Attempts:     2,
			Variants:     3,
			Timeout:      opts.StageTimeout,
		},
		Stages: []pipeline.Stage{
			{Name: StageLoadProfile, Weight: 10, Run: loadProfile(spec)},
			{Name: StageGatherTrends, Weight: 30, Run: gatherTrends[IdeationInput]},
			{Name: StageGenerateIdeas, Weight: 30, Run: generateIdeas},
			{Name: StageDifferentiate, Weight: 15, Run: differentiate},
		},
		Prepare: prepare[IdeationInput](nil),
	}
}

// generateIdeas fans out one completion per angle and keeps whatever succeeds.
func generateIdeas(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[IdeationInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	n := variantCount(b.Input.Count, sc.Policy)
	trendLine := describeTrends(trendsOf(sc))
	batches, usage, failed, err := pipeline.FanOut(ctx, n, ideaFanOut, func(ctx context.Context, i int) ([]Idea, pipeline.Usage, error) {
		angle := batchAngles[i%len(batchAngles)]
		out, usage, err := complete[ideaBatch](ctx, sc, completion.Request{
			Prompt: prompt(
				fmt.Sprintf("Propose %d video ideas focused on %s.", ideasPerBatch, angle),
				b.Profile.describe(),
				trendLine,
			),
			Locale:      b.Locale,
			Temperature: 0.9,
			Shape:       ideaBatch{Ideas: []Idea{{Title: "idea title", Angle: angle, Hook: "first sentence"}}},
		})
		return out.Ideas, usage, err
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	var ideas []Idea
	for _, batch := range batches {
		ideas = append(ideas, batch...)
	}
	ideas = dedupeIdeas(ideas)
	if len(ideas) == 0 {
		return pipeline.Failf("%w: no ideas returned", domain.ErrExternalService)
	}
	msg := fmt.Sprintf("generated %d ideas", len(ideas))
	if failed > 0 {
		msg = fmt.Sprintf("generated %d ideas (%d of %d batches failed)", len(ideas), failed, n)
	}
	return pipeline.Ok(ideas, usage, msg)
}

// differentiate asks the model to rank the candidates and explain each pick.
func differentiate(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[IdeationInput](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	ideas, err := pipeline.ArtifactAs[[]Idea](sc, StageGenerateIdeas)
	if err != nil {
		return pipeline.Fail(err)
	}
	raw, err := json.Marshal(ideas)
	if err != nil {
		return pipeline.Fail(err)
	}
	ranked, usage, err := complete[ideaBatch](ctx, sc, completion.Request{
		Prompt: prompt(
			"Order these ideas from strongest to weakest, make overlapping ideas distinct, and say why each works.",
			b.Profile.describe(),
			string(raw),
		),
		Locale:      b.Locale,
		Temperature: 0.4,
		Shape:       ideaBatch{Ideas: []Idea{{Title: "idea title", Angle: "angle", Hook: "hook", WhyItWorks: "reason"}}},
	})
	if err != nil {
		return pipeline.Fail(err)
	}
	final := dedupeIdeas(ranked.Ideas)
	if len(final) < len(ideas) {
		// Keep candidates the ranking dropped, after the ranked ones.
		final = dedupeIdeas(append(final, ideas...))
	}
	return pipeline.Ok(IdeaList{Niche: b.Profile.Niche, Ideas: final}, usage, fmt.Sprintf("%d ideas ranked", len(final)))
}

func dedupeIdeas(ideas []Idea) []Idea {
	seen := make(map[string]struct{}, len(ideas))
	out := make([]Idea, 0, len(ideas))
	for _, idea := range ideas {
		key := strings.ToLower(strings.Join(strings.Fields(idea.Title), " "))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, idea)
	}
	return out
}
