// Package kinds defines the generation kinds: their input schemas, stage
// lists and scheduling policies.
package kinds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/providers/completion"
	"creatorstudio/internal/providers/trends"
)

// Stage names shared by several kinds.
const (
	StageLoadProfile  = "load_profile"
	StageGatherTrends = "gather_trends"
)

const trendLimit = 5

// Profile is the creator style derived by a training run.
type Profile struct {
	Niche    string   `json:"niche"`
	Tone     string   `json:"tone"`
	Audience string   `json:"audience"`
	Pillars  []string `json:"pillars"`
}

func (p Profile) describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Creator niche: %s.", p.Niche)
	if p.Tone != "" {
		fmt.Fprintf(&sb, " Voice: %s.", p.Tone)
	}
	if p.Audience != "" {
		fmt.Fprintf(&sb, " Audience: %s.", p.Audience)
	}
	if len(p.Pillars) > 0 {
		fmt.Fprintf(&sb, " Content pillars: %s.", strings.Join(p.Pillars, ", "))
	}
	return sb.String()
}

// brief is the load_profile artifact: decoded input plus everything the
// later stages read about the owner.
type brief[T any] struct {
	Input   T
	Locale  string
	Profile Profile
	// Source is the result of the referenced job, when one was given.
	Source json.RawMessage
}

type briefSpec[T any] struct {
	requireTraining bool
	niche           func(*T) string
	locale          func(*T) string
	source          func(*T) string
}

// loadProfile decodes the job input, checks the owner and resolves the
// trained profile and referenced job.
func loadProfile[T any](spec briefSpec[T]) pipeline.StageFunc {
	return func(ctx context.Context, sc *pipeline.Context) pipeline.Result {
		var in T
		if err := sc.DecodeInput(&in); err != nil {
			return pipeline.Fail(err)
		}
		acc, err := sc.Services.Accounts.GetByID(ctx, sc.Job.OwnerID)
		if err != nil {
			return pipeline.Fail(fmt.Errorf("load account: %w", err))
		}
		if spec.requireTraining && !acc.Trained {
			return pipeline.Fail(domain.ErrMissingCapability)
		}

		b := &brief[T]{Input: in}
		if spec.locale != nil {
			b.Locale = spec.locale(&in)
		}
		profile, found, err := latestProfile(ctx, sc)
		if err != nil {
			return pipeline.Fail(err)
		}
		b.Profile = profile
		if spec.niche != nil {
			if niche := strings.TrimSpace(spec.niche(&in)); niche != "" {
				b.Profile.Niche = niche
			}
		}
		if b.Profile.Niche == "" {
			b.Profile.Niche = "general"
		}
		if spec.source != nil {
			if id := spec.source(&in); id != "" {
				src, err := sc.Services.Jobs.Get(ctx, sc.Job.OwnerID, id)
				if err != nil {
					return pipeline.Fail(fmt.Errorf("load source job: %w", err))
				}
				if src.Status != domain.JobStatusCompleted {
					return pipeline.Fail(fmt.Errorf("%w: source job %s is %s", domain.ErrNotFound, id, src.Status))
				}
				b.Source = src.Result
			}
		}
		msg := "profile loaded"
		if found {
			msg = "trained profile loaded"
		}
		return pipeline.Ok(b, pipeline.Usage{}, msg)
	}
}

// latestProfile returns the result of the owner's newest completed training run.
func latestProfile(ctx context.Context, sc *pipeline.Context) (Profile, bool, error) {
	page, err := sc.Services.Jobs.List(ctx, sc.Job.OwnerID, domain.JobFilter{
		Kind:   domain.JobKindTraining,
		Status: domain.JobStatusCompleted,
		Limit:  1,
	})
	if err != nil {
		return Profile{}, false, fmt.Errorf("load training profile: %w", err)
	}
	if len(page.Items) == 0 || len(page.Items[0].Result) == 0 {
		return Profile{}, false, nil
	}
	var profile Profile
	if err := json.Unmarshal(page.Items[0].Result, &profile); err != nil {
		return Profile{}, false, fmt.Errorf("decode training profile: %w", err)
	}
	return profile, true, nil
}

func briefOf[T any](sc *pipeline.Context) (*brief[T], error) {
	return pipeline.ArtifactAs[*brief[T]](sc, StageLoadProfile)
}

// gatherTrends fetches trend signals for the profile niche.
func gatherTrends[T any](ctx context.Context, sc *pipeline.Context) pipeline.Result {
	b, err := briefOf[T](sc)
	if err != nil {
		return pipeline.Fail(err)
	}
	if sc.Services.Trends == nil {
		return pipeline.Ok([]trends.Signal{}, pipeline.Usage{}, "no trend source configured")
	}
	signals, err := sc.Services.Trends.Trending(ctx, b.Profile.Niche, trendLimit)
	if err != nil {
		return pipeline.Fail(err)
	}
	return pipeline.Ok(signals, pipeline.Usage{}, fmt.Sprintf("collected %d trend signals", len(signals)))
}

func trendsOf(sc *pipeline.Context) []trends.Signal {
	signals, err := pipeline.ArtifactAs[[]trends.Signal](sc, StageGatherTrends)
	if err != nil {
		return nil
	}
	return signals
}

func describeTrends(signals []trends.Signal) string {
	if len(signals) == 0 {
		return ""
	}
	topics := make([]string, 0, len(signals))
	for _, s := range signals {
		topics = append(topics, s.Topic)
	}
	return "Trending now: " + strings.Join(topics, "; ") + "."
}

// complete runs one completion call and decodes its JSON reply into T.
func complete[T any](ctx context.Context, sc *pipeline.Context, req completion.Request) (T, pipeline.Usage, error) {
	var zero T
	if sc.Services.Completion == nil {
		return zero, pipeline.Usage{}, errors.New("no completion provider configured")
	}
	resp, err := sc.Services.Completion.Complete(ctx, req)
	if err != nil {
		return zero, pipeline.Usage{}, err
	}
	usage := pipeline.Usage{Tokens: resp.Tokens}
	out, err := completion.ParseJSON[T](resp.Text)
	if err != nil {
		return zero, usage, fmt.Errorf("%w: %s reply: %v", domain.ErrExternalService, resp.Provider, err)
	}
	return out, usage, nil
}

func prompt(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

// variantCount picks the requested fan-out width, falling back to the policy.
func variantCount(requested int, policy pipeline.Policy) int {
	if requested > 0 {
		return requested
	}
	return max(policy.Variants, 1)
}

func sourceContext(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return "Build on this earlier result: " + string(raw)
}
