package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
)

func TestRegistryRejectsOverweightKinds(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Definition{
		Kind:   domain.JobKindIdeation,
		Stages: []Stage{okStage("a", 60, 0), okStage("b", 50, 0)},
	})
	assert.Error(t, err)

	err = reg.Register(Definition{
		Kind:   domain.JobKindIdeation,
		Stages: []Stage{okStage("a", 10, 0), okStage("a", 10, 0)},
	})
	assert.Error(t, err, "duplicate stage names")

	require.NoError(t, reg.Register(Definition{
		Kind:   domain.JobKindIdeation,
		Stages: []Stage{okStage("a", 10, 0), okStage("b", 90, 0)},
	}))
	assert.Error(t, reg.Register(Definition{Kind: domain.JobKindIdeation, Stages: []Stage{okStage("a", 1, 0)}}))

	_, err = reg.Lookup(domain.JobKindTraining)
	assert.ErrorIs(t, err, domain.ErrUnsupportedKind)
}

func TestRegistryAppliesOverrides(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Kind:   domain.JobKindThumbnailing,
		Policy: Policy{MinBalance: 2, Variants: 3},
		Stages: []Stage{okStage("a", 10, 0)},
	}))
	overrides, err := infra.ParseKindOverrides([]byte(`
[kinds.thumbnailing]
variants = 5
backoff_seconds = 30
concurrency = 4
`))
	require.NoError(t, err)
	require.NoError(t, reg.ApplyOverrides(overrides))

	def, err := reg.Lookup(domain.JobKindThumbnailing)
	require.NoError(t, err)
	assert.Equal(t, 5, def.Policy.Variants)
	assert.Equal(t, 30*time.Second, def.Policy.Backoff)
	assert.Equal(t, 4, def.Policy.Concurrency)
	assert.Equal(t, 2, def.Policy.MinBalance)

	assert.Error(t, reg.ApplyOverrides(map[string]infra.KindOverride{"ideation": {}}))
}

func TestCost(t *testing.T) {
	cases := []struct {
		name  string
		usage Usage
		min   int
		want  int
	}{
		{name: "minimum applies", usage: Usage{Tokens: 10}, min: 2, want: 2},
		{name: "tokens round up", usage: Usage{Tokens: 2001}, min: 1, want: 3},
		{name: "images add", usage: Usage{Tokens: 500, ImageUnits: 3}, min: 2, want: 5},
		{name: "zero usage", usage: Usage{}, min: 1, want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Cost(tc.usage, tc.min, 1000))
		})
	}
}

func TestFanOutKeepsPartialSuccess(t *testing.T) {
	var inflight, peak int32
	results, _, failed, err := FanOut(context.Background(), 5, 2, func(ctx context.Context, i int) (int, Usage, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		if i%2 == 1 {
			return 0, Usage{}, errors.New("variant failed")
		}
		return i * 10, Usage{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 20, 40}, results)
	assert.Equal(t, 2, failed)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestFanOutCountsUsageOfFailedBranches(t *testing.T) {
	results, usage, failed, err := FanOut(context.Background(), 3, 3, func(ctx context.Context, i int) (string, Usage, error) {
		if i == 1 {
			return "", Usage{Tokens: 250}, errors.New("unparseable reply")
		}
		return "ok", Usage{Tokens: 100, ImageUnits: 1}, nil
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 1, failed)
	assert.Equal(t, Usage{Tokens: 450, ImageUnits: 2}, usage)
}

func TestFanOutAllFailed(t *testing.T) {
	_, usage, failed, err := FanOut(context.Background(), 3, 3, func(ctx context.Context, i int) (string, Usage, error) {
		return "", Usage{Tokens: 10}, errors.New("nope")
	})
	assert.ErrorIs(t, err, ErrAllBranchesFailed)
	assert.Equal(t, 3, failed)
	assert.Equal(t, 30, usage.Tokens)
}

func TestPollStopsWhenDone(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollTimesOut(t *testing.T) {
	err := Poll(context.Background(), 5*time.Millisecond, 20*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestPollPropagatesCheckError(t *testing.T) {
	boom := errors.New("file failed")
	err := Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestArtifactAs(t *testing.T) {
	sc := NewContext(&domain.Job{ID: "j"}, 1, Policy{}, Services{}, infra.Logger{})
	sc.record("outline", Ok([]string{"act 1"}, Usage{Tokens: 5}, ""))

	got, err := ArtifactAs[[]string](sc, "outline")
	require.NoError(t, err)
	assert.Equal(t, []string{"act 1"}, got)

	_, err = ArtifactAs[int](sc, "outline")
	assert.Error(t, err)
	_, err = ArtifactAs[int](sc, "missing")
	assert.Error(t, err)
	assert.Equal(t, 5, sc.Usage().Tokens)
	assert.Equal(t, "jobs/j/attempt-1/thumb.png", sc.BlobKey("thumb.png"))
}
