package kinds

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorstudio/internal/adapter/memory"
	"creatorstudio/internal/domain"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/providers/completion"
	"creatorstudio/internal/providers/files"
	"creatorstudio/internal/providers/image"
	"creatorstudio/internal/providers/trends"
	"creatorstudio/internal/storage"
)

const owner = "owner-1"

// flakyCompletion fails every call whose prompt contains failOn.
type flakyCompletion struct {
	completion.Provider
	failOn string
}

func (f flakyCompletion) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	if f.failOn != "" && strings.Contains(req.Prompt, f.failOn) {
		return nil, errors.Join(domain.ErrExternalService, errors.New("upstream 503"))
	}
	return f.Provider.Complete(ctx, req)
}

type rig struct {
	store    *memory.Store
	files    *files.Local
	blobRoot string
	exec     *pipeline.Executor
	registry *pipeline.Registry
}

func newRig(t *testing.T, provider completion.Provider) *rig {
	t.Helper()
	store := memory.NewStore()
	store.PutAccount(domain.Account{ID: owner, Credits: 50})
	root := t.TempDir()
	blobs, err := storage.NewFileStore(root, "http://cdn.test/static")
	require.NoError(t, err)
	local := files.NewLocal(2)

	reg := pipeline.NewRegistry()
	require.NoError(t, Register(reg, Options{
		StageTimeout:       5 * time.Second,
		ActivationInterval: time.Millisecond,
		ActivationTimeout:  time.Second,
	}))
	if provider == nil {
		provider = completion.NewStatic()
	}
	logger := zerolog.New(io.Discard)
	exec := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Registry:  reg,
		Jobs:      store,
		Ledger:    store,
		Publisher: pipeline.NewPublisher(nil, store, logger),
		Services: pipeline.Services{
			Completion: provider,
			Images:     image.NewSynthetic(),
			Trends:     trends.NewStaticSource(),
			Files:      local,
			Blobs:      blobs,
			Accounts:   store.Accounts(),
			Jobs:       store,
		},
		TokensPerCredit: 1000,
		Logger:          logger,
	})
	return &rig{store: store, files: local, blobRoot: root, exec: exec, registry: reg}
}

// run prepares input like intake does and executes it as a final attempt.
func (r *rig) run(t *testing.T, kind domain.JobKind, input string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	def, err := r.registry.Lookup(kind)
	require.NoError(t, err)
	prepared, err := def.Prepare(json.RawMessage(input), "en")
	require.NoError(t, err)
	job := &domain.Job{OwnerID: owner, Kind: kind, Input: prepared.Input, SingleFlight: def.Policy.SingleFlight}
	require.NoError(t, r.store.Create(ctx, job))
	_ = r.exec.Execute(ctx, pipeline.Task{JobID: job.ID, ItemID: "item-" + job.ID, Attempt: 1, Final: true})
	got, err := r.store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	return got
}

const trainingInput = `{"niche":"coffee","samples":[{"title":"Pour over basics","transcript":"Today we dial in a pour over with a medium grind and a slow bloom."}]}`

func TestDefinitionsFitProgressBudget(t *testing.T) {
	reg := pipeline.NewRegistry()
	require.NoError(t, Register(reg, DefaultOptions()))

	assert.Len(t, reg.Kinds(), len(domain.AllJobKinds()))
	for _, def := range Definitions(DefaultOptions()) {
		assert.LessOrEqual(t, def.TotalWeight(), 100, def.Kind)
		assert.NotNil(t, def.Prepare, def.Kind)
	}
	thumbs, err := reg.Lookup(domain.JobKindThumbnailing)
	require.NoError(t, err)
	assert.Equal(t, 85, thumbs.TotalWeight())
}

func TestPrepareRejectsBadInput(t *testing.T) {
	def := scriptingDefinition(DefaultOptions())
	cases := []struct {
		name  string
		input string
		field string
	}{
		{name: "empty", input: ``, field: "input"},
		{name: "unknown field", input: `{"topic":"latte art","mood":"happy"}`, field: "input"},
		{name: "missing topic", input: `{"tone":"casual"}`, field: "topic"},
		{name: "bad tone", input: `{"topic":"latte art","tone":"sleepy"}`, field: "tone"},
		{name: "bad source id", input: `{"topic":"latte art","source_job_id":"nope"}`, field: "source_job_id"},
		{name: "trailing data", input: `{"topic":"latte art"} {}`, field: "input"},
		{name: "wrong type", input: `{"topic":42}`, field: "input"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := def.Prepare(json.RawMessage(tc.input), "en")
			require.ErrorIs(t, err, domain.ErrValidation)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Fields[0].Field)
		})
	}

	big := `{"topic":"` + strings.Repeat("a", MaxInputBytes) + `"}`
	_, err := def.Prepare(json.RawMessage(big), "en")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPrepareNormalizesInput(t *testing.T) {
	def := scriptingDefinition(DefaultOptions())
	src := "7b0c7f5e-8a4f-4c55-9d8e-1f2a3b4c5d6e"
	prepared, err := def.Prepare(json.RawMessage(`{"topic":"latte art","source_job_id":"`+src+`"}`), "id-ID")
	require.NoError(t, err)
	assert.Equal(t, src, prepared.SourceJobID)

	var in ScriptingInput
	require.NoError(t, json.Unmarshal(prepared.Input, &in))
	assert.Equal(t, "id-ID", in.Locale)

	prepared, err = def.Prepare(json.RawMessage(`{"topic":"latte art","locale":"fr"}`), "id-ID")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(prepared.Input, &in))
	assert.Equal(t, "fr", in.Locale)
}

func TestPrepareReportsNestedFields(t *testing.T) {
	def := trainingDefinition(DefaultOptions())
	_, err := def.Prepare(json.RawMessage(`{"niche":"coffee","samples":[{"title":"x","transcript":"too short"}]}`), "")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "samples[0].transcript", verr.Fields[0].Field)
	assert.Equal(t, "min=20", verr.Fields[0].Reason)
}

func TestTrainingGrantsCapability(t *testing.T) {
	r := newRig(t, nil)
	job := r.run(t, domain.JobKindTraining, trainingInput)

	require.Equal(t, domain.JobStatusCompleted, job.Status, job.ErrorMessage)
	assert.Equal(t, 100, job.Progress)
	var profile Profile
	require.NoError(t, json.Unmarshal(job.Result, &profile))
	assert.Equal(t, "Coffee", profile.Niche)

	acc, err := r.store.Accounts().GetByID(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, acc.Trained)
	assert.Equal(t, 50-job.CreditsConsumed, acc.Credits)

	_, err = os.Stat(filepath.Join(r.blobRoot, "jobs", job.ID, "attempt-1", "sample-1.txt"))
	assert.NoError(t, err)
}

func TestTrainingFailsWhenUploadsRejected(t *testing.T) {
	r := newRig(t, nil)
	r.files.FailUploads()
	job := r.run(t, domain.JobKindTraining, trainingInput)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 10, job.Progress)
	assert.Contains(t, job.ErrorMessage, StageUploadSamples)
	assert.Zero(t, job.CreditsConsumed)
	assert.Zero(t, r.store.LedgerEntries())
}

func TestScriptingNeedsTrainedOwner(t *testing.T) {
	r := newRig(t, nil)
	job := r.run(t, domain.JobKindScripting, `{"topic":"latte art"}`)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "missing capability")
	assert.Zero(t, job.CreditsConsumed)
}

func TestScriptingAfterTraining(t *testing.T) {
	r := newRig(t, nil)
	training := r.run(t, domain.JobKindTraining, trainingInput)
	require.Equal(t, domain.JobStatusCompleted, training.Status)

	job := r.run(t, domain.JobKindScripting, `{"topic":"latte art","duration_seconds":45,"source_job_id":"`+training.ID+`"}`)
	require.Equal(t, domain.JobStatusCompleted, job.Status, job.ErrorMessage)

	var script Script
	require.NoError(t, json.Unmarshal(job.Result, &script))
	assert.NotEmpty(t, script.Title)
	assert.Len(t, script.Sections, 1)
	assert.Equal(t, 45, script.EstimatedSeconds)
	assert.GreaterOrEqual(t, job.CreditsConsumed, 2)
	assert.Contains(t, job.Logs, "collected 5 trend signals")
}

func TestIdeationKeepsPartialFanOut(t *testing.T) {
	r := newRig(t, flakyCompletion{Provider: completion.NewStatic(), failOn: "focused on reactions"})
	job := r.run(t, domain.JobKindIdeation, `{"niche":"coffee","count":3}`)

	require.Equal(t, domain.JobStatusCompleted, job.Status, job.ErrorMessage)
	var list IdeaList
	require.NoError(t, json.Unmarshal(job.Result, &list))
	assert.Equal(t, "coffee", list.Niche)
	assert.NotEmpty(t, list.Ideas)
	assert.Contains(t, job.Logs, "generated 1 ideas (1 of 3 batches failed)")
}

func TestIdeationFailsWhenEveryBatchFails(t *testing.T) {
	r := newRig(t, flakyCompletion{Provider: completion.NewStatic(), failOn: "Propose"})
	job := r.run(t, domain.JobKindIdeation, `{"niche":"coffee"}`)

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 40, job.Progress)
	assert.Contains(t, job.ErrorMessage, StageGenerateIdeas)
}

func TestThumbnailingStoresVariantsAndBillsImages(t *testing.T) {
	r := newRig(t, nil)
	job := r.run(t, domain.JobKindThumbnailing, `{"title":"Best budget grinders","variants":2,"aspect_ratio":"16:9"}`)
	require.Equal(t, domain.JobStatusCompleted, job.Status, job.ErrorMessage)

	var set ThumbnailSet
	require.NoError(t, json.Unmarshal(job.Result, &set))
	require.Len(t, set.Variants, 2)
	for i, v := range set.Variants {
		assert.True(t, strings.HasPrefix(v.URL, "http://cdn.test/static/jobs/"+job.ID+"/"), v.URL)
		assert.Equal(t, 640, v.Width)
		assert.Equal(t, 360, v.Height)
		_, err := os.Stat(filepath.Join(r.blobRoot, "jobs", job.ID, "attempt-1", "variant-"+string(rune('1'+i))+".png"))
		assert.NoError(t, err)
	}
	// one credit of tokens plus one per rendered image
	assert.Equal(t, 3, job.CreditsConsumed)
}

func TestStoryBuildingExpandsEveryAct(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.store.Accounts().SetTrained(context.Background(), owner, true))
	job := r.run(t, domain.JobKindStoryBuilding, `{"premise":"A barista discovers a forgotten family recipe.","acts":2}`)
	require.Equal(t, domain.JobStatusCompleted, job.Status, job.ErrorMessage)

	var story StoryBlueprint
	require.NoError(t, json.Unmarshal(job.Result, &story))
	require.Len(t, story.Acts, 2)
	for _, act := range story.Acts {
		assert.NotEmpty(t, act.Beats)
	}
	assert.NotEmpty(t, story.Themes)
}

func TestSourceJobMustBeCompleted(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	pending := &domain.Job{OwnerID: owner, Kind: domain.JobKindIdeation}
	require.NoError(t, r.store.Create(ctx, pending))

	job := r.run(t, domain.JobKindThumbnailing, `{"title":"Best budget grinders","source_job_id":"`+pending.ID+`"}`)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "source job")
}

func TestFitPrompts(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, fitPrompts([]string{"a", " ", "b", "c"}, 2, "t"))
	assert.Equal(t, []string{"a", "a, variation 2", "a, variation 3"}, fitPrompts([]string{"a"}, 3, "t"))
	assert.Equal(t, []string{"Thumbnail for t, variation 1"}, fitPrompts(nil, 1, "t"))
}
