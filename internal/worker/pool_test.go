package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorstudio/internal/adapter/memory"
	"creatorstudio/internal/domain"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/queue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	store  *memory.Store
	broker *queue.BadgerBroker
	pool   *Pool
	clock  *clock
}

func newEnv(t *testing.T, stage pipeline.StageFunc, policy pipeline.Policy, useClock bool) *env {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := &clock{now: time.Now()}
	var opts []queue.Option
	if useClock {
		opts = append(opts, queue.WithClock(c.Now))
	}
	broker, err := queue.NewBadgerBroker(db, logger, opts...)
	require.NoError(t, err)

	store := memory.NewStore()
	store.PutAccount(domain.Account{ID: "owner", Credits: 10})
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Register(pipeline.Definition{
		Kind:   domain.JobKindIdeation,
		Policy: policy,
		Stages: []pipeline.Stage{{Name: "only", Weight: 50, Run: stage}},
	}))
	exec := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Registry:  reg,
		Jobs:      store,
		Ledger:    store,
		Publisher: pipeline.NewPublisher(broker, store, logger),
		Services:  pipeline.Services{Jobs: store, Accounts: store.Accounts()},
		Logger:    logger,
	})
	pool := NewPool(Config{
		Registry:      reg,
		Broker:        broker,
		Executor:      exec,
		PollInterval:  5 * time.Millisecond,
		LeaseDuration: time.Minute,
		Logger:        logger,
	})
	return &env{store: store, broker: broker, pool: pool, clock: c}
}

func (e *env) enqueue(t *testing.T, attempts int) (*domain.Job, string) {
	t.Helper()
	ctx := context.Background()
	job := &domain.Job{OwnerID: "owner", Kind: domain.JobKindIdeation, Input: json.RawMessage(`{}`)}
	require.NoError(t, e.store.Create(ctx, job))
	ref, err := e.broker.Add(ctx, string(job.Kind), job.ID, job.OwnerID, job.Input, queue.AddOptions{
		ID:       "item-" + job.ID,
		Attempts: attempts,
		Backoff:  time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.SetQueueRef(ctx, job.ID, ref))
	return job, ref
}

func succeed(ctx context.Context, sc *pipeline.Context) pipeline.Result {
	return pipeline.Ok(map[string]int{"n": 1}, pipeline.Usage{Tokens: 10}, "")
}

func TestProcessOneCompletesItemAndRecord(t *testing.T) {
	e := newEnv(t, succeed, pipeline.Policy{}, false)
	job, ref := e.enqueue(t, 1)
	ctx := context.Background()

	handled, err := e.pool.ProcessOne(ctx, domain.JobKindIdeation)
	require.NoError(t, err)
	require.True(t, handled)

	item, err := e.broker.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, item.State)
	assert.Equal(t, 100, item.Progress)

	got, err := e.store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, e.store.LedgerEntries())

	handled, err = e.pool.ProcessOne(ctx, domain.JobKindIdeation)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestFailedAttemptIsRetriedThenFailsRecord(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, sc *pipeline.Context) pipeline.Result {
		calls.Add(1)
		return pipeline.Fail(errors.Join(domain.ErrExternalService, errors.New("quota exceeded")))
	}
	e := newEnv(t, flaky, pipeline.Policy{}, true)
	job, ref := e.enqueue(t, 2)
	ctx := context.Background()

	handled, err := e.pool.ProcessOne(ctx, domain.JobKindIdeation)
	require.NoError(t, err)
	require.True(t, handled)

	item, err := e.broker.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, item.State)
	got, _ := e.store.GetByID(ctx, job.ID)
	assert.Equal(t, domain.JobStatusProcessing, got.Status)

	handled, err = e.pool.ProcessOne(ctx, domain.JobKindIdeation)
	require.NoError(t, err)
	assert.False(t, handled, "backoff keeps the item invisible")

	e.clock.Advance(2 * time.Second)
	handled, err = e.pool.ProcessOne(ctx, domain.JobKindIdeation)
	require.NoError(t, err)
	require.True(t, handled)

	item, err = e.broker.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, item.State)
	assert.Contains(t, item.FailedReason, "quota exceeded")

	got, _ = e.store.GetByID(ctx, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Zero(t, got.CreditsConsumed)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, e.store.LedgerEntries())
}

func TestDeletedJobIsAcknowledged(t *testing.T) {
	e := newEnv(t, succeed, pipeline.Policy{}, false)
	job, ref := e.enqueue(t, 1)
	ctx := context.Background()
	_, err := e.store.Delete(ctx, "owner", job.ID)
	require.NoError(t, err)

	handled, err := e.pool.ProcessOne(ctx, domain.JobKindIdeation)
	require.NoError(t, err)
	require.True(t, handled)
	item, err := e.broker.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, item.State)
	assert.Zero(t, e.store.LedgerEntries())
}

func TestRunDrainsQueueWithConcurrencyLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	slow := func(ctx context.Context, sc *pipeline.Context) pipeline.Result {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return pipeline.Ok(nil, pipeline.Usage{}, "")
	}
	e := newEnv(t, slow, pipeline.Policy{Concurrency: 2}, false)
	var jobs []*domain.Job
	for i := 0; i < 5; i++ {
		job, _ := e.enqueue(t, 1)
		jobs = append(jobs, job)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, j := range jobs {
			got, err := e.store.GetByID(context.Background(), j.ID)
			if err != nil || got.Status != domain.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 5, e.store.LedgerEntries())
}

func TestHeartbeatKeepsLeaseDuringLongStage(t *testing.T) {
	long := func(ctx context.Context, sc *pipeline.Context) pipeline.Result {
		time.Sleep(150 * time.Millisecond)
		return pipeline.Ok(nil, pipeline.Usage{}, "")
	}
	e := newEnv(t, long, pipeline.Policy{}, false)
	e.pool.lease = 60 * time.Millisecond
	job, ref := e.enqueue(t, 1)
	ctx := context.Background()

	handled, err := e.pool.ProcessOne(ctx, domain.JobKindIdeation)
	require.NoError(t, err)
	require.True(t, handled)

	item, err := e.broker.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, item.State)
	assert.Equal(t, 1, item.Attempts)
	got, _ := e.store.GetByID(ctx, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
}

func TestLimiterFollowsPolicy(t *testing.T) {
	e := newEnv(t, succeed, pipeline.Policy{RatePerMinute: 30}, false)
	l := e.pool.limiter(domain.JobKindIdeation)
	require.NotNil(t, l)
	assert.InDelta(t, 0.5, float64(l.Limit()), 0.0001)
	assert.Same(t, l, e.pool.limiter(domain.JobKindIdeation))

	unlimited := newEnv(t, succeed, pipeline.Policy{}, false)
	assert.Nil(t, unlimited.pool.limiter(domain.JobKindIdeation))
}
