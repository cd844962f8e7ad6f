// Package worker consumes work items from the broker and hands them to the
// pipeline executor, one consumer group per kind.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/pipeline"
	"creatorstudio/internal/queue"
)

const ackTimeout = 10 * time.Second

// Executor runs one delivery of a work item.
type Executor interface {
	Execute(ctx context.Context, task pipeline.Task) error
}

type Config struct {
	Registry      *pipeline.Registry
	Broker        queue.Broker
	Executor      Executor
	PollInterval  time.Duration
	LeaseDuration time.Duration
	Logger        infra.Logger
}

// Pool runs Policy.Concurrency consumers for every registered kind.
type Pool struct {
	registry     *pipeline.Registry
	broker       queue.Broker
	executor     Executor
	pollInterval time.Duration
	lease        time.Duration
	logger       infra.Logger

	mu       sync.Mutex
	limiters map[domain.JobKind]*rate.Limiter
}

func NewPool(cfg Config) *Pool {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = time.Minute
	}
	return &Pool{
		registry:     cfg.Registry,
		broker:       cfg.Broker,
		executor:     cfg.Executor,
		pollInterval: poll,
		lease:        lease,
		logger:       infra.Component(cfg.Logger, "worker"),
		limiters:     map[domain.JobKind]*rate.Limiter{},
	}
}

// Run blocks until ctx is cancelled and every in-flight item has returned.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, kind := range p.registry.Kinds() {
		def, err := p.registry.Lookup(kind)
		if err != nil {
			return err
		}
		n := max(def.Policy.Concurrency, 1)
		p.logger.Info().Str("kind", string(kind)).Int("concurrency", n).Int("rate_per_minute", def.Policy.RatePerMinute).Msg("starting consumers")
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.consume(ctx, kind)
			}()
		}
	}
	<-ctx.Done()
	wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return nil
}

func (p *Pool) consume(ctx context.Context, kind domain.JobKind) {
	for ctx.Err() == nil {
		handled, err := p.ProcessOne(ctx, kind)
		if err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Str("kind", string(kind)).Msg("claim failed")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// ProcessOne claims and runs a single item of kind. It reports whether an
// item was claimed.
func (p *Pool) ProcessOne(ctx context.Context, kind domain.JobKind) (bool, error) {
	lease, err := p.broker.Claim(ctx, string(kind), p.lease)
	if errors.Is(err, queue.ErrNoItem) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.handle(ctx, kind, lease)
	return true, nil
}

func (p *Pool) handle(ctx context.Context, kind domain.JobKind, lease *queue.Lease) {
	item := lease.Item
	log := p.logger.With().
		Str("kind", string(kind)).
		Str("item_id", item.ID).
		Str("job_id", item.JobID).
		Int("attempt", item.Attempts).
		Logger()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(runCtx, cancel, lease, log)
	}()

	var err error
	if limiter := p.limiter(kind); limiter != nil {
		err = limiter.Wait(runCtx)
	}
	if err == nil {
		err = p.executor.Execute(runCtx, pipeline.Task{
			JobID:   item.JobID,
			ItemID:  item.ID,
			Attempt: item.Attempts,
			Final:   item.FinalAttempt(),
		})
	}
	leaseLost := runCtx.Err() != nil && ctx.Err() == nil
	cancel()
	<-heartbeatDone

	if ctx.Err() != nil && err != nil {
		log.Warn().Err(err).Msg("shutdown interrupted item; lease left to expire")
		return
	}
	if leaseLost {
		log.Warn().Msg("lease lost during execution; item belongs to another consumer")
		return
	}

	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer ackCancel()
	if err == nil {
		if cerr := p.broker.Complete(ackCtx, lease, nil); cerr != nil {
			log.Error().Err(cerr).Msg("acknowledge item failed")
		}
		return
	}
	retry, ferr := p.broker.Fail(ackCtx, lease, domain.TruncateError(err.Error()))
	if ferr != nil {
		log.Error().Err(ferr).Msg("record item failure failed")
		return
	}
	log.Warn().Err(err).Bool("retry", retry).Msg("item failed")
}

// heartbeat extends the lease until ctx ends. Losing the lease cancels the run.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, lease *queue.Lease, log infra.Logger) {
	ticker := time.NewTicker(max(p.lease/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.broker.Extend(ctx, lease, p.lease)
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn().Msg("lease lost; cancelling run")
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("extend lease failed")
			}
		}
	}
}

// limiter returns the per-kind start rate limiter, or nil when unlimited.
func (p *Pool) limiter(kind domain.JobKind) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[kind]; ok {
		return l
	}
	def, err := p.registry.Lookup(kind)
	if err != nil || def.Policy.RatePerMinute <= 0 {
		p.limiters[kind] = nil
		return nil
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(def.Policy.RatePerMinute)), 1)
	p.limiters[kind] = l
	return l
}
