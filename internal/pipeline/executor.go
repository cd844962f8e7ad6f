package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
)

// Task is one delivery of a work item to the executor.
type Task struct {
	JobID   string
	ItemID  string
	Attempt int
	// Final is set when a failure of this attempt will not be retried.
	Final bool
}

// ExecutorConfig wires the executor's collaborators.
type ExecutorConfig struct {
	Registry        *Registry
	Jobs            domain.JobStore
	Ledger          domain.CreditLedger
	Publisher       *Publisher
	Services        Services
	TokensPerCredit int
	Logger          infra.Logger
}

// Executor runs the stages of one job per call.
type Executor struct {
	registry        *Registry
	jobs            domain.JobStore
	ledger          domain.CreditLedger
	publisher       *Publisher
	services        Services
	tokensPerCredit int
	logger          infra.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	tpc := cfg.TokensPerCredit
	if tpc <= 0 {
		tpc = 1000
	}
	return &Executor{
		registry:        cfg.Registry,
		jobs:            cfg.Jobs,
		ledger:          cfg.Ledger,
		publisher:       cfg.Publisher,
		services:        cfg.Services,
		tokensPerCredit: tpc,
		logger:          infra.Component(cfg.Logger, "executor"),
	}
}

// Execute runs the job behind task. A nil return acknowledges the item; an
// error asks the broker to retry or fail it.
func (e *Executor) Execute(ctx context.Context, task Task) error {
	log := e.logger.With().Str("job_id", task.JobID).Str("item_id", task.ItemID).Int("attempt", task.Attempt).Logger()

	job, err := e.jobs.GetByID(ctx, task.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Info().Msg("job deleted before execution")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		log.Info().Str("status", string(job.Status)).Msg("job already terminal")
		return nil
	}
	log = log.With().Str("kind", string(job.Kind)).Str("owner_id", job.OwnerID).Logger()

	def, err := e.registry.Lookup(job.Kind)
	if err != nil {
		if _, ferr := e.jobs.MarkFailed(ctx, job.ID, domain.TruncateError(err.Error())); ferr != nil {
			log.Error().Err(ferr).Msg("mark failed")
		}
		return err
	}

	moved, err := e.jobs.MarkProcessing(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !moved {
		log.Info().Msg("job left the runnable states; skipping")
		return nil
	}
	job.Status = domain.JobStatusProcessing

	ref := Ref{JobID: job.ID, ItemID: task.ItemID, Attempt: task.Attempt}
	_ = e.publisher.Publish(ctx, ref, 0, "started")

	sc := NewContext(job, task.Attempt, def.Policy, e.services, log)
	progress := 0
	for _, stage := range def.Stages {
		res := e.runStage(ctx, sc, stage, def.Policy)
		if res.Err != nil {
			return e.abort(ctx, log, job, task, ref, progress, stage, res.Err)
		}
		sc.record(stage.Name, res)
		progress += stage.Weight
		line := res.Log
		if line == "" {
			line = stage.Name + " done"
		}
		_ = e.publisher.Publish(ctx, ref, progress, line)
		log.Debug().Str("stage", stage.Name).Int("progress", progress).Int("tokens", res.Usage.Tokens).Msg("stage completed")
	}

	raw, err := json.Marshal(sc.Output())
	if err != nil {
		return e.abort(ctx, log, job, task, ref, progress, def.Stages[len(def.Stages)-1], fmt.Errorf("encode result: %w", err))
	}
	usage := sc.Usage()
	credits := Cost(usage, def.Policy.MinCharge, e.tokensPerCredit)

	completed, err := e.jobs.MarkCompleted(ctx, job.ID, raw, credits)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if !completed {
		log.Warn().Msg("job no longer processing at completion; nothing charged")
		return nil
	}
	log.Info().Int("credits", credits).Int("tokens", usage.Tokens).Int("image_units", usage.ImageUnits).Msg("job completed")

	e.charge(ctx, log, job, credits)
	if def.OnCompleted != nil {
		if err := def.OnCompleted(ctx, sc); err != nil {
			log.Error().Err(err).Msg("post-completion hook failed")
		}
	}
	return nil
}

// charge deducts credits once. The stored result stands even if the ledger
// call fails.
func (e *Executor) charge(ctx context.Context, log infra.Logger, job *domain.Job, credits int) {
	if credits <= 0 || e.ledger == nil {
		return
	}
	res, err := e.ledger.Adjust(ctx, job.OwnerID, -credits, job.ID, domain.LedgerReasonJobCharge)
	if err != nil {
		log.Error().Err(err).Int("credits", credits).Msg("credit deduction failed")
		return
	}
	if !res.Applied {
		log.Warn().Int("credits", credits).Msg("credit deduction already recorded")
		return
	}
	log.Info().Int("credits", credits).Int("balance", res.Balance).Msg("credits deducted")
}

func (e *Executor) abort(ctx context.Context, log infra.Logger, job *domain.Job, task Task, ref Ref, progress int, stage Stage, cause error) error {
	stageErr := &StageError{Stage: stage.Name, Err: cause}
	if ctx.Err() != nil {
		// Shutdown: leave the record processing so the lease can be reclaimed.
		log.Warn().Err(cause).Str("stage", stage.Name).Msg("run interrupted")
		return stageErr
	}
	if !task.Final {
		log.Warn().Err(cause).Str("stage", stage.Name).Msg("stage failed; attempt will be retried")
		_ = e.publisher.Publish(ctx, ref, progress, fmt.Sprintf("attempt %d failed at %s; retrying", task.Attempt, stage.Name))
		return stageErr
	}
	msg := domain.TruncateError(stageErr.Error())
	moved, err := e.jobs.MarkFailed(ctx, job.ID, msg)
	if err != nil {
		log.Error().Err(err).Msg("mark failed")
	} else if !moved {
		log.Warn().Msg("job no longer running when marking failed")
	}
	log.Error().Err(cause).Str("stage", stage.Name).Msg("job failed")
	return stageErr
}

func (e *Executor) runStage(ctx context.Context, sc *Context, stage Stage, policy Policy) (res Result) {
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			sc.Logger.Error().Str("stage", stage.Name).Bytes("stack", debug.Stack()).Msg("stage panicked")
			res = Failf("panic: %v", r)
		}
	}()
	return stage.Run(ctx, sc)
}
