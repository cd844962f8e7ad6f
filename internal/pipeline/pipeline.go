// Package pipeline runs a job kind as an ordered list of named stages and
// folds each stage's result into the job record.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/providers/completion"
	"creatorstudio/internal/providers/files"
	"creatorstudio/internal/providers/image"
	"creatorstudio/internal/providers/trends"
)

// Usage is the metered consumption of a stage or a whole run.
type Usage struct {
	Tokens     int `json:"tokens"`
	ImageUnits int `json:"image_units"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{Tokens: u.Tokens + o.Tokens, ImageUnits: u.ImageUnits + o.ImageUnits}
}

// Result is what a stage returns. Err set means the stage failed and the run aborts.
type Result struct {
	Artifact any
	Usage    Usage
	Log      string
	Err      error
}

// Ok builds a successful stage result.
func Ok(artifact any, usage Usage, log string) Result {
	return Result{Artifact: artifact, Usage: usage, Log: log}
}

// Fail builds a failed stage result.
func Fail(err error) Result {
	if err == nil {
		err = fmt.Errorf("stage failed")
	}
	return Result{Err: err}
}

// Failf builds a failed stage result from a format string.
func Failf(format string, args ...any) Result {
	return Result{Err: fmt.Errorf(format, args...)}
}

// StageFunc executes one stage against the run context.
type StageFunc func(ctx context.Context, sc *Context) Result

// Stage is one named step of a kind. Weight is its progress delta.
type Stage struct {
	Name   string
	Weight int
	Run    StageFunc
}

// BlobStore is the write-once artifact store stages upload into.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Services are the collaborators handed to every stage.
type Services struct {
	Completion completion.Provider
	Images     image.Generator
	Trends     trends.Source
	Files      files.Service
	Blobs      BlobStore
	Accounts   domain.AccountRepository
	Jobs       domain.JobStore
}

// Context is the per-run state shared by the stages of one execution.
type Context struct {
	Job      *domain.Job
	Attempt  int
	Policy   Policy
	Services Services
	Logger   infra.Logger

	artifacts map[string]any
	last      string
	usage     Usage
}

// NewContext prepares the run state for job.
func NewContext(job *domain.Job, attempt int, policy Policy, services Services, logger infra.Logger) *Context {
	return &Context{
		Job:       job,
		Attempt:   attempt,
		Policy:    policy,
		Services:  services,
		Logger:    logger,
		artifacts: map[string]any{},
	}
}

// DecodeInput unmarshals the job input into v.
func (c *Context) DecodeInput(v any) error {
	if len(c.Job.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Job.Input, v); err != nil {
		return fmt.Errorf("decode job input: %w", err)
	}
	return nil
}

// Artifact returns the artifact produced by an earlier stage.
func (c *Context) Artifact(stage string) (any, bool) {
	v, ok := c.artifacts[stage]
	return v, ok
}

// Usage returns the usage accumulated so far.
func (c *Context) Usage() Usage {
	return c.usage
}

// Output is the artifact of the last completed stage.
func (c *Context) Output() any {
	return c.artifacts[c.last]
}

// BlobKey namespaces an artifact key under the job so delete can release it.
func (c *Context) BlobKey(name string) string {
	return fmt.Sprintf("jobs/%s/attempt-%d/%s", c.Job.ID, c.Attempt, name)
}

func (c *Context) record(stage string, res Result) {
	c.artifacts[stage] = res.Artifact
	c.last = stage
	c.usage = c.usage.Add(res.Usage)
}

// ArtifactAs returns the artifact of stage typed as T.
func ArtifactAs[T any](c *Context, stage string) (T, error) {
	var zero T
	v, ok := c.artifacts[stage]
	if !ok {
		return zero, fmt.Errorf("artifact %q not available", stage)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("artifact %q has type %T", stage, v)
	}
	return typed, nil
}

// StageError reports which stage aborted a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
