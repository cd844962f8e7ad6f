// Package status turns a job's broker and record state into a stream of
// change events for one client connection.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
	"creatorstudio/internal/queue"
)

// LifetimeExceeded is the message of the last event of a stream that hit its maximum lifetime.
const LifetimeExceeded = "stream lifetime exceeded; reconnect to resume"

// Event states.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Event is one status update pushed to the client.
type Event struct {
	JobID    string          `json:"jobId"`
	State    string          `json:"state"`
	Progress int             `json:"progress"`
	Message  string          `json:"message"`
	Finished bool            `json:"finished"`
	Error    string          `json:"error,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (e Event) sameAs(o Event) bool {
	return e.State == o.State && e.Progress == o.Progress && e.Message == o.Message && e.Finished == o.Finished
}

// Emitter delivers one event to the client.
type Emitter func(Event) error

type Config struct {
	Jobs         domain.JobStore
	Broker       queue.Broker
	PollInterval time.Duration
	MaxLifetime  time.Duration
	// Grace is how long a new pending record may lack a queue reference
	// before the stream reports it as awaiting reconciliation.
	Grace  time.Duration
	Logger infra.Logger
	Now    func() time.Time
}

type Gateway struct {
	jobs     domain.JobStore
	broker   queue.Broker
	interval time.Duration
	lifetime time.Duration
	grace    time.Duration
	logger   infra.Logger
	now      func() time.Time
}

func NewGateway(cfg Config) *Gateway {
	g := &Gateway{
		jobs:     cfg.Jobs,
		broker:   cfg.Broker,
		interval: cfg.PollInterval,
		lifetime: cfg.MaxLifetime,
		grace:    cfg.Grace,
		logger:   infra.Component(cfg.Logger, "status"),
		now:      cfg.Now,
	}
	if g.interval <= 0 {
		g.interval = time.Second
	}
	if g.lifetime <= 0 {
		g.lifetime = 10 * time.Minute
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Open loads the owner's record so callers can reject unknown ids before
// switching the connection into streaming mode.
func (g *Gateway) Open(ctx context.Context, ownerID, jobID string) (*Stream, error) {
	job, err := g.jobs.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	return &Stream{g: g, ownerID: ownerID, job: job}, nil
}

// Stream follows one job for one connection.
type Stream struct {
	g       *Gateway
	ownerID string
	job     *domain.Job
	last    Event
	sent    bool
}

// Run emits the current snapshot, then every change until the job is
// terminal, the lifetime elapses or ctx ends.
func (s *Stream) Run(ctx context.Context, emit Emitter) error {
	log := s.g.logger.With().Str("job_id", s.job.ID).Str("owner_id", s.ownerID).Logger()
	deadline := time.NewTimer(s.g.lifetime)
	defer deadline.Stop()
	ticker := time.NewTicker(s.g.interval)
	defer ticker.Stop()

	ev, done := s.poll(ctx)
	if err := s.send(emit, ev); err != nil || done {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("client went away")
			return nil
		case <-deadline.C:
			ev := s.last
			ev.Message = LifetimeExceeded
			ev.Finished = false
			log.Debug().Msg("stream lifetime exceeded")
			return emit(ev)
		case <-ticker.C:
			ev, done := s.poll(ctx)
			if err := s.send(emit, ev); err != nil || done {
				return err
			}
		}
	}
}

func (s *Stream) send(emit Emitter, ev Event) error {
	if s.sent && ev.sameAs(s.last) {
		return nil
	}
	s.sent = true
	s.last = ev
	return emit(ev)
}

// poll builds the current event and reports whether it is terminal.
func (s *Stream) poll(ctx context.Context) (Event, bool) {
	var item *queue.Item
	if s.job.QueueRef != "" {
		it, err := s.g.broker.Get(ctx, s.job.QueueRef)
		switch {
		case err == nil && it.JobID == s.job.ID:
			item = it
		case err == nil, errors.Is(err, queue.ErrItemNotFound):
			// An item bound to another job is treated as missing.
		default:
			s.g.logger.Warn().Err(err).Str("job_id", s.job.ID).Msg("read work item failed")
			return s.fromRecord(s.job), false
		}
	}

	if item == nil || item.State.Finished() {
		// Missing or finished items are resolved against the record.
		job, err := s.g.jobs.Get(ctx, s.ownerID, s.job.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return s.terminalFailure("job no longer exists"), true
		}
		if err != nil {
			s.g.logger.Warn().Err(err).Str("job_id", s.job.ID).Msg("read job failed")
			return s.last, false
		}
		s.job = job
		if job.Status.Terminal() {
			return s.fromRecord(job), true
		}
		if item == nil {
			return s.withoutItem(job)
		}
		if item.State == queue.StateFailed {
			return s.terminalFailure(defaultText(item.FailedReason, "work item failed")), true
		}
		// Item acknowledged ahead of the record write; keep polling.
		return s.fromRecord(job), false
	}
	return s.fromItem(item), false
}

// withoutItem handles a live record whose work item is absent.
func (s *Stream) withoutItem(job *domain.Job) (Event, bool) {
	if job.Status == domain.JobStatusProcessing {
		return s.terminalFailure("work item no longer exists"), true
	}
	ev := s.fromRecord(job)
	if job.QueueRef == "" && s.g.now().Sub(job.CreatedAt) < s.g.grace {
		ev.Message = "waiting for queue"
	} else {
		ev.Message = "waiting for reconciliation"
	}
	return ev, false
}

func (s *Stream) fromItem(item *queue.Item) Event {
	state := StateActive
	if item.State == queue.StateWaiting {
		state = StateWaiting
	}
	msg := lastLine(item.Logs)
	if msg == "" {
		msg = defaultMessage(state)
	}
	return Event{
		JobID:    s.job.ID,
		State:    state,
		Progress: s.runningMax(item.Progress),
		Message:  msg,
	}
}

func (s *Stream) fromRecord(job *domain.Job) Event {
	ev := Event{
		JobID:    job.ID,
		State:    stateOf(job.Status),
		Progress: s.runningMax(job.Progress),
		Message:  lastLine(job.Logs),
	}
	switch job.Status {
	case domain.JobStatusCompleted:
		ev.Finished = true
		ev.Progress = 100
		ev.Data = job.Result
		ev.Message = "completed"
	case domain.JobStatusFailed:
		ev.Finished = true
		ev.Error = defaultText(job.ErrorMessage, "job failed")
		ev.Message = "failed"
	}
	if ev.Message == "" {
		ev.Message = defaultMessage(ev.State)
	}
	return ev
}

func (s *Stream) terminalFailure(reason string) Event {
	return Event{
		JobID:    s.job.ID,
		State:    StateFailed,
		Progress: s.last.Progress,
		Message:  "failed",
		Finished: true,
		Error:    reason,
	}
}

// runningMax keeps the reported progress from moving backwards across retries.
func (s *Stream) runningMax(p int) int {
	return max(domain.ClampProgress(p), s.last.Progress)
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func stateOf(status domain.JobStatus) string {
	switch status {
	case domain.JobStatusPending:
		return StateWaiting
	case domain.JobStatusProcessing:
		return StateActive
	case domain.JobStatusCompleted:
		return StateCompleted
	default:
		return StateFailed
	}
}

func defaultMessage(state string) string {
	switch state {
	case StateWaiting:
		return "queued"
	case StateActive:
		return "processing"
	default:
		return state
	}
}

func defaultText(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
