package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"creatorstudio/internal/domain"
	"creatorstudio/internal/infra"
)

// Policy is the intake and scheduling policy of a kind.
type Policy struct {
	SingleFlight     bool
	MinBalance       int
	MinCharge        int
	RequiresTraining bool
	Concurrency      int
	Attempts         int
	Backoff          time.Duration
	RatePerMinute    int
	Variants         int
	// Timeout bounds each stage call.
	Timeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Concurrency <= 0 {
		p.Concurrency = 2
	}
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = 5 * time.Second
	}
	if p.MinCharge <= 0 {
		p.MinCharge = 1
	}
	if p.Variants <= 0 {
		p.Variants = 1
	}
	return p
}

// Prepared is validated submission input.
type Prepared struct {
	Input json.RawMessage
	// SourceJobID references an earlier job of the same owner the run builds on.
	SourceJobID string
}

// Definition binds a kind to its stages and policy.
type Definition struct {
	Kind   domain.JobKind
	Policy Policy
	Stages []Stage
	// Prepare validates and normalizes raw submission input. locale is the
	// caller's resolved locale, used when the input does not name one.
	Prepare func(raw json.RawMessage, locale string) (Prepared, error)
	// OnCompleted runs once after the record transitioned to completed.
	OnCompleted func(ctx context.Context, sc *Context) error
}

// TotalWeight is the progress the stages account for before completion.
func (d *Definition) TotalWeight() int {
	total := 0
	for _, s := range d.Stages {
		total += s.Weight
	}
	return total
}

// Registry holds the kind definitions.
type Registry struct {
	mu    sync.RWMutex
	kinds map[domain.JobKind]*Definition
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[domain.JobKind]*Definition{}}
}

// Register validates and adds def.
func (r *Registry) Register(def Definition) error {
	if _, err := domain.ParseJobKind(string(def.Kind)); err != nil {
		return err
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("pipeline: kind %s has no stages", def.Kind)
	}
	seen := map[string]struct{}{}
	total := 0
	for _, s := range def.Stages {
		if s.Name == "" || s.Run == nil {
			return fmt.Errorf("pipeline: kind %s has an incomplete stage", def.Kind)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("pipeline: kind %s repeats stage %s", def.Kind, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Weight < 0 {
			return fmt.Errorf("pipeline: stage %s has negative weight", s.Name)
		}
		total += s.Weight
	}
	if total > 100 {
		return fmt.Errorf("pipeline: kind %s stage weights sum to %d", def.Kind, total)
	}
	def.Policy = def.Policy.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[def.Kind]; exists {
		return fmt.Errorf("pipeline: kind %s already registered", def.Kind)
	}
	d := def
	r.kinds[def.Kind] = &d
	return nil
}

// Lookup returns the definition of kind.
func (r *Registry) Lookup(kind domain.JobKind) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, kind)
	}
	return def, nil
}

// Kinds lists registered kinds in name order.
func (r *Registry) Kinds() []domain.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.JobKind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ApplyOverrides adjusts registered policies from the kinds config file.
func (r *Registry) ApplyOverrides(overrides map[string]infra.KindOverride) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, o := range overrides {
		kind, err := domain.ParseJobKind(name)
		if err != nil {
			return err
		}
		def, ok := r.kinds[kind]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, kind)
		}
		p := def.Policy
		if o.MinBalance != nil {
			p.MinBalance = *o.MinBalance
		}
		if o.SingleFlight != nil {
			p.SingleFlight = *o.SingleFlight
		}
		if o.RequiresTraining != nil {
			p.RequiresTraining = *o.RequiresTraining
		}
		if o.Concurrency != nil {
			p.Concurrency = *o.Concurrency
		}
		if o.Attempts != nil {
			p.Attempts = *o.Attempts
		}
		if o.BackoffSeconds != nil {
			p.Backoff = time.Duration(*o.BackoffSeconds) * time.Second
		}
		if o.RatePerMinute != nil {
			p.RatePerMinute = *o.RatePerMinute
		}
		if o.Variants != nil {
			p.Variants = *o.Variants
		}
		if o.TimeoutSeconds != nil {
			p.Timeout = time.Duration(*o.TimeoutSeconds) * time.Second
		}
		def.Policy = p.withDefaults()
	}
	return nil
}
