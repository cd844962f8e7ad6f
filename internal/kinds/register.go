package kinds

import (
	"fmt"
	"time"

	"creatorstudio/internal/pipeline"
)

// Options tunes stage timing.
type Options struct {
	// StageTimeout bounds each provider-facing stage call.
	StageTimeout time.Duration
	// ActivationInterval and ActivationTimeout bound the training file poll.
	ActivationInterval time.Duration
	ActivationTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		StageTimeout:       90 * time.Second,
		ActivationInterval: 2 * time.Second,
		ActivationTimeout:  2 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StageTimeout <= 0 {
		o.StageTimeout = d.StageTimeout
	}
	if o.ActivationInterval <= 0 {
		o.ActivationInterval = d.ActivationInterval
	}
	if o.ActivationTimeout <= 0 {
		o.ActivationTimeout = d.ActivationTimeout
	}
	return o
}

// Definitions returns every built-in kind.
func Definitions(opts Options) []pipeline.Definition {
	opts = opts.withDefaults()
	return []pipeline.Definition{
		trainingDefinition(opts),
		scriptingDefinition(opts),
		ideationDefinition(opts),
		thumbnailingDefinition(opts),
		storyBuildingDefinition(opts),
	}
}

// Register adds every built-in kind to reg.
func Register(reg *pipeline.Registry, opts Options) error {
	for _, def := range Definitions(opts) {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Kind, err)
		}
	}
	return nil
}
