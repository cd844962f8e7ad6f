package infra

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// KindOverride adjusts the built-in policy of one job kind. Nil fields keep the default.
type KindOverride struct {
	MinBalance       *int  `toml:"min_balance"`
	SingleFlight     *bool `toml:"single_flight"`
	RequiresTraining *bool `toml:"requires_training"`
	Concurrency      *int  `toml:"concurrency"`
	Attempts         *int  `toml:"attempts"`
	BackoffSeconds   *int  `toml:"backoff_seconds"`
	RatePerMinute    *int  `toml:"rate_per_minute"`
	Variants         *int  `toml:"variants"`
	TimeoutSeconds   *int  `toml:"timeout_seconds"`
}

type kindsFile struct {
	Kinds map[string]KindOverride `toml:"kinds"`
}

// LoadKindOverrides reads a TOML file of the form
//
//	[kinds.ideation]
//	concurrency = 3
//	min_balance = 1
//
// An empty path yields no overrides.
func LoadKindOverrides(path string) (map[string]KindOverride, error) {
	if strings.TrimSpace(path) == "" {
		return map[string]KindOverride{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kinds config: %w", err)
	}
	return ParseKindOverrides(data)
}

// ParseKindOverrides decodes the kinds TOML document.
func ParseKindOverrides(data []byte) (map[string]KindOverride, error) {
	var file kindsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse kinds config: %w", err)
	}
	out := make(map[string]KindOverride, len(file.Kinds))
	for name, override := range file.Kinds {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
		out[key] = override
	}
	return out, nil
}
