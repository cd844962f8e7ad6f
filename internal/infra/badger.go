package infra

import (
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// OpenBadger opens the on-disk key-value store backing the queue broker.
// An empty path opens an in-memory database, used by tests and local runs.
func OpenBadger(path string) (*badger.DB, error) {
	var opts badger.Options
	if strings.TrimSpace(path) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("badger: ensure dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return db, nil
}
