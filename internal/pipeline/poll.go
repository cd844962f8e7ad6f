package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned when a bounded poll gives up.
var ErrPollTimeout = errors.New("pipeline: condition not reached before deadline")

// Poll calls check every interval until it reports done, returns an error,
// or maxWait elapses.
func Poll(ctx context.Context, interval, maxWait time.Duration, check func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %d checks", ErrPollTimeout, attempts)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
