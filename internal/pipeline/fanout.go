package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrAllBranchesFailed is returned by FanOut when no branch succeeded.
var ErrAllBranchesFailed = errors.New("pipeline: every fan-out branch failed")

// FanOut runs n branches with at most limit in flight and keeps whatever
// succeeds. Results keep branch order; failed reports how many branches were
// dropped. Usage sums every branch, failed ones included, since a failed
// branch may still have consumed provider work. It errors only when every
// branch failed or ctx was cancelled.
func FanOut[T any](ctx context.Context, n, limit int, fn func(ctx context.Context, i int) (T, Usage, error)) (results []T, usage Usage, failed int, err error) {
	if n <= 0 {
		return nil, Usage{}, 0, nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	values := make([]T, n)
	usages := make([]Usage, n)
	errs := make([]error, n)

	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			v, u, err := fn(ctx, i)
			usages[i] = u
			if err != nil {
				errs[i] = err
				return nil
			}
			values[i] = v
			return nil
		})
	}
	_ = g.Wait()

	for _, u := range usages {
		usage = usage.Add(u)
	}
	if err := ctx.Err(); err != nil {
		return nil, usage, n, err
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			failed++
			continue
		}
		results = append(results, values[i])
	}
	if len(results) == 0 {
		return nil, usage, failed, fmt.Errorf("%w: %w", ErrAllBranchesFailed, errors.Join(errs...))
	}
	return results, usage, failed, nil
}
