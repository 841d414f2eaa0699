// Package gate runs a fixed collection of independent tasks with a cap on
// how many execute concurrently.
package gate

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Task is one unit of work. The ctx passed to it is cancelled as soon as
// any sibling task fails.
type Task[T any] func(ctx context.Context) (T, error)

// Run executes all tasks and returns their results in input order.
//
// A limit of zero or less admits every task immediately. A positive limit
// caps simultaneous execution via a counting semaphore; a task blocked on
// admission holds no resources beyond its parked goroutine. Admission order
// within the waiting set is not guaranteed.
//
// The first task error aborts the call: the shared context is cancelled,
// the originating error is returned, and no partial results leak to the
// caller. Already-running siblings are not force-killed; their results are
// discarded. Run enforces no timeout of its own — bound it by cancelling
// ctx.
func Run[T any](ctx context.Context, limit int, tasks []Task[T]) ([]T, error) {
	g, ctx := errgroup.WithContext(ctx)

	var sem *semaphore.Weighted
	if limit > 0 {
		sem = semaphore.NewWeighted(int64(limit))
	}

	results := make([]T, len(tasks))
	for i, task := range tasks {
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
			}
			v, err := task(ctx)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
