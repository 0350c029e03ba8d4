package utils

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelFactor is the worker count used when none is configured. Tests may lower it.
var ParallelFactor = max(runtime.GOMAXPROCS(0), 1)

// WorkerCount resolves a configured worker count, where values <= 0 mean ParallelFactor.
func WorkerCount(configured int) int {
	if configured <= 0 {
		return ParallelFactor
	}
	return configured
}

// ParallelForEach calls fn for every index in [0, n) using at most workers goroutines. It stops
// handing out new indices once ctx is done or fn returns an error, and returns the first error.
// fn must only write to state owned by its index.
func ParallelForEach(ctx context.Context, n, workers int, fn func(ctx context.Context, idx int) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(WorkerCount(workers))
	for i := 0; i < n && groupCtx.Err() == nil; i++ {
		i := i
		group.Go(func() (err error) {
			defer func() {
				if thePanic := recover(); thePanic != nil {
					err = fmt.Errorf("panic in parallel item %d: %v", i, thePanic)
				}
			}()
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return fn(groupCtx, i)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
