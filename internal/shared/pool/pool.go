// Package pool provides the one bounded-concurrency task runner shared by
// everything in this repo that fans work out.
package pool

import (
	"context"
	"sync"
)

// Run executes fn over every item with at most workers goroutines active at
// once, and returns the results in input order. Cancellation is fn's job: a
// task that sees a dead context should return its failure value immediately,
// Run itself always completes the slice.
func Run[T, R any](ctx context.Context, items []T, workers int, fn func(context.Context, T) R) []R {
	if workers <= 0 {
		workers = 1
	}
	results := make([]R, len(items))
	semaphore := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range items {
		wg.Add(1)
		go func(idx int, item T) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			results[idx] = fn(ctx, item)
		}(i, items[i])
	}

	wg.Wait()
	return results
}
