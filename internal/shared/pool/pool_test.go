package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunPreservesOrder(t *testing.T) {
	items := []int{5, 3, 8, 1, 9, 2}
	results := Run(context.Background(), items, 3, func(_ context.Context, n int) int {
		return n * 10
	})
	if len(results) != len(items) {
		t.Fatalf("results = %d, want %d", len(results), len(items))
	}
	for i, n := range items {
		if results[i] != n*10 {
			t.Errorf("results[%d] = %d, want %d", i, results[i], n*10)
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	const workers = 4
	var active, peak int64

	items := make([]int, 40)
	Run(context.Background(), items, workers, func(_ context.Context, _ int) struct{} {
		cur := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return struct{}{}
	})

	if p := atomic.LoadInt64(&peak); p > workers {
		t.Errorf("peak concurrency = %d, want <= %d", p, workers)
	}
	if p := atomic.LoadInt64(&peak); p == 0 {
		t.Error("nothing ran")
	}
}

func TestRunZeroWorkersStillRuns(t *testing.T) {
	results := Run(context.Background(), []int{1, 2, 3}, 0, func(_ context.Context, n int) int {
		return n
	})
	if len(results) != 3 || results[2] != 3 {
		t.Fatalf("results = %v", results)
	}
}

func TestRunPassesContextThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := Run(ctx, []int{1, 2}, 2, func(ctx context.Context, n int) bool {
		return ctx.Err() != nil
	})
	for i, sawCancel := range results {
		if !sawCancel {
			t.Errorf("task %d did not observe cancellation", i)
		}
	}
}
