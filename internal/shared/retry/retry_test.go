package retry

import (
	"context"
	"testing"
	"time"
)

func TestDoStopsOnFirstSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 5}
	attempts, ok := p.Do(context.Background(), func(_ context.Context, attempt int) bool {
		return attempt == 2
	})
	if !ok {
		t.Fatal("Do reported failure after a successful attempt")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: time.Millisecond}
	calls := 0
	attempts, ok := p.Do(context.Background(), func(context.Context, int) bool {
		calls++
		return false
	})
	if ok {
		t.Fatal("Do reported success without any")
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3/3", attempts, calls)
	}
}

func TestDoZeroMaxStillRunsOnce(t *testing.T) {
	attempts, _ := Policy{}.Do(context.Background(), func(context.Context, int) bool {
		return false
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDoStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, Backoff: time.Minute}

	start := time.Now()
	attempts, ok := p.Do(ctx, func(context.Context, int) bool {
		cancel()
		return false
	})
	if ok {
		t.Fatal("Do reported success")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries after cancel)", attempts)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Do slept through the backoff despite cancellation (%s)", time.Since(start))
	}
}

func TestDoBackoffWaitsBetweenAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 2, Backoff: 50 * time.Millisecond}
	start := time.Now()
	p.Do(context.Background(), func(context.Context, int) bool { return false })
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("elapsed = %s, want at least one 50ms backoff", elapsed)
	}
}
