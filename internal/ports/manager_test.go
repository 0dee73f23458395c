package ports

import (
	"sync"
	"testing"
	"time"

	"clashprobe/internal/shared/types"
)

func newTestManager(start, end, cooldownMs int) *Manager {
	return NewManager(types.PortsConf{
		RangeStart: start,
		RangeEnd:   end,
		CooldownMs: cooldownMs,
	})
}

func TestAcquireConcurrentDistinct(t *testing.T) {
	const k = 40
	m := newTestManager(21000, 21200, 3000)

	leases := make(chan *Lease, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leases <- m.Acquire()
		}()
	}
	wg.Wait()
	close(leases)

	seen := make(map[int]bool)
	for l := range leases {
		if l == nil {
			t.Fatal("Acquire returned nil with free range remaining")
		}
		if seen[l.Port] {
			t.Fatalf("port %d leased twice", l.Port)
		}
		seen[l.Port] = true
		if l.Port < 21000 || l.Port >= 21200 {
			t.Fatalf("port %d outside range", l.Port)
		}
	}
	if len(seen) != k {
		t.Fatalf("distinct ports = %d, want %d", len(seen), k)
	}
}

func TestReleaseRespectsCooldown(t *testing.T) {
	m := newTestManager(21300, 21301, 80)

	first := m.Acquire()
	if first == nil {
		t.Fatal("Acquire failed on empty manager")
	}
	m.Release(first)

	if l := m.Acquire(); l != nil {
		t.Fatalf("port %d re-leased during cooldown", l.Port)
	}

	time.Sleep(120 * time.Millisecond)
	second := m.Acquire()
	if second == nil {
		t.Fatal("Acquire failed after cooldown elapsed")
	}
	if second.Port != first.Port {
		t.Errorf("port = %d, want %d back", second.Port, first.Port)
	}
}

func TestAcquireExhaustionReturnsNil(t *testing.T) {
	m := newTestManager(21310, 21311, 1000)

	held := m.Acquire()
	if held == nil {
		t.Fatal("Acquire failed on empty manager")
	}
	if l := m.Acquire(); l != nil {
		t.Fatalf("second Acquire returned %d from an exhausted range", l.Port)
	}
	m.Release(held)
}

func TestAcquirePair(t *testing.T) {
	m := newTestManager(21320, 21330, 1000)

	proxy, control := m.AcquirePair()
	if proxy == nil || control == nil {
		t.Fatal("AcquirePair failed with room to spare")
	}
	if proxy.Port == control.Port {
		t.Fatalf("pair returned the same port %d", proxy.Port)
	}
	m.Release(proxy)
	m.Release(control)
}

func TestAcquirePairRollbackSkipsCooldown(t *testing.T) {
	m := newTestManager(21340, 21341, 60000)

	proxy, control := m.AcquirePair()
	if proxy != nil || control != nil {
		t.Fatalf("AcquirePair succeeded on a one-port range: %v %v", proxy, control)
	}
	// The rolled-back port never carried traffic, so it must be available
	// immediately, not after a minute of cooldown.
	if l := m.Acquire(); l == nil {
		t.Fatal("rollback put the port into cooldown")
	}
}

func TestReleaseNilIsSafe(t *testing.T) {
	m := newTestManager(21350, 21360, 1000)
	m.Release(nil)
}
