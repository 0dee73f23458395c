package runtime

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"clashprobe/internal/shared/types"
)

func testRuntimeConf() types.RuntimeConf {
	return types.RuntimeConf{
		Binary:           "/nonexistent/clashprobe-test-binary",
		StartupTimeoutMs: 500,
		PollIntervalMs:   10,
		ConsecutiveOK:    3,
		StopGraceMs:      100,
	}
}

func TestWaitForControlNeedsConsecutiveSuccesses(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&requests, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := waitForControl(context.Background(), server.URL, 5*time.Millisecond, 3, 2*time.Second, make(chan struct{}))
	if err != nil {
		t.Fatalf("waitForControl failed: %v", err)
	}
	if n := atomic.LoadInt64(&requests); n != 5 {
		t.Errorf("requests = %d, want 2 failures + 3 consecutive successes", n)
	}
}

func TestWaitForControlResetsCounterOnFailure(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Answers ok, ok, fail, then ok forever: the two early successes
		// must not count toward the final streak.
		n := atomic.AddInt64(&requests, 1)
		if n == 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := waitForControl(context.Background(), server.URL, 5*time.Millisecond, 3, 2*time.Second, make(chan struct{}))
	if err != nil {
		t.Fatalf("waitForControl failed: %v", err)
	}
	if n := atomic.LoadInt64(&requests); n != 6 {
		t.Errorf("requests = %d, want 6 (streak restarted after the failure)", n)
	}
}

func TestWaitForControlTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	start := time.Now()
	err := waitForControl(context.Background(), server.URL, 5*time.Millisecond, 3, 100*time.Millisecond, make(chan struct{}))
	if err == nil {
		t.Fatal("waitForControl succeeded against a broken endpoint")
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout took %s, want ~100ms", time.Since(start))
	}
}

func TestWaitForControlStopsWhenProcessExits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	exited := make(chan struct{})
	close(exited)
	err := waitForControl(context.Background(), server.URL, 5*time.Millisecond, 3, 5*time.Second, exited)
	if err == nil {
		t.Fatal("waitForControl ignored process exit")
	}
}

func TestWaitForProxyPortSucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	err = waitForProxyPort(context.Background(), port, 5*time.Millisecond, 2*time.Second, make(chan struct{}))
	if err != nil {
		t.Fatalf("waitForProxyPort failed against a live listener: %v", err)
	}
}

func TestWaitForProxyPortTimesOutWithoutListener(t *testing.T) {
	start := time.Now()
	err := waitForProxyPort(context.Background(), 21699, 5*time.Millisecond, 100*time.Millisecond, make(chan struct{}))
	if err == nil {
		t.Fatal("waitForProxyPort succeeded with nothing listening")
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout took %s, want ~100ms", time.Since(start))
	}
}

func TestStartFailsCleanlyWhenBinaryMissing(t *testing.T) {
	rec := mustParse(t, "trojan://pw@tr.example.com:443#n")
	cfg := testRuntimeConf()
	cfg.WorkDir = t.TempDir()

	inst := NewInstance(cfg, rec, 21700, 21701)
	err := inst.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded with a missing binary")
	}
	if inst.State() != StateFailed {
		t.Errorf("state = %s, want Failed", inst.State())
	}

	// The config file was generated before the launch attempt; Stop must
	// still remove it.
	path := inst.configPath
	if path == "" {
		t.Fatal("no config path recorded")
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("config file missing before Stop: %v", statErr)
	}
	inst.Stop()
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("config file still present after Stop: %v", statErr)
	}
}

func TestStopIsIdempotentAndSafeWithoutStart(t *testing.T) {
	rec := mustParse(t, "trojan://pw@tr.example.com:443#n")
	inst := NewInstance(testRuntimeConf(), rec, 21710, 21711)

	inst.Stop()
	inst.Stop()
	if inst.State() != StateTerminated {
		t.Errorf("state = %s, want Terminated", inst.State())
	}
}

func TestWithInstanceSkipsFnOnStartFailure(t *testing.T) {
	rec := mustParse(t, "trojan://pw@tr.example.com:443#n")
	cfg := testRuntimeConf()
	cfg.WorkDir = t.TempDir()

	called := false
	err := WithInstance(context.Background(), cfg, rec, 21720, 21721, func(*Instance) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("WithInstance swallowed the start failure")
	}
	if called {
		t.Error("fn ran despite the instance never becoming ready")
	}
}
