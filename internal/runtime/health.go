package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// waitForControl polls the control endpoint until it answers `consecutive`
// probes in a row. A single successful probe is not enough: a runtime can
// answer once and then crash on its first real connection, so the counter
// resets on every failure. Returns early when the process exits or any
// deadline fires.
func waitForControl(ctx context.Context, url string, interval time.Duration, consecutive int, timeout time.Duration, procExited <-chan struct{}) error {
	if consecutive < 1 {
		consecutive = 1
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	clientTimeout := interval * 2
	if clientTimeout < time.Second {
		clientTimeout = time.Second
	}
	client := &http.Client{Timeout: clientTimeout}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ok := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-procExited:
			return fmt.Errorf("process exited before becoming healthy")
		case <-deadline.C:
			return fmt.Errorf("no healthy control endpoint after %s", timeout)
		case <-ticker.C:
			if probeControl(client, url) {
				ok++
				if ok >= consecutive {
					return nil
				}
			} else {
				ok = 0
			}
		}
	}
}

func probeControl(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// waitForProxyPort confirms the leased proxy port accepts TCP connections.
// The control endpoint can answer before the inbound listener is bound, so
// readiness needs both signals.
func waitForProxyPort(ctx context.Context, port int, interval, timeout time.Duration, procExited <-chan struct{}) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	dialer := net.Dialer{Timeout: interval * 2}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-procExited:
			return fmt.Errorf("process exited before becoming healthy")
		case <-deadline.C:
			return fmt.Errorf("proxy port %d not accepting connections after %s", port, timeout)
		case <-ticker.C:
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		}
	}
}
