package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// TrafficTotals are byte counters observed on the runtime's telemetry
// stream while an instance was up.
type TrafficTotals struct {
	Up   int64
	Down int64
}

// SampleTraffic subscribes to the control API's /traffic websocket and sums
// the first `frames` updates. The runtime pushes one frame per second, so
// callers keep frames small. Purely additive telemetry: errors here never
// fail a validation.
func SampleTraffic(ctx context.Context, controlPort, frames int) (TrafficTotals, error) {
	var totals TrafficTotals
	if frames <= 0 {
		return totals, nil
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d/traffic", controlPort)
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return totals, fmt.Errorf("dial traffic endpoint: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Duration(frames+2) * time.Second)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	for i := 0; i < frames; i++ {
		var frame struct {
			Up   int64 `json:"up"`
			Down int64 `json:"down"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return totals, fmt.Errorf("read traffic frame: %w", err)
		}
		totals.Up += frame.Up
		totals.Down += frame.Down
	}
	return totals, nil
}
