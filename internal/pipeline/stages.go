package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clashprobe/internal/shared/types"
)

// Stage identifies one of the four probe phases of a validation attempt.
type Stage int

const (
	StageBasic   Stage = iota + 1 // plain-HTTP no-content reachability
	StageTLS                      // full TLS handshake reachability
	StageContent                  // real-content fidelity
	StageEgress                   // exit-IP verification
)

var stageOrder = []Stage{StageBasic, StageTLS, StageContent, StageEgress}

func (s Stage) String() string {
	switch s {
	case StageBasic:
		return "basic"
	case StageTLS:
		return "tls"
	case StageContent:
		return "content"
	case StageEgress:
		return "egress"
	default:
		return "unknown"
	}
}

// Target is one probe destination. Targets within a stage are alternatives:
// the stage is satisfied when any of them passes, while each contributes its
// own weight to the overall pass ratio.
type Target struct {
	Stage        Stage
	URL          string
	Weight       float64
	Required     bool
	ExpectStatus int // 0 accepts any 2xx
	MinBytes     int
	Keywords     []string // any-of match, case-insensitive
}

// defaultTargets is the compiled-in probe table. The connectivity endpoints
// are the usual generate_204 family; content fidelity uses real pages big
// enough to defeat interception pages that happen to return a 200.
func defaultTargets() []Target {
	return []Target{
		{Stage: StageBasic, URL: "http://www.gstatic.com/generate_204", Weight: 2, Required: true, ExpectStatus: 204},
		{Stage: StageBasic, URL: "http://connectivitycheck.gstatic.com/generate_204", Weight: 2, Required: true, ExpectStatus: 204},
		{Stage: StageBasic, URL: "http://cp.cloudflare.com/generate_204", Weight: 2, Required: true, ExpectStatus: 204},
		{Stage: StageTLS, URL: "https://www.gstatic.com/generate_204", Weight: 2, Required: true, ExpectStatus: 204},
		{Stage: StageContent, URL: "https://www.google.com/humans.txt", Weight: 2, Required: true, MinBytes: 50, Keywords: []string{"google", "humans"}},
		{Stage: StageContent, URL: "https://www.cloudflare.com/", Weight: 2, Required: true, MinBytes: 1000, Keywords: []string{"cloudflare", "<!doctype", "<html"}},
		{Stage: StageEgress, URL: "https://www.cloudflare.com/cdn-cgi/trace", Weight: 1, Required: false},
	}
}

// targetsFromConf overlays the [stages] section onto the compiled-in table.
// Each non-empty field replaces its whole stage, so operators can redirect a
// stage at internal endpoints without restating the others.
func targetsFromConf(cfg types.StagesConf) []Target {
	targets := defaultTargets()

	if cfg.HTTPTargets != "" {
		targets = replaceStage(targets, StageBasic, nil)
		for _, rawURL := range splitTrim(cfg.HTTPTargets, ",") {
			targets = append(targets, Target{Stage: StageBasic, URL: rawURL, Weight: 2, Required: true, ExpectStatus: 204})
		}
	}
	if cfg.TLSTarget != "" {
		targets = replaceStage(targets, StageTLS, []Target{
			{Stage: StageTLS, URL: cfg.TLSTarget, Weight: 2, Required: true},
		})
	}
	if cfg.ContentTargets != "" {
		targets = replaceStage(targets, StageContent, nil)
		for _, entry := range splitTrim(cfg.ContentTargets, ";") {
			// url|minBytes|keyword,keyword
			fields := strings.SplitN(entry, "|", 3)
			tg := Target{Stage: StageContent, URL: strings.TrimSpace(fields[0]), Weight: 2, Required: true}
			if len(fields) > 1 {
				if n, err := strconv.Atoi(strings.TrimSpace(fields[1])); err == nil {
					tg.MinBytes = n
				}
			}
			if len(fields) > 2 {
				tg.Keywords = splitTrim(fields[2], ",")
			}
			targets = append(targets, tg)
		}
	}
	if cfg.IPEchoURL != "" {
		targets = replaceStage(targets, StageEgress, []Target{
			{Stage: StageEgress, URL: cfg.IPEchoURL, Weight: 1},
		})
	}

	// Keep stage order stable regardless of which sections were replaced.
	ordered := make([]Target, 0, len(targets))
	for _, stage := range stageOrder {
		ordered = append(ordered, targetsFor(targets, stage)...)
	}
	return ordered
}

func replaceStage(targets []Target, stage Stage, replacement []Target) []Target {
	kept := make([]Target, 0, len(targets))
	for _, tg := range targets {
		if tg.Stage != stage {
			kept = append(kept, tg)
		}
	}
	return append(kept, replacement...)
}

func targetsFor(targets []Target, stage Stage) []Target {
	var out []Target
	for _, tg := range targets {
		if tg.Stage == stage {
			out = append(out, tg)
		}
	}
	return out
}

func totalWeight(targets []Target) float64 {
	var sum float64
	for _, tg := range targets {
		sum += tg.Weight
	}
	return sum
}

func stageRequired(targets []Target) bool {
	for _, tg := range targets {
		if tg.Required {
			return true
		}
	}
	return false
}

func splitTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// probeNoContent runs one reachability probe expecting an empty 204-style
// answer. A matching status with an HTML-looking body is still a failure:
// that shape is a captive portal, not connectivity.
func probeNoContent(ctx context.Context, client *http.Client, tg Target) (latencyMs int64, failDetail string, ok bool) {
	start := time.Now()
	body, status, err := fetch(ctx, client, tg.URL)
	latency := time.Since(start)
	if err != nil {
		return 0, fmt.Sprintf("%s: %v", tg.URL, err), false
	}
	if !statusMatches(tg.ExpectStatus, status) {
		return 0, fmt.Sprintf("%s: status %d", tg.URL, status), false
	}
	if portal, title := detectCaptivePortal(body); portal {
		if title == "" {
			title = "untitled page"
		}
		return 0, fmt.Sprintf("%s: captive portal response (%s)", tg.URL, title), false
	}
	latencyMs = latency.Milliseconds()
	if latencyMs == 0 && latency > 0 {
		latencyMs = 1
	}
	return latencyMs, "", true
}

// probeContent fetches a real page and checks it for minimum size and an
// expected keyword, so an interceptor answering 200 to everything still
// fails.
func probeContent(ctx context.Context, client *http.Client, tg Target) (failDetail string, ok bool) {
	body, status, err := fetch(ctx, client, tg.URL)
	if err != nil {
		return fmt.Sprintf("%s: %v", tg.URL, err), false
	}
	if !statusMatches(tg.ExpectStatus, status) {
		return fmt.Sprintf("%s: status %d", tg.URL, status), false
	}
	if len(body) < tg.MinBytes {
		return fmt.Sprintf("%s: body %dB below %dB minimum", tg.URL, len(body), tg.MinBytes), false
	}
	if !containsAnyKeyword(body, tg.Keywords) {
		return fmt.Sprintf("%s: expected keyword missing", tg.URL), false
	}
	return "", true
}

// probeEgress asks an IP echo service, through the proxy, which address the
// request arrived from. The caller compares it against the direct address.
func probeEgress(ctx context.Context, client *http.Client, tg Target) (ip, failDetail string, ok bool) {
	body, status, err := fetch(ctx, client, tg.URL)
	if err != nil {
		return "", fmt.Sprintf("%s: %v", tg.URL, err), false
	}
	if !statusMatches(tg.ExpectStatus, status) {
		return "", fmt.Sprintf("%s: status %d", tg.URL, status), false
	}
	ip = parseIPEcho(body)
	if ip == "" {
		return "", fmt.Sprintf("%s: no ip in response", tg.URL), false
	}
	return ip, "", true
}

// parseIPEcho understands the common echo formats: cdn-cgi/trace key=value
// lines, ipify-style {"ip": ...} JSON, and a bare address.
func parseIPEcho(body []byte) string {
	trimmed := bytes.TrimSpace(body)

	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "ip=") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ip="))
		}
	}

	var echo struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(trimmed, &echo); err == nil && echo.IP != "" {
		return echo.IP
	}

	if candidate := string(trimmed); net.ParseIP(candidate) != nil {
		return candidate
	}
	return ""
}

const maxProbeBody = 256 << 10

func fetch(ctx context.Context, client *http.Client, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func statusMatches(expect, got int) bool {
	if expect != 0 {
		return got == expect
	}
	return got >= 200 && got < 300
}

func containsAnyKeyword(body []byte, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, kw := range keywords {
		if bytes.Contains(lower, bytes.ToLower([]byte(kw))) {
			return true
		}
	}
	return false
}
