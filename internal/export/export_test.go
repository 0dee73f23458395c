package export

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clashprobe/internal/codec"
	"clashprobe/internal/shared/types"
)

func parseLink(t *testing.T, link string) *codec.ProxyRecord {
	t.Helper()
	rec, err := codec.Parse(link)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", link, err)
	}
	return rec
}

func testOutcomes(t *testing.T) []types.ValidationOutcome {
	t.Helper()
	userinfo := base64.RawURLEncoding.EncodeToString([]byte("aes-256-gcm:secret"))
	return []types.ValidationOutcome{
		{Record: parseLink(t, "ss://"+userinfo+"@ss1.example.com:8388#alpha"), Success: true, LatencyMs: 120},
		{Record: parseLink(t, "ss://"+userinfo+"@ss2.example.com:8388#bravo"), Success: true, LatencyMs: 340},
		{Record: parseLink(t, "trojan://pw-123@tr.example.com:443?sni=tr.example.com#charlie"), Success: true, LatencyMs: 90},
		{Record: parseLink(t, "trojan://pw-456@dead.example.com:443#delta"), Failure: types.FailureNoConnectivity},
		{Record: parseLink(t, "vless://2f5b6cd8-8f5e-4bb5-a936-6a7bd4a3e178@vl.example.com:443?type=tcp#echo"), Failure: types.FailureTimeout},
	}
}

func testReport() *types.AggregateReport {
	return &types.AggregateReport{
		TotalInput:   6,
		TotalTested:  5,
		TotalWorking: 3,
		ByProtocol: map[string]types.ProtocolStats{
			"ss":     {Total: 2, Working: 2},
			"trojan": {Total: 2, Working: 1},
			"vless":  {Total: 1, Working: 0},
		},
		LatencyAvgMs: 183,
		LatencyMinMs: 90,
		LatencyMaxMs: 340,
		ElapsedSec:   1.5,
		Throughput:   3.33,
		GeneratedAt:  time.Now().UTC(),
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) failed: %v", path, err)
	}
	trimmed := strings.TrimRight(string(blob), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func TestWriteLaysOutArtifacts(t *testing.T) {
	dir := t.TempDir()
	outcomes := testOutcomes(t)

	if err := Write(dir, outcomes, testReport()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	all := readLines(t, filepath.Join(dir, "all_working.txt"))
	if len(all) != 3 {
		t.Fatalf("all_working.txt has %d lines, want 3", len(all))
	}
	// Exported links must round-trip to the records that earned them.
	for i, wantName := range []string{"alpha", "bravo", "charlie"} {
		rec := parseLink(t, all[i])
		if rec.Name != wantName {
			t.Errorf("line %d reparsed to %q, want %q", i, rec.Name, wantName)
		}
		if codec.Fingerprint(rec) != codec.Fingerprint(outcomes[i].Record) {
			t.Errorf("line %d fingerprint drifted after export", i)
		}
	}

	ss := readLines(t, filepath.Join(dir, "by_protocol", "ss.txt"))
	if len(ss) != 2 {
		t.Errorf("ss.txt has %d lines, want 2", len(ss))
	}
	trojan := readLines(t, filepath.Join(dir, "by_protocol", "trojan.txt"))
	if len(trojan) != 1 {
		t.Errorf("trojan.txt has %d lines, want 1", len(trojan))
	}
	// vless had no working proxies, so no split file for it.
	if _, err := os.Stat(filepath.Join(dir, "by_protocol", "vless.txt")); !os.IsNotExist(err) {
		t.Errorf("vless.txt should not exist, stat err = %v", err)
	}
}

func TestWriteMetadataRoundTrips(t *testing.T) {
	dir := t.TempDir()
	want := testReport()

	if err := Write(dir, testOutcomes(t), want); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	blob, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var got types.AggregateReport
	if err := json.Unmarshal(blob, &got); err != nil {
		t.Fatalf("metadata.json is not valid JSON: %v", err)
	}
	if got.TotalWorking != want.TotalWorking || got.TotalTested != want.TotalTested {
		t.Errorf("report = %d/%d, want %d/%d", got.TotalWorking, got.TotalTested, want.TotalWorking, want.TotalTested)
	}
	if got.ByProtocol["ss"] != want.ByProtocol["ss"] {
		t.Errorf("ss stats = %+v, want %+v", got.ByProtocol["ss"], want.ByProtocol["ss"])
	}
}

func TestWriteEmptyRunStillProducesFiles(t *testing.T) {
	dir := t.TempDir()
	report := &types.AggregateReport{TotalInput: 4, ParseFailures: 4, GeneratedAt: time.Now().UTC()}

	if err := Write(dir, nil, report); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if lines := readLines(t, filepath.Join(dir, "all_working.txt")); len(lines) != 0 {
		t.Errorf("all_working.txt has %d lines, want 0", len(lines))
	}
	if _, err := os.Stat(filepath.Join(dir, "by_protocol")); !os.IsNotExist(err) {
		t.Errorf("by_protocol should not exist on an empty run, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); err != nil {
		t.Errorf("metadata.json missing: %v", err)
	}
}

func TestWriteCreatesNestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out", "run-1")
	if err := Write(dir, testOutcomes(t), testReport()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "all_working.txt")); err != nil {
		t.Errorf("all_working.txt missing: %v", err)
	}
}
