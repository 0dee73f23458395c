package types

import (
	"time"

	"clashprobe/internal/codec"
)

// FailureReason classifies why a validation attempt did not succeed.
type FailureReason string

const (
	FailureNone              FailureReason = ""
	FailureNoConnectivity    FailureReason = "NoConnectivity"
	FailureTLS               FailureReason = "TlsFailure"
	FailureContentValidation FailureReason = "ContentValidationFailed"
	FailureIPLeak            FailureReason = "IpLeakDetected"
	FailureTimeout           FailureReason = "Timeout"
	FailureNoPorts           FailureReason = "NoPortsAvailable"
	FailureRuntimeStart      FailureReason = "RuntimeStartFailed"
)

// ValidationOutcome is the pipeline's final verdict for one record. Retries
// happen inside the pipeline; only the last attempt's result surfaces here.
type ValidationOutcome struct {
	Record        *codec.ProxyRecord `json:"-"`
	Success       bool               `json:"success"`
	LatencyMs     int64              `json:"latency_ms,omitempty"`
	Failure       FailureReason      `json:"failure,omitempty"`
	FailureDetail string             `json:"failure_detail,omitempty"`
	StagesPassed  int                `json:"stages_passed"`
	StagesRun     int                `json:"stages_run"`
	Attempts      int                `json:"attempts"`
	ExitIP        string             `json:"exit_ip,omitempty"`
	Country       string             `json:"country,omitempty"`
	TrafficUp     int64              `json:"traffic_up,omitempty"`
	TrafficDown   int64              `json:"traffic_down,omitempty"`
}

// ProtocolStats is one per-protocol row of the final report.
type ProtocolStats struct {
	Total   int `json:"total"`
	Working int `json:"working"`
}

// AggregateReport summarizes a whole run. Read-only once built.
type AggregateReport struct {
	TotalInput    int                      `json:"total_input"`
	ParseFailures int                      `json:"parse_failures"`
	Duplicates    int                      `json:"duplicates_removed"`
	TotalTested   int                      `json:"total_tested"`
	TotalWorking  int                      `json:"total_working"`
	ByProtocol    map[string]ProtocolStats `json:"by_protocol"`
	LatencyAvgMs  int64                    `json:"latency_avg_ms"`
	LatencyMinMs  int64                    `json:"latency_min_ms"`
	LatencyMaxMs  int64                    `json:"latency_max_ms"`
	ElapsedSec    float64                  `json:"elapsed_seconds"`
	Throughput    float64                  `json:"throughput_rps"`
	GeneratedAt   time.Time                `json:"generated_at"`
}
