// Package pipeline runs the multi-stage connectivity test for one proxy
// record at a time: lease ports, start a runtime instance, probe through its
// local SOCKS5 endpoint, score the stages, retry on failure, release
// everything. Stage outcomes map onto a small failure taxonomy; nothing in
// here aborts a batch.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clashprobe/internal/codec"
	"clashprobe/internal/geo"
	"clashprobe/internal/ports"
	"clashprobe/internal/runtime"
	"clashprobe/internal/shared/logger"
	"clashprobe/internal/shared/retry"
	"clashprobe/internal/shared/types"
)

const trafficFrames = 2

// Pipeline validates records against the configured target table. Safe for
// concurrent use; all per-attempt state is task-local.
type Pipeline struct {
	cfg     *types.Config
	pm      *ports.Manager
	geo     *geo.Resolver
	targets []Target
	policy  retry.Policy
	log     zerolog.Logger

	// Seams swapped by tests to cut out the external binary and the live
	// network. Production wiring happens in New.
	runInstance func(ctx context.Context, rec *codec.ProxyRecord, proxyPort, controlPort int, fn func() error) error
	proxyClient func(proxyPort int, timeout time.Duration) (*http.Client, error)
	tlsProbe    func(ctx context.Context, proxyPort int, tg Target, timeout time.Duration) (string, bool)
	directIP    func(ctx context.Context) string

	directOnce sync.Once
	directAddr string
}

func New(cfg *types.Config, pm *ports.Manager, resolver *geo.Resolver) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		pm:      pm,
		geo:     resolver,
		targets: targetsFromConf(cfg.StagesConf),
		policy:  retry.Policy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.RetryBackoff()},
		log:     logger.WithComponent("Pipeline"),
	}
	p.runInstance = func(ctx context.Context, rec *codec.ProxyRecord, proxyPort, controlPort int, fn func() error) error {
		return runtime.WithInstance(ctx, cfg.RuntimeConf, rec, proxyPort, controlPort, func(*runtime.Instance) error {
			return fn()
		})
	}
	p.proxyClient = newProxyClient
	p.tlsProbe = probeTLS
	p.directIP = func(ctx context.Context) string {
		for _, tg := range targetsFor(p.targets, StageEgress) {
			if ip := fetchDirectIP(ctx, tg.URL, p.cfg.ProbeTimeout()); ip != "" {
				return ip
			}
		}
		return ""
	}
	return p
}

// attemptResult is the scorecard of one full attempt. Retries discard the
// previous attempt's scorecard entirely.
type attemptResult struct {
	success       bool
	latencyMs     int64
	failure       types.FailureReason
	failureDetail string
	stagesPassed  int
	stagesRun     int
	exitIP        string
	trafficUp     int64
	trafficDown   int64
}

// Validate runs the full stage sequence for one record, retrying per the
// configured policy, and returns the final decision. Failures of any shape
// become a failed outcome, never an error: the caller's batch moves on.
func (p *Pipeline) Validate(ctx context.Context, rec *codec.ProxyRecord) types.ValidationOutcome {
	outcome := types.ValidationOutcome{Record: rec}

	attempts, _ := p.policy.Do(ctx, func(ctx context.Context, attempt int) bool {
		res := p.attempt(ctx, rec)
		outcome.Success = res.success
		outcome.LatencyMs = res.latencyMs
		outcome.Failure = res.failure
		outcome.FailureDetail = res.failureDetail
		outcome.StagesPassed = res.stagesPassed
		outcome.StagesRun = res.stagesRun
		outcome.ExitIP = res.exitIP
		outcome.TrafficUp = res.trafficUp
		outcome.TrafficDown = res.trafficDown
		return res.success
	})
	outcome.Attempts = attempts

	if outcome.ExitIP != "" {
		outcome.Country = p.geo.Country(outcome.ExitIP)
	}

	if outcome.Success {
		p.log.Info().Str("name", rec.Name).Str("server", rec.Endpoint()).
			Int64("latency_ms", outcome.LatencyMs).Int("attempts", attempts).
			Msg("proxy working")
	} else {
		p.log.Debug().Str("name", rec.Name).Str("server", rec.Endpoint()).
			Str("reason", string(outcome.Failure)).Str("detail", outcome.FailureDetail).
			Msg("proxy failed validation")
	}
	return outcome
}

// attempt leases a port pair, runs one instance and the stage sequence
// inside it. Both leases and the instance are released on every path out.
func (p *Pipeline) attempt(ctx context.Context, rec *codec.ProxyRecord) attemptResult {
	proxyLease, controlLease := p.pm.AcquirePair()
	if proxyLease == nil {
		return attemptResult{
			failure:       types.FailureNoPorts,
			failureDetail: "port range exhausted",
		}
	}
	defer p.pm.Release(proxyLease)
	defer p.pm.Release(controlLease)

	var res attemptResult
	err := p.runInstance(ctx, rec, proxyLease.Port, controlLease.Port, func() error {
		res = p.runStages(ctx, rec, proxyLease.Port, controlLease.Port)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{failure: types.FailureTimeout, failureDetail: ctx.Err().Error()}
		}
		return attemptResult{failure: types.FailureRuntimeStart, failureDetail: err.Error()}
	}
	return res
}

// runStages executes the stage sequence through the instance's local SOCKS5
// endpoint and scores it. A required stage with no passing target aborts the
// remaining stages: their targets count as failed weight, which cannot flip
// the decision because the required-stage rule already failed it.
func (p *Pipeline) runStages(ctx context.Context, rec *codec.ProxyRecord, proxyPort, controlPort int) attemptResult {
	var res attemptResult
	timeout := p.cfg.ProbeTimeout()

	client, err := p.proxyClient(proxyPort, timeout)
	if err != nil {
		res.failure = types.FailureNoConnectivity
		res.failureDetail = err.Error()
		return res
	}

	var (
		passedWeight float64
		latencies    []int64
		leak         bool
		requiredOK   = true
		firstFailed  Stage
		failDetails  = make(map[Stage]string)
	)

	for _, stage := range stageOrder {
		targets := targetsFor(p.targets, stage)
		if len(targets) == 0 {
			continue
		}
		res.stagesRun++

		satisfied := false
		for _, tg := range targets {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			var detail string
			var ok bool
			switch stage {
			case StageBasic:
				var ms int64
				ms, detail, ok = probeNoContent(probeCtx, client, tg)
				if ok {
					latencies = append(latencies, ms)
				}
			case StageTLS:
				detail, ok = p.tlsProbe(probeCtx, proxyPort, tg, timeout)
			case StageContent:
				detail, ok = probeContent(probeCtx, client, tg)
			case StageEgress:
				var tunneled string
				tunneled, detail, ok = probeEgress(probeCtx, client, tg)
				if ok {
					direct := p.directExitIP(ctx)
					if direct != "" && direct == tunneled {
						leak = true
						ok = false
						detail = fmt.Sprintf("egress ip %s equals direct ip, proxy not forwarding", tunneled)
					} else {
						res.exitIP = tunneled
					}
				}
			}
			cancel()

			if ok {
				passedWeight += tg.Weight
				satisfied = true
			} else if _, seen := failDetails[stage]; !seen {
				failDetails[stage] = detail
			}
		}

		if satisfied {
			res.stagesPassed++
		} else {
			if firstFailed == 0 {
				firstFailed = stage
			}
			if stageRequired(targets) {
				requiredOK = false
				break
			}
		}
		if leak {
			break
		}
	}

	ratio := 0.0
	if total := totalWeight(p.targets); total > 0 {
		ratio = passedWeight / total
	}
	res.success = !leak && requiredOK && ratio >= p.cfg.PassRatio
	if len(latencies) > 0 {
		var sum int64
		for _, ms := range latencies {
			sum += ms
		}
		res.latencyMs = sum / int64(len(latencies))
	}

	if !res.success {
		res.failure, res.failureDetail = classifyFailure(ctx, leak, firstFailed, failDetails)
		return res
	}

	if p.cfg.SampleTraffic {
		if totals, err := runtime.SampleTraffic(ctx, controlPort, trafficFrames); err == nil {
			res.trafficUp = totals.Up
			res.trafficDown = totals.Down
		} else {
			p.log.Debug().Err(err).Str("server", rec.Endpoint()).Msg("traffic sample failed")
		}
	}
	return res
}

// classifyFailure maps the first failure signal onto the outcome taxonomy.
// A detected leak wins over everything; a dead parent context means the run
// was cut short, not that the proxy is broken.
func classifyFailure(ctx context.Context, leak bool, firstFailed Stage, details map[Stage]string) (types.FailureReason, string) {
	if leak {
		return types.FailureIPLeak, details[StageEgress]
	}
	if ctx.Err() != nil {
		return types.FailureTimeout, ctx.Err().Error()
	}
	switch firstFailed {
	case StageTLS:
		return types.FailureTLS, details[StageTLS]
	case StageContent:
		return types.FailureContentValidation, details[StageContent]
	case StageBasic, StageEgress:
		return types.FailureNoConnectivity, details[firstFailed]
	default:
		// Every stage was satisfied but too many alternates failed for the
		// weighted ratio to clear the threshold.
		for _, stage := range stageOrder {
			if detail, found := details[stage]; found {
				return types.FailureNoConnectivity, detail
			}
		}
		return types.FailureNoConnectivity, "weighted pass ratio below threshold"
	}
}

// directExitIP resolves the caller's own exit address once per run. The
// baseline is environmental, not per-attempt state, so retries share it.
func (p *Pipeline) directExitIP(ctx context.Context) string {
	p.directOnce.Do(func() {
		p.directAddr = p.directIP(ctx)
	})
	return p.directAddr
}
