// Package scheduler drives a whole validation run: it deduplicates the
// parsed records, groups them by protocol, fans each group out in bounded
// batches and folds the outcomes into one aggregate report.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clashprobe/internal/codec"
	"clashprobe/internal/shared/logger"
	"clashprobe/internal/shared/pool"
	"clashprobe/internal/shared/types"
)

// Validator decides one record. *pipeline.Pipeline is the production
// implementation; the indirection keeps batch mechanics testable without
// runtime processes.
type Validator interface {
	Validate(ctx context.Context, rec *codec.ProxyRecord) types.ValidationOutcome
}

// Scheduler owns batch mechanics only. It never inspects a record beyond
// Kind and fingerprint; every per-proxy decision belongs to the Validator.
type Scheduler struct {
	cfg       *types.Config
	validator Validator
	log       zerolog.Logger

	mu        sync.Mutex
	onOutcome func(types.ValidationOutcome)
}

func New(cfg *types.Config, v Validator) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		validator: v,
		log:       logger.WithComponent("Scheduler"),
	}
}

// OnOutcome registers a callback invoked once per finished record. Calls
// come from worker goroutines but are serialized by the scheduler; register
// before Run.
func (s *Scheduler) OnOutcome(fn func(types.ValidationOutcome)) {
	s.onOutcome = fn
}

// Run validates every distinct record and returns the aggregate report plus
// one outcome per tested record, grouped by protocol in stable kind order
// and in input order within a group. parseFailures is the count of input
// lines the codec rejected; it feeds the report only.
//
// Cancellation does not truncate the result: workers keep draining the
// batch, each record failing fast against the dead context, so every tested
// record still gets an outcome.
func (s *Scheduler) Run(ctx context.Context, records []*codec.ProxyRecord, parseFailures int) (*types.AggregateReport, []types.ValidationOutcome) {
	start := time.Now()

	distinct, duplicates := dedup(records)
	groups, kinds := partition(distinct)

	s.log.Info().
		Int("input", len(records)+parseFailures).
		Int("parse_failures", parseFailures).
		Int("duplicates", duplicates).
		Int("to_test", len(distinct)).
		Int("groups", len(kinds)).
		Msg("validation run starting")

	grouped := make(map[codec.Kind][]types.ValidationOutcome, len(kinds))
	if s.cfg.GroupParallel && len(kinds) > 1 {
		// Every group keeps its full worker budget, so peak concurrency is
		// workers times the number of protocols present.
		results := pool.Run(ctx, kinds, len(kinds), func(ctx context.Context, kind codec.Kind) []types.ValidationOutcome {
			return s.runGroup(ctx, kind, groups[kind])
		})
		for i, kind := range kinds {
			grouped[kind] = results[i]
		}
	} else {
		for _, kind := range kinds {
			grouped[kind] = s.runGroup(ctx, kind, groups[kind])
		}
	}

	outcomes := make([]types.ValidationOutcome, 0, len(distinct))
	for _, kind := range kinds {
		outcomes = append(outcomes, grouped[kind]...)
	}

	report := buildReport(outcomes, len(records)+parseFailures, parseFailures, duplicates, time.Since(start))
	s.log.Info().
		Int("tested", report.TotalTested).
		Int("working", report.TotalWorking).
		Float64("elapsed_s", report.ElapsedSec).
		Msg("validation run finished")
	return report, outcomes
}

// runGroup works through one protocol's records in slices of BatchSize, each
// slice fanned out over at most Workers goroutines. A batch must finish
// before the next starts; that bounds leased ports and live subprocesses by
// Workers, not by the size of the input.
func (s *Scheduler) runGroup(ctx context.Context, kind codec.Kind, records []*codec.ProxyRecord) []types.ValidationOutcome {
	s.log.Info().Str("protocol", string(kind)).Int("count", len(records)).Msg("validating group")

	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = len(records)
	}

	outcomes := make([]types.ValidationOutcome, 0, len(records))
	for lo := 0; lo < len(records); lo += batch {
		hi := lo + batch
		if hi > len(records) {
			hi = len(records)
		}
		part := pool.Run(ctx, records[lo:hi], s.cfg.Workers, func(ctx context.Context, rec *codec.ProxyRecord) types.ValidationOutcome {
			outcome := s.validator.Validate(ctx, rec)
			s.emit(outcome)
			return outcome
		})
		outcomes = append(outcomes, part...)
	}
	return outcomes
}

func (s *Scheduler) emit(outcome types.ValidationOutcome) {
	if s.onOutcome == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOutcome(outcome)
}

// dedup drops records whose fingerprint was already seen, keeping the first
// occurrence of each and the input order.
func dedup(records []*codec.ProxyRecord) ([]*codec.ProxyRecord, int) {
	seen := make(map[string]bool, len(records))
	distinct := make([]*codec.ProxyRecord, 0, len(records))
	for _, rec := range records {
		fp := codec.Fingerprint(rec)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		distinct = append(distinct, rec)
	}
	return distinct, len(records) - len(distinct)
}

// partition splits records by protocol. Kinds come back sorted so two runs
// over the same input visit groups in the same order.
func partition(records []*codec.ProxyRecord) (map[codec.Kind][]*codec.ProxyRecord, []codec.Kind) {
	groups := make(map[codec.Kind][]*codec.ProxyRecord)
	for _, rec := range records {
		groups[rec.Kind] = append(groups[rec.Kind], rec)
	}
	kinds := make([]codec.Kind, 0, len(groups))
	for kind := range groups {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return groups, kinds
}

// buildReport folds outcomes into the run summary. Latency statistics cover
// working proxies only; a run with none leaves them at zero.
func buildReport(outcomes []types.ValidationOutcome, totalInput, parseFailures, duplicates int, elapsed time.Duration) *types.AggregateReport {
	report := &types.AggregateReport{
		TotalInput:    totalInput,
		ParseFailures: parseFailures,
		Duplicates:    duplicates,
		TotalTested:   len(outcomes),
		ByProtocol:    make(map[string]types.ProtocolStats),
		ElapsedSec:    elapsed.Seconds(),
		GeneratedAt:   time.Now().UTC(),
	}

	var latSum, latCount int64
	for _, outcome := range outcomes {
		stats := report.ByProtocol[string(outcome.Record.Kind)]
		stats.Total++
		if outcome.Success {
			stats.Working++
			report.TotalWorking++
			latSum += outcome.LatencyMs
			latCount++
			if report.LatencyMinMs == 0 || outcome.LatencyMs < report.LatencyMinMs {
				report.LatencyMinMs = outcome.LatencyMs
			}
			if outcome.LatencyMs > report.LatencyMaxMs {
				report.LatencyMaxMs = outcome.LatencyMs
			}
		}
		report.ByProtocol[string(outcome.Record.Kind)] = stats
	}
	if latCount > 0 {
		report.LatencyAvgMs = latSum / latCount
	}
	if report.ElapsedSec > 0 {
		report.Throughput = float64(report.TotalTested) / report.ElapsedSec
	}
	return report
}
