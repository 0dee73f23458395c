package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"clashprobe/internal/codec"
	"clashprobe/internal/export"
	"clashprobe/internal/geo"
	"clashprobe/internal/pipeline"
	"clashprobe/internal/ports"
	"clashprobe/internal/scheduler"
	"clashprobe/internal/shared/config"
	"clashprobe/internal/shared/logger"
	"clashprobe/internal/shared/types"
)

func main() {
	configPath := flag.String("config", "", "Path to clashprobe.ini (optional)")
	inputPath := flag.String("input", "-", "File of share links, one per line; '-' reads stdin")
	outputDir := flag.String("output", "results", "Directory for run artifacts")
	progress := flag.Bool("progress", false, "Render a progress bar on stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Nothing can be validated without the runtime binary; this is the one
	// precondition worth dying for.
	binPath, err := exec.LookPath(cfg.Binary)
	if err != nil {
		logger.Fatal().Str("binary", cfg.Binary).Msgf("proxy runtime binary not found: %v", err)
	}
	cfg.Binary = binPath

	lines, err := readLines(*inputPath)
	if err != nil {
		logger.Fatal().Err(err).Str("input", *inputPath).Msg("failed to read input")
	}

	records, parseFailures := codec.ParseAll(lines)
	for _, pe := range parseFailures {
		logger.Warn().Str("scheme", pe.Scheme).Str("link", pe.Link).Msgf("skipping link: %s", pe.Reason)
	}
	if len(records) == 0 {
		logger.Warn().Int("lines", len(lines)).Msg("no valid share links in input")
	}

	resolver, err := geo.Open(cfg.MMDBPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.MMDBPath).Msg("geoip lookup disabled")
	}
	defer resolver.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := ports.NewManager(cfg.PortsConf)
	pipe := pipeline.New(cfg, pm, resolver)
	sched := scheduler.New(cfg, pipe)

	var bar *progressbar.ProgressBar
	if *progress {
		bar = newProgressBar(distinctCount(records))
		sched.OnOutcome(func(types.ValidationOutcome) {
			_ = bar.Add(1)
		})
	}

	report, outcomes := sched.Run(ctx, records, len(parseFailures))
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	// Artifacts are written even for an interrupted run: partial results
	// beat none, and metadata.json records what actually happened.
	if err := export.Write(*outputDir, outcomes, report); err != nil {
		logger.Error().Err(err).Str("dir", *outputDir).Msg("failed to write artifacts")
		os.Exit(1)
	}

	logger.Info().
		Int("tested", report.TotalTested).
		Int("working", report.TotalWorking).
		Int64("latency_avg_ms", report.LatencyAvgMs).
		Float64("elapsed_s", report.ElapsedSec).
		Str("output", *outputDir).
		Msg("run complete")
}

func readLines(path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	// vmess payloads routinely exceed the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// distinctCount predicts how many records the scheduler will actually test,
// so the bar total matches the number of OnOutcome calls.
func distinctCount(records []*codec.ProxyRecord) int {
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[codec.Fingerprint(rec)] = true
	}
	return len(seen)
}

func newProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("validating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
