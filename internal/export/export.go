// Package export renders a finished run to disk: the surviving share links,
// the same links split per protocol, and the machine-readable report.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"clashprobe/internal/codec"
	"clashprobe/internal/shared/logger"
	"clashprobe/internal/shared/types"
)

const (
	workingFile  = "all_working.txt"
	protocolDir  = "by_protocol"
	metadataFile = "metadata.json"
)

// Write lays out the run artifacts under dir, creating it as needed:
//
//	all_working.txt          every working link, in outcome order
//	by_protocol/<kind>.txt   the same links split by protocol
//	metadata.json            the aggregate report
//
// Only protocols with at least one working proxy get a split file.
// all_working.txt is always written, empty runs included, so consumers can
// distinguish "ran, nothing worked" from "never ran".
func Write(dir string, outcomes []types.ValidationOutcome, report *types.AggregateReport) error {
	l := logger.WithComponent("Export")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	var all []string
	byKind := make(map[codec.Kind][]string)
	for _, outcome := range outcomes {
		if !outcome.Success {
			continue
		}
		link, err := codec.Serialize(outcome.Record)
		if err != nil {
			l.Warn().Err(err).Str("server", outcome.Record.Endpoint()).Msg("skipping unserializable record")
			continue
		}
		all = append(all, link)
		byKind[outcome.Record.Kind] = append(byKind[outcome.Record.Kind], link)
	}

	if err := writeLines(filepath.Join(dir, workingFile), all); err != nil {
		return err
	}

	if len(byKind) > 0 {
		if err := os.MkdirAll(filepath.Join(dir, protocolDir), 0755); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	kinds := make([]codec.Kind, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		path := filepath.Join(dir, protocolDir, string(kind)+".txt")
		if err := writeLines(path, byKind[kind]); err != nil {
			return err
		}
	}

	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encode report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), append(blob, '\n'), 0644); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	l.Info().Str("dir", dir).Int("working", len(all)).Int("protocols", len(byKind)).Msg("artifacts written")
	return nil
}

func writeLines(path string, lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}
