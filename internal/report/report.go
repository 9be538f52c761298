// Package report assembles everything a run produced into one JSON document
// and maps the outcome onto the process exit code.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schemaprobe/internal/config"
	"schemaprobe/internal/engine"
	"schemaprobe/internal/stateful"
)

// Report is the full record of one run. Response bodies inside examples are
// raw bytes and render as base64 in the JSON output.
type Report struct {
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Schema    string         `json:"schema"`
	Target    string         `json:"target"`
	Seed      int64          `json:"seed"`
	Config    *config.Config `json:"config,omitempty"`

	Operations []*engine.RunResult  `json:"operations"`
	Sequences  []*stateful.Sequence `json:"sequences,omitempty"`
	Totals     Totals               `json:"totals"`
}

// Totals aggregates per-operation and per-sequence outcomes.
type Totals struct {
	Operations      int `json:"operations"`
	Passed          int `json:"passed"`
	Failed          int `json:"failed"`
	Errored         int `json:"errored"`
	Skipped         int `json:"skipped"`
	Cancelled       int `json:"cancelled"`
	Examples        int `json:"examples"`
	Failures        int `json:"failures"`
	Sequences       int `json:"sequences,omitempty"`
	FailedSequences int `json:"failed_sequences,omitempty"`
}

// Build assembles the report for one finished run. The seed echoed here is
// the derived one, so any run can be replayed from its report.
func Build(schemaLoc string, cfg *config.Config, startedAt time.Time, results []*engine.RunResult, sequences []*stateful.Sequence) *Report {
	r := &Report{
		RunID:      uuid.NewString(),
		StartedAt:  startedAt,
		Duration:   time.Since(startedAt),
		Schema:     schemaLoc,
		Target:     cfg.Target.BaseURL,
		Seed:       cfg.Generation.Seed,
		Config:     cfg,
		Operations: results,
		Sequences:  sequences,
	}
	for _, res := range results {
		r.Totals.Operations++
		r.Totals.Examples += res.Examples
		r.Totals.Failures += len(res.Failures)
		switch res.Status {
		case engine.StatusPassed:
			r.Totals.Passed++
		case engine.StatusFailed:
			r.Totals.Failed++
		case engine.StatusErrored:
			r.Totals.Errored++
		case engine.StatusSkipped:
			r.Totals.Skipped++
		case engine.StatusCancelled:
			r.Totals.Cancelled++
		}
	}
	for _, seq := range sequences {
		r.Totals.Sequences++
		if seq.Status == engine.StatusFailed {
			r.Totals.FailedSequences++
		}
	}
	return r
}

// ExitCode maps the run onto the process exit code: 0 everything passed,
// 1 any failure, error or unsatisfiable skip, 3 cancelled with partial
// results. Cancellation wins over failure; schema load errors never reach a
// report and exit with 2 upstream.
func (r *Report) ExitCode() int {
	code := 0
	mark := func(s engine.Status) {
		switch s {
		case engine.StatusFailed, engine.StatusErrored, engine.StatusSkipped:
			if code == 0 {
				code = 1
			}
		case engine.StatusCancelled:
			code = 3
		}
	}
	for _, res := range r.Operations {
		mark(res.Status)
	}
	for _, seq := range r.Sequences {
		mark(seq.Status)
	}
	return code
}

// Write renders the report as indented JSON under dir and returns the path.
func (r *Report) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("report_%s.json", r.StartedAt.Format("20060102_150405")))
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// LogSummary emits one line per operation and sequence plus the run totals.
func (r *Report) LogSummary(log *zap.Logger) {
	for _, res := range r.Operations {
		fields := []zap.Field{
			zap.String("operation", res.Operation),
			zap.String("status", string(res.Status)),
			zap.Int("examples", res.Examples),
		}
		if res.SkipReason != "" {
			fields = append(fields, zap.String("reason", res.SkipReason))
		}
		if len(res.Failures) > 0 {
			fields = append(fields, zap.String("failing_check", res.Failures[0].Check))
		}
		log.Info("operation finished", fields...)
	}
	for _, seq := range r.Sequences {
		log.Info("sequence finished",
			zap.String("start", seq.Start),
			zap.String("status", string(seq.Status)),
			zap.Int("steps", len(seq.Steps)),
		)
	}
	log.Info("run finished",
		zap.String("run_id", r.RunID),
		zap.Int64("seed", r.Seed),
		zap.Int("operations", r.Totals.Operations),
		zap.Int("passed", r.Totals.Passed),
		zap.Int("failed", r.Totals.Failed),
		zap.Int("errored", r.Totals.Errored),
		zap.Int("skipped", r.Totals.Skipped),
		zap.Duration("duration", r.Duration),
	)
}
