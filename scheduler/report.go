package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/openkickstartai/nbcheck/metrics"
	"github.com/openkickstartai/nbcheck/types"
)

// SuiteReport is the structured JSON report written by --report. It is
// the durable record of one suite invocation: per-notebook verdicts plus
// the metrics snapshot, versioned in lockstep with the project.
type SuiteReport struct {
	RunID      string          `json:"run_id"`
	Version    string          `json:"version"`
	StartedAt  string          `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
	Status     types.RunStatus `json:"status"`
	ExitCode   int             `json:"exit_code"`

	Summary   SuiteSummary        `json:"summary"`
	Notebooks []*types.RunVerdict `json:"notebooks"`
	Metrics   *metrics.Snapshot   `json:"metrics,omitempty"`
}

// SuiteSummary counts verdicts by status.
type SuiteSummary struct {
	Total     int `json:"total"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Errored   int `json:"errored"`
	TimedOut  int `json:"timed_out"`
	Cancelled int `json:"cancelled"`
}

// BuildSuiteReport composes a report from the suite's verdicts and the
// metrics snapshot. Status and ExitCode reflect the worst verdict.
func BuildSuiteReport(runID string, startedAt time.Time, duration time.Duration, verdicts []*types.RunVerdict, snap *metrics.Snapshot) *SuiteReport {
	worst := WorstVerdictStatus(verdicts)
	report := &SuiteReport{
		RunID:      runID,
		Version:    types.Version,
		StartedAt:  startedAt.UTC().Format(time.RFC3339),
		DurationMs: duration.Milliseconds(),
		Status:     worst,
		ExitCode:   worst.ExitCode(),
		Notebooks:  verdicts,
		Metrics:    snap,
	}

	report.Summary.Total = len(verdicts)
	for _, v := range verdicts {
		if v == nil {
			continue
		}
		switch v.Status {
		case types.StatusPassed:
			report.Summary.Passed++
		case types.StatusFailed:
			report.Summary.Failed++
		case types.StatusErrored:
			report.Summary.Errored++
		case types.StatusTimedOut:
			report.Summary.TimedOut++
		case types.StatusCancelled:
			report.Summary.Cancelled++
		}
	}
	return report
}

// Encode renders the report as indented JSON with a trailing newline.
func (r *SuiteReport) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal suite report: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteSuiteReport writes the report as JSON to path. "-" writes to
// stderr so stdout stays parseable for pipelines.
func WriteSuiteReport(report *SuiteReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	data, err := report.Encode()
	if err != nil {
		return err
	}
	if path == "-" {
		if _, err := os.Stderr.Write(data); err != nil {
			return fmt.Errorf("write suite report to stderr: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write suite report to %s: %w", path, err)
	}
	return nil
}

// writeSuiteReportTo writes report JSON to any writer, for tests.
func writeSuiteReportTo(report *SuiteReport, w io.Writer) error {
	data, err := report.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadSuiteReport loads a report written by WriteSuiteReport.
func ReadSuiteReport(path string) (*SuiteReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite report: %w", err)
	}
	var report SuiteReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse suite report %s: %w", path, err)
	}
	return &report, nil
}
