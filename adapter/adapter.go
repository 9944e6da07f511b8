// Package adapter defines the notification boundary for suite runs.
//
// Adapters publish notebook completion events to downstream systems so
// CI dashboards and chat integrations can react without polling report
// files. The CLI owns adapter lifecycle; users provide configuration
// only.
package adapter

import (
	"context"
	"time"

	"github.com/openkickstartai/nbcheck/log"
	"github.com/openkickstartai/nbcheck/types"
)

// SchemaVersion identifies the event payload shape. Bump on any
// incompatible field change.
const SchemaVersion = "1"

// NotebookCompletedEvent is the payload published when one notebook
// finishes, whatever its status.
type NotebookCompletedEvent struct {
	SchemaVersion string `json:"schema_version"`
	EventType     string `json:"event_type"` // always "notebook_completed"
	RunID         string `json:"run_id"`
	Notebook      string `json:"notebook"`
	Status        string `json:"status"`
	CellsRun      int    `json:"cells_run"`
	// FirstFailureCell is present for non-passed notebooks that can name
	// an offending cell.
	FirstFailureCell *int   `json:"first_failure_cell,omitempty"`
	Diagnostic       string `json:"diagnostic,omitempty"`
	DurationMs       int64  `json:"duration_ms"`
	Timestamp        string `json:"timestamp"` // ISO 8601
}

// FromVerdict builds the completion event for one verdict.
func FromVerdict(runID string, v *types.RunVerdict) *NotebookCompletedEvent {
	return &NotebookCompletedEvent{
		SchemaVersion:    SchemaVersion,
		EventType:        "notebook_completed",
		RunID:            runID,
		Notebook:         v.Path,
		Status:           string(v.Status),
		CellsRun:         v.CellsRun,
		FirstFailureCell: v.FirstFailureCell,
		Diagnostic:       v.Diagnostic,
		DurationMs:       v.DurationMs,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
}

// Adapter publishes notebook completion events to a downstream system.
// Implementations must be safe for concurrent Publish calls; scheduler
// workers share one adapter.
type Adapter interface {
	// Publish sends a completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *NotebookCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Sink feeds scheduler completions into an Adapter. Publish failures are
// logged and swallowed: a broken notification channel must never change
// a suite's verdicts or exit code.
type Sink struct {
	runID   string
	adapter Adapter
	logger  *log.Logger
}

// NewSink wraps an adapter for use as a scheduler sink.
func NewSink(runID string, a Adapter, logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{runID: runID, adapter: a, logger: logger}
}

// NotebookFinished publishes the completion event for one verdict.
func (s *Sink) NotebookFinished(ctx context.Context, _ *types.Document, v *types.RunVerdict) {
	if err := s.adapter.Publish(ctx, FromVerdict(s.runID, v)); err != nil {
		s.logger.Warn("completion event publish failed", map[string]any{
			"notebook": v.Path,
			"error":    err.Error(),
		})
	}
}
