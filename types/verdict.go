package types

// RunStatus classifies the final result of one notebook run.
type RunStatus string

const (
	// StatusPassed indicates every cell ran clean and, when comparison was
	// requested, no mismatches were found.
	StatusPassed RunStatus = "passed"
	// StatusFailed indicates at least one cell raised an error, or the
	// comparison found mismatches.
	StatusFailed RunStatus = "failed"
	// StatusErrored indicates infrastructure failure: the session could not
	// be provisioned, the kernel crashed, or a protocol fault occurred.
	StatusErrored RunStatus = "errored"
	// StatusTimedOut indicates a cell or notebook budget was exceeded.
	StatusTimedOut RunStatus = "timed_out"
	// StatusCancelled indicates the suite was cancelled before this
	// notebook finished (or started).
	StatusCancelled RunStatus = "cancelled"
)

// Precedence ranks statuses by severity. When one status must stand for
// several results, the highest rank wins:
// cancelled > errored > timed_out > failed > passed.
func (s RunStatus) Precedence() int {
	switch s {
	case StatusCancelled:
		return 4
	case StatusErrored:
		return 3
	case StatusTimedOut:
		return 2
	case StatusFailed:
		return 1
	case StatusPassed:
		return 0
	default:
		return -1
	}
}

// WorstStatus returns the higher-precedence of two statuses.
func WorstStatus(a, b RunStatus) RunStatus {
	if b.Precedence() > a.Precedence() {
		return b
	}
	return a
}

// CellOutcome classifies a single cell execution.
type CellOutcome string

const (
	// CellOK indicates the cell ran to its success marker.
	CellOK CellOutcome = "ok"
	// CellErrored indicates the cell raised an unhandled error but the
	// session remains usable.
	CellErrored CellOutcome = "errored"
	// CellTimedOut indicates the per-cell budget expired and the cell was
	// interrupted.
	CellTimedOut CellOutcome = "timed_out"
)

// CellTiming records the wall-clock result of one executed cell.
type CellTiming struct {
	CellIndex  int         `json:"cell_index"`
	Outcome    CellOutcome `json:"outcome"`
	DurationMs int64       `json:"duration_ms"`
}

// MismatchKind discriminates baseline comparison findings.
type MismatchKind string

const (
	// MismatchMissingCell means the baseline has a cell at this index but
	// the actual document does not.
	MismatchMissingCell MismatchKind = "missing_cell"
	// MismatchExtraCell means the actual document has a cell at this index
	// but the baseline does not.
	MismatchExtraCell MismatchKind = "extra_cell"
	// MismatchOutputCount means an aligned cell produced a different number
	// of outputs than the baseline records.
	MismatchOutputCount MismatchKind = "output_count_mismatch"
	// MismatchOutputContent means an aligned output differs after
	// normalization.
	MismatchOutputContent MismatchKind = "output_content_mismatch"
)

// Mismatch is one comparison finding. Expected and Actual carry short
// rendered snippets suitable for terminal display, not full payloads.
type Mismatch struct {
	CellIndex   int          `json:"cell_index"`
	OutputIndex *int         `json:"output_index,omitempty"`
	Kind        MismatchKind `json:"kind"`
	Expected    string       `json:"expected"`
	Actual      string       `json:"actual"`
}

// RunVerdict is the immutable result of one notebook run. Verdicts are
// created once by the runner (or scheduler, for cancelled slots) and never
// modified afterwards.
type RunVerdict struct {
	// Path identifies the notebook.
	Path string `json:"path"`
	// Status is the final classification.
	Status RunStatus `json:"status"`
	// CellsRun counts code cells driven to a recorded outcome. A cell cut
	// short by a kernel crash or cancellation is not counted.
	CellsRun int `json:"cells_run"`
	// FirstFailureCell is the index of the first cell that errored, timed
	// out, or mismatched. Nil for passed runs.
	FirstFailureCell *int `json:"first_failure_cell,omitempty"`
	// Diagnostic is a human-readable one-line explanation for non-passed
	// runs. It names the offending cell index where one exists.
	Diagnostic string `json:"diagnostic,omitempty"`
	// Mismatches holds comparison findings when comparison was requested.
	Mismatches []Mismatch `json:"mismatches,omitempty"`
	// CellTimings records per-cell durations in execution order.
	CellTimings []CellTiming `json:"cell_timings,omitempty"`
	// DurationMs is the total wall-clock time for the notebook.
	DurationMs int64 `json:"duration_ms"`
}

// Failed reports whether the verdict is anything other than passed.
func (v *RunVerdict) Failed() bool {
	return v.Status != StatusPassed
}

// ExitCode maps a status to the process exit code contract:
// 0 passed, 1 failed, 2 errored, 3 timed out, 4 cancelled.
func (s RunStatus) ExitCode() int {
	switch s {
	case StatusPassed:
		return 0
	case StatusFailed:
		return 1
	case StatusErrored:
		return 2
	case StatusTimedOut:
		return 3
	case StatusCancelled:
		return 4
	default:
		return 2
	}
}
