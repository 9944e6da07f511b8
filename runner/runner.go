// Package runner executes notebook documents against live kernel sessions.
//
// A Runner drives the code cells of one document through a Session in
// index order, enforcing a per-cell timeout and a cumulative per-notebook
// budget, and classifies the result into a RunVerdict. The caller owns the
// session lifecycle: the runner submits, interrupts, and reads, but never
// provisions or shuts down.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/openkickstartai/nbcheck/kernel"
	"github.com/openkickstartai/nbcheck/log"
	"github.com/openkickstartai/nbcheck/metrics"
	"github.com/openkickstartai/nbcheck/types"
)

// DefaultInterruptGrace bounds how long a timed-out cell's stream is
// drained after the interrupt before the kernel is written off.
const DefaultInterruptGrace = 2 * time.Second

// Session is the slice of the kernel session contract the runner needs.
// *kernel.Session satisfies it; tests substitute scripted fakes.
type Session interface {
	// Submit sends source for execution and returns its event stream.
	Submit(ctx context.Context, source string) (<-chan kernel.Event, error)
	// Interrupt asks the kernel to abort the running cell.
	Interrupt(ctx context.Context) error
	// KernelID identifies the backing kernel for diagnostics.
	KernelID() string
	// Err explains why the session died, if it did.
	Err() error
}

var _ Session = (*kernel.Session)(nil)

// EventObserver receives every kernel event of a run in arrival order,
// tagged with the document index of the cell that produced it. Observers
// run on the consuming goroutine and must not block.
type EventObserver func(cellIndex int, ev *kernel.Event)

// Options configures cell execution for every notebook a Runner handles.
type Options struct {
	// CellTimeout bounds each code cell's execution. Zero means unbounded.
	CellTimeout time.Duration
	// NotebookBudget bounds a notebook's cumulative execution time across
	// all of its cells. Zero means unbounded.
	NotebookBudget time.Duration
	// StopOnError aborts a notebook at the first errored cell instead of
	// continuing with the remaining cells.
	StopOnError bool
	// InterruptGrace bounds the wait for a kernel to acknowledge the
	// interrupt sent after a timeout. Defaults to DefaultInterruptGrace.
	InterruptGrace time.Duration
	// Collector receives execution counters. May be nil.
	Collector *metrics.Collector
}

// Runner executes notebooks with one fixed set of Options. A single Runner
// is safe for concurrent use; scheduler workers share one instance.
type Runner struct {
	opts   Options
	logger *log.Logger
}

// New creates a Runner. A nil logger disables logging.
func New(opts Options, logger *log.Logger) (*Runner, error) {
	if opts.CellTimeout < 0 {
		return nil, fmt.Errorf("cell timeout must not be negative, got %s", opts.CellTimeout)
	}
	if opts.NotebookBudget < 0 {
		return nil, fmt.Errorf("notebook budget must not be negative, got %s", opts.NotebookBudget)
	}
	if opts.InterruptGrace < 0 {
		return nil, fmt.Errorf("interrupt grace must not be negative, got %s", opts.InterruptGrace)
	}
	if opts.InterruptGrace == 0 {
		opts.InterruptGrace = DefaultInterruptGrace
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{opts: opts, logger: logger}, nil
}

// Run executes doc's code cells through session in index order and returns
// a populated copy of the document together with the verdict. The input
// document is never mutated.
//
// Cells that raise errors set the verdict to failed; with StopOnError the
// run aborts there, otherwise the remaining cells still execute. A cell
// timeout or an exhausted notebook budget aborts the run as timed_out. A
// dead session aborts it as errored, and a cancelled context as cancelled.
// Run never returns an error: infrastructure faults are folded into the
// verdict so one broken notebook cannot take down a suite.
func (r *Runner) Run(ctx context.Context, doc *types.Document, session Session) (*types.Document, *types.RunVerdict) {
	return r.RunObserved(ctx, doc, session, nil)
}

// RunObserved is Run with an event observer tap. The scheduler uses it to
// record transcripts without the runner knowing about persistence.
func (r *Runner) RunObserved(ctx context.Context, doc *types.Document, session Session, obs EventObserver) (*types.Document, *types.RunVerdict) {
	start := time.Now()
	logger := r.logger.WithNotebook(doc.Path)
	out := doc.Clone()
	verdict := &types.RunVerdict{Path: doc.Path, Status: types.StatusPassed}

	logger.Info("notebook run starting", map[string]any{
		"kernel_id":  session.KernelID(),
		"code_cells": len(doc.CodeCells()),
	})

	sawError := false

cells:
	for i := range out.Cells {
		cell := &out.Cells[i]
		if !cell.IsCode() {
			continue
		}

		timeout, budgetClamped := r.cellDeadline(start)
		if budgetClamped && timeout <= 0 {
			verdict.Status = types.StatusTimedOut
			verdict.Diagnostic = fmt.Sprintf("notebook budget %s exhausted before cell %d", r.opts.NotebookBudget, cell.Index)
			setFirstFailure(verdict, cell.Index)
			break
		}

		res, err := r.executeCell(ctx, logger, session, cell, timeout, obs)
		if err != nil {
			setFirstFailure(verdict, cell.Index)
			if ctx.Err() != nil {
				verdict.Status = types.StatusCancelled
				verdict.Diagnostic = fmt.Sprintf("run cancelled at cell %d", cell.Index)
			} else {
				verdict.Status = types.StatusErrored
				verdict.Diagnostic = fmt.Sprintf("cell %d: %v", cell.Index, err)
				logger.Error("kernel session lost", map[string]any{
					"cell_index": cell.Index,
					"error":      err.Error(),
				})
			}
			break
		}

		verdict.CellsRun++
		verdict.CellTimings = append(verdict.CellTimings, types.CellTiming{
			CellIndex:  cell.Index,
			Outcome:    res.Outcome,
			DurationMs: res.Duration.Milliseconds(),
		})
		cell.Outputs = res.Outputs
		cell.ExecutionCount = res.ExecutionCount

		switch res.Outcome {
		case types.CellTimedOut:
			verdict.Status = types.StatusTimedOut
			setFirstFailure(verdict, cell.Index)
			if budgetClamped {
				verdict.Diagnostic = fmt.Sprintf("notebook budget %s exhausted at cell %d", r.opts.NotebookBudget, cell.Index)
			} else {
				verdict.Diagnostic = fmt.Sprintf("cell %d exceeded its %s timeout", cell.Index, r.opts.CellTimeout)
			}
			break cells
		case types.CellErrored:
			sawError = true
			setFirstFailure(verdict, cell.Index)
			if verdict.Diagnostic == "" {
				verdict.Diagnostic = errorDiagnostic(cell.Index, res.Outputs)
			}
			if r.opts.StopOnError {
				break cells
			}
		}
	}

	if verdict.Status == types.StatusPassed && sawError {
		verdict.Status = types.StatusFailed
	}
	verdict.DurationMs = time.Since(start).Milliseconds()
	r.opts.Collector.IncNotebook(string(verdict.Status))

	logger.Info("notebook run finished", map[string]any{
		"status":      string(verdict.Status),
		"cells_run":   verdict.CellsRun,
		"duration_ms": verdict.DurationMs,
	})
	return out, verdict
}

// cellDeadline computes the execution bound for the next cell: the per-cell
// timeout, clamped by whatever remains of the notebook budget. Zero means
// unbounded; budgetClamped reports that the budget, not the cell timeout,
// is the binding constraint.
func (r *Runner) cellDeadline(start time.Time) (timeout time.Duration, budgetClamped bool) {
	timeout = r.opts.CellTimeout
	if r.opts.NotebookBudget <= 0 {
		return timeout, false
	}
	remaining := r.opts.NotebookBudget - time.Since(start)
	if timeout == 0 || remaining < timeout {
		return remaining, true
	}
	return timeout, false
}

func setFirstFailure(v *types.RunVerdict, index int) {
	if v.FirstFailureCell == nil {
		idx := index
		v.FirstFailureCell = &idx
	}
}

// errorDiagnostic renders the one-line explanation for an errored cell from
// its error output record.
func errorDiagnostic(cellIndex int, outputs []types.Output) string {
	for i := range outputs {
		if outputs[i].Type != types.OutputError {
			continue
		}
		if outputs[i].Ename == "" {
			break
		}
		if outputs[i].Evalue == "" {
			return fmt.Sprintf("cell %d raised %s", cellIndex, outputs[i].Ename)
		}
		return fmt.Sprintf("cell %d raised %s: %s", cellIndex, outputs[i].Ename, outputs[i].Evalue)
	}
	return fmt.Sprintf("cell %d raised an error", cellIndex)
}
