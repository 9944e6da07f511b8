package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openkickstartai/nbcheck/kernel"
	"github.com/openkickstartai/nbcheck/log"
	"github.com/openkickstartai/nbcheck/types"
)

// CellResult is the outcome of driving one code cell through a session.
type CellResult struct {
	// Outcome classifies the execution.
	Outcome types.CellOutcome
	// Outputs holds the cell's output records in arrival order.
	Outputs []types.Output
	// ExecutionCount is the kernel counter from the success marker. Nil for
	// errored and timed-out cells.
	ExecutionCount *int
	// Duration is the wall-clock time from submit to stream end.
	Duration time.Duration
}

// ExecuteCell drives one cell through the session, bounded by timeout
// (zero means unbounded). Non-code cells return CellOK without touching
// the session.
//
// On timeout the kernel is interrupted and the stream drained within the
// interrupt grace window; the result is CellTimedOut whether or not the
// kernel acknowledged, since a timed-out cell ends its notebook either
// way. A non-nil error means the session is no longer usable: the submit
// was rejected, the kernel died mid-execution, or ctx was cancelled.
func (r *Runner) ExecuteCell(ctx context.Context, session Session, cell *types.Cell, timeout time.Duration) (*CellResult, error) {
	return r.executeCell(ctx, r.logger, session, cell, timeout, nil)
}

func (r *Runner) executeCell(ctx context.Context, logger *log.Logger, session Session, cell *types.Cell, timeout time.Duration, obs EventObserver) (*CellResult, error) {
	res := &CellResult{Outcome: types.CellOK}
	if !cell.IsCode() {
		return res, nil
	}

	start := time.Now()
	events, err := session.Submit(ctx, cell.Source)
	if err != nil {
		return nil, fmt.Errorf("submit cell %d: %w", cell.Index, err)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, streamLost(session)
			}
			r.opts.Collector.AddKernelEvents(1)
			if obs != nil {
				obs(cell.Index, &ev)
			}
			if out, isOutput := ev.Output(); isOutput {
				res.Outputs = append(res.Outputs, out)
			}
			switch ev.Kind {
			case kernel.EventDone:
				res.ExecutionCount = ev.ExecutionCount
				res.Duration = time.Since(start)
				r.opts.Collector.IncCellExecuted()
				return res, nil
			case kernel.EventError:
				res.Outcome = types.CellErrored
				res.Duration = time.Since(start)
				r.opts.Collector.IncCellExecuted()
				r.opts.Collector.IncCellErrored()
				return res, nil
			}
		case <-deadline:
			return r.interruptAndDrain(logger, session, cell, events, res, start, obs)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// interruptAndDrain handles a cell that exceeded its deadline: interrupt
// the kernel, then keep consuming events until a terminal marker lands or
// the grace window closes. The outcome is CellTimedOut on every path; what
// varies is whether the session is still alive for teardown to find.
func (r *Runner) interruptAndDrain(logger *log.Logger, session Session, cell *types.Cell, events <-chan kernel.Event, res *CellResult, start time.Time, obs EventObserver) (*CellResult, error) {
	res.Outcome = types.CellTimedOut
	r.opts.Collector.IncCellExecuted()
	r.opts.Collector.IncCellTimedOut()

	logger.Warn("cell timed out, interrupting kernel", map[string]any{
		"cell_index": cell.Index,
		"kernel_id":  session.KernelID(),
	})

	// The run context may be near its own deadline; the interrupt gets a
	// fresh one so cleanup cannot be starved.
	interruptCtx, cancel := context.WithTimeout(context.Background(), r.opts.InterruptGrace)
	defer cancel()
	if err := session.Interrupt(interruptCtx); err != nil {
		logger.Warn("interrupt failed", map[string]any{
			"cell_index": cell.Index,
			"error":      err.Error(),
		})
	} else {
		r.opts.Collector.IncInterruptSent()
	}

	grace := time.NewTimer(r.opts.InterruptGrace)
	defer grace.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// The kernel died instead of acknowledging. Teardown will
				// collect the corpse.
				logger.Warn("kernel died under interrupt", map[string]any{
					"cell_index": cell.Index,
					"error":      errString(session.Err()),
				})
				res.Duration = time.Since(start)
				return res, nil
			}
			r.opts.Collector.AddKernelEvents(1)
			if obs != nil {
				obs(cell.Index, &ev)
			}
			if out, isOutput := ev.Output(); isOutput {
				res.Outputs = append(res.Outputs, out)
			}
			if ev.Terminal() {
				// Interrupts normally surface as a KeyboardInterrupt error
				// marker; the session is ready again.
				res.Duration = time.Since(start)
				return res, nil
			}
		case <-grace.C:
			logger.Warn("kernel did not acknowledge interrupt", map[string]any{
				"cell_index": cell.Index,
				"grace":      r.opts.InterruptGrace.String(),
			})
			res.Duration = time.Since(start)
			return res, nil
		}
	}
}

// streamLost names the session failure behind an event stream that closed
// without a terminal marker.
func streamLost(session Session) error {
	if err := session.Err(); err != nil {
		return err
	}
	return errors.New("event stream closed without a terminal marker")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
