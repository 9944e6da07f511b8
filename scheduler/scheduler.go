// Package scheduler fans a suite of notebooks out over a bounded worker
// pool. Each worker claims the next unscheduled notebook, provisions a
// fresh kernel session for it, runs it through the runner and always tears
// the session down before releasing its slot. Sessions are never reused
// across notebooks: kernel-global state must not leak between test cases.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openkickstartai/nbcheck/diff"
	"github.com/openkickstartai/nbcheck/kernel"
	"github.com/openkickstartai/nbcheck/log"
	"github.com/openkickstartai/nbcheck/metrics"
	"github.com/openkickstartai/nbcheck/runner"
	"github.com/openkickstartai/nbcheck/transcript"
	"github.com/openkickstartai/nbcheck/types"
)

// TeardownTimeout bounds session shutdown after a run finishes or the
// suite is cancelled. Teardown uses its own context so a cancelled suite
// still releases every kernel.
const TeardownTimeout = 10 * time.Second

// Session is the slice of the kernel session contract the scheduler
// needs: everything the runner uses, plus teardown. *kernel.Session
// satisfies it.
type Session interface {
	runner.Session
	Shutdown(ctx context.Context) error
}

var _ Session = (*kernel.Session)(nil)

// Provisioner supplies one fresh kernel session per call.
type Provisioner interface {
	Provision(ctx context.Context) (Session, error)
}

// ProvisionerFunc adapts a function to the Provisioner interface.
type ProvisionerFunc func(ctx context.Context) (Session, error)

// Provision implements Provisioner.
func (f ProvisionerFunc) Provision(ctx context.Context) (Session, error) {
	return f(ctx)
}

// Sink receives every finished notebook together with its verdict. Calls
// arrive from worker goroutines; implementations must be safe for
// concurrent use. The executed document is immutable after delivery.
type Sink interface {
	NotebookFinished(ctx context.Context, executed *types.Document, verdict *types.RunVerdict)
}

// Options configures a suite run.
type Options struct {
	// Workers is the number of concurrent execution slots (default 1).
	// With one worker the suite behaves identically to running each
	// notebook sequentially, which baseline generation relies on.
	Workers int
	// RunID identifies the suite invocation in logs and transcripts.
	RunID string
	// Compare checks each executed notebook against its own input
	// document as the baseline, under Policy.
	Compare bool
	// Policy is the comparison policy used when Compare is set.
	Policy diff.Policy
	// TranscriptDir, when set, records a transcript per notebook.
	TranscriptDir string
	// Sink, when set, receives each finished notebook.
	Sink Sink
	// Collector receives suite counters. May be nil.
	Collector *metrics.Collector
}

// Scheduler runs suites of notebooks.
type Scheduler struct {
	opts        Options
	provisioner Provisioner
	runner      *runner.Runner
	logger      *log.Logger
}

// New creates a Scheduler. A nil logger disables logging.
func New(provisioner Provisioner, run *runner.Runner, opts Options, logger *log.Logger) (*Scheduler, error) {
	if provisioner == nil {
		return nil, fmt.Errorf("scheduler requires a provisioner")
	}
	if run == nil {
		return nil, fmt.Errorf("scheduler requires a runner")
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("workers must not be negative, got %d", opts.Workers)
	}
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Scheduler{
		opts:        opts,
		provisioner: provisioner,
		runner:      run,
		logger:      logger,
	}, nil
}

// RunAll executes every document and returns one verdict per input, in
// input order. Workers claim documents through a single atomic counter;
// beyond it no mutable state is shared across slots. A failing notebook
// never aborts its siblings. When ctx is cancelled, in-flight notebooks
// finish with status cancelled, unclaimed ones are marked cancelled
// without starting, and RunAll returns only after every active session
// acknowledged teardown.
func (s *Scheduler) RunAll(ctx context.Context, docs []*types.Document) []*types.RunVerdict {
	verdicts := make([]*types.RunVerdict, len(docs))
	if len(docs) == 0 {
		return verdicts
	}

	workers := s.opts.Workers
	if workers > len(docs) {
		workers = len(docs)
	}

	s.logger.Info("suite starting", map[string]any{
		"notebooks": len(docs),
		"workers":   workers,
	})

	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if i >= len(docs) {
					return
				}
				verdicts[i] = s.runOne(ctx, docs[i])
			}
		}()
	}
	wg.Wait()

	s.logger.Info("suite finished", map[string]any{
		"notebooks": len(docs),
		"status":    string(WorstVerdictStatus(verdicts)),
	})
	return verdicts
}

// runOne executes a single notebook end to end: provision, run, compare,
// record, tear down. It never returns nil and never panics the slot;
// every failure mode folds into the verdict.
func (s *Scheduler) runOne(ctx context.Context, doc *types.Document) *types.RunVerdict {
	if ctx.Err() != nil {
		return s.cancelledVerdict(doc, "suite cancelled before the notebook started")
	}

	logger := s.logger.WithNotebook(doc.Path)

	session, err := s.provisioner.Provision(ctx)
	if err != nil {
		s.opts.Collector.IncSessionFailed()
		if ctx.Err() != nil {
			return s.cancelledVerdict(doc, "suite cancelled during session start")
		}
		logger.Error("session start failed", map[string]any{"error": err.Error()})
		s.opts.Collector.IncNotebook(string(types.StatusErrored))
		return &types.RunVerdict{
			Path:       doc.Path,
			Status:     types.StatusErrored,
			Diagnostic: fmt.Sprintf("kernel session could not be provisioned: %v", err),
		}
	}
	s.opts.Collector.IncSessionStarted()
	defer s.teardown(logger, session)

	var obs runner.EventObserver
	var rec *transcript.Recorder
	if s.opts.TranscriptDir != "" {
		rec, err = transcript.Create(s.opts.TranscriptDir, doc.Path)
		if err != nil {
			logger.Warn("transcript disabled for notebook", map[string]any{"error": err.Error()})
		} else {
			defer rec.Close()
			if err := rec.Start(s.opts.RunID, session.KernelID()); err != nil {
				logger.Warn("transcript start record failed", map[string]any{"error": err.Error()})
			}
			obs = func(cellIndex int, ev *kernel.Event) {
				if err := rec.Event(cellIndex, ev); err != nil {
					logger.Warn("transcript event dropped", map[string]any{"error": err.Error()})
				}
			}
		}
	}

	executed, verdict := s.runner.RunObserved(ctx, doc, session, obs)

	if s.opts.Compare && verdict.Status == types.StatusPassed {
		s.compare(executed, doc, verdict)
	}

	if rec != nil {
		if err := rec.Verdict(verdict); err != nil {
			logger.Warn("transcript verdict record failed", map[string]any{"error": err.Error()})
		}
	}
	if s.opts.Sink != nil {
		s.opts.Sink.NotebookFinished(ctx, executed, verdict)
	}
	return verdict
}

// compare folds baseline mismatches into a passed verdict. Comparison
// only runs on passed verdicts: a notebook that errored or timed out has
// already failed for a more fundamental reason.
func (s *Scheduler) compare(executed, baseline *types.Document, verdict *types.RunVerdict) {
	mismatches := diff.Compare(executed, baseline, s.opts.Policy)
	if len(mismatches) == 0 {
		return
	}
	verdict.Status = types.StatusFailed
	verdict.Mismatches = mismatches
	first := mismatches[0].CellIndex
	verdict.FirstFailureCell = &first
	verdict.Diagnostic = fmt.Sprintf("%d output mismatch(es) against baseline, first at cell %d", len(mismatches), first)
}

// teardown shuts the session down under its own deadline. The suite
// context may already be cancelled; kernels must be released regardless.
func (s *Scheduler) teardown(logger *log.Logger, session Session) {
	ctx, cancel := context.WithTimeout(context.Background(), TeardownTimeout)
	defer cancel()
	if err := session.Shutdown(ctx); err != nil {
		logger.Warn("session teardown failed", map[string]any{
			"kernel_id": session.KernelID(),
			"error":     err.Error(),
		})
	}
}

func (s *Scheduler) cancelledVerdict(doc *types.Document, diagnostic string) *types.RunVerdict {
	s.opts.Collector.IncNotebook(string(types.StatusCancelled))
	return &types.RunVerdict{
		Path:       doc.Path,
		Status:     types.StatusCancelled,
		Diagnostic: diagnostic,
	}
}

// WorstVerdictStatus returns the highest-precedence status across the
// verdicts. An empty suite passes.
func WorstVerdictStatus(verdicts []*types.RunVerdict) types.RunStatus {
	worst := types.StatusPassed
	for _, v := range verdicts {
		if v == nil {
			continue
		}
		worst = types.WorstStatus(worst, v.Status)
	}
	return worst
}
