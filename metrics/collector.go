// Package metrics provides per-suite metrics collection.
//
// The Collector accumulates counters while a suite of notebooks runs. It is
// a leaf package with no internal dependencies; notebook statuses are passed
// as plain strings so the package stays decoupled from the types package.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all suite metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Notebook lifecycle
	NotebooksRun      int64
	NotebooksByStatus map[string]int64

	// Cell execution
	CellsExecuted  int64
	CellsErrored   int64
	CellsTimedOut  int64
	InterruptsSent int64

	// Kernel sessions
	SessionsStarted int64
	SessionsFailed  int64
	KernelEvents    int64

	// Artifact storage (per-call, not per-byte)
	ArtifactWriteSuccess int64
	ArtifactWriteFailure int64

	// Dimensions (informational, set at construction)
	KernelName     string
	StorageBackend string
	SuiteID        string
}

// Collector accumulates metrics during a single suite run.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe,
// so callers never need to guard a missing collector.
type Collector struct {
	mu sync.Mutex

	// Notebook lifecycle
	notebooksRun      int64
	notebooksByStatus map[string]int64

	// Cell execution
	cellsExecuted  int64
	cellsErrored   int64
	cellsTimedOut  int64
	interruptsSent int64

	// Kernel sessions
	sessionsStarted int64
	sessionsFailed  int64
	kernelEvents    int64

	// Artifact storage
	artifactWriteSuccess int64
	artifactWriteFailure int64

	// Dimensions
	kernelName     string
	storageBackend string
	suiteID        string
}

// NewCollector creates a Collector with dimension labels. The dimensions are
// informational and surface unchanged in every Snapshot.
func NewCollector(kernelName, storageBackend, suiteID string) *Collector {
	return &Collector{
		notebooksByStatus: make(map[string]int64),
		kernelName:        kernelName,
		storageBackend:    storageBackend,
		suiteID:           suiteID,
	}
}

// --- Notebook lifecycle ---

// IncNotebook records one notebook finishing with the given status.
func (c *Collector) IncNotebook(status string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notebooksRun++
	c.notebooksByStatus[status]++
	c.mu.Unlock()
}

// --- Cell execution ---

// IncCellExecuted records one code cell driven to a recorded outcome.
func (c *Collector) IncCellExecuted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cellsExecuted++
	c.mu.Unlock()
}

// IncCellErrored records a cell that raised an exception.
func (c *Collector) IncCellErrored() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cellsErrored++
	c.mu.Unlock()
}

// IncCellTimedOut records a cell that exceeded its execution deadline.
func (c *Collector) IncCellTimedOut() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cellsTimedOut++
	c.mu.Unlock()
}

// IncInterruptSent records an interrupt delivered to a kernel.
func (c *Collector) IncInterruptSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.interruptsSent++
	c.mu.Unlock()
}

// --- Kernel sessions ---

// IncSessionStarted records a kernel session that completed its handshake.
func (c *Collector) IncSessionStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsStarted++
	c.mu.Unlock()
}

// IncSessionFailed records a session that could not be provisioned or died
// before its notebook finished.
func (c *Collector) IncSessionFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsFailed++
	c.mu.Unlock()
}

// AddKernelEvents records n protocol events received from kernels.
func (c *Collector) AddKernelEvents(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.kernelEvents += n
	c.mu.Unlock()
}

// --- Artifact storage ---
// Storage counters are per-call, not per-record. A store call that persists
// one executed notebook or one report counts as a single write.

// IncArtifactWriteSuccess records a successful artifact store write.
func (c *Collector) IncArtifactWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.artifactWriteSuccess++
	c.mu.Unlock()
}

// IncArtifactWriteFailure records a failed artifact store write.
func (c *Collector) IncArtifactWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.artifactWriteFailure++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byStatus := make(map[string]int64, len(c.notebooksByStatus))
	for k, v := range c.notebooksByStatus {
		byStatus[k] = v
	}

	return Snapshot{
		NotebooksRun:      c.notebooksRun,
		NotebooksByStatus: byStatus,

		CellsExecuted:  c.cellsExecuted,
		CellsErrored:   c.cellsErrored,
		CellsTimedOut:  c.cellsTimedOut,
		InterruptsSent: c.interruptsSent,

		SessionsStarted: c.sessionsStarted,
		SessionsFailed:  c.sessionsFailed,
		KernelEvents:    c.kernelEvents,

		ArtifactWriteSuccess: c.artifactWriteSuccess,
		ArtifactWriteFailure: c.artifactWriteFailure,

		KernelName:     c.kernelName,
		StorageBackend: c.storageBackend,
		SuiteID:        c.suiteID,
	}
}
