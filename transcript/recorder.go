package transcript

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openkickstartai/nbcheck/kernel"
	"github.com/openkickstartai/nbcheck/types"
)

// FileExt is the transcript file extension.
const FileExt = ".nbt"

// Recorder writes one notebook's transcript. Safe for concurrent use; the
// runner goroutine and the scheduler's teardown path both touch it.
type Recorder struct {
	mu       sync.Mutex
	enc      *Encoder
	buf      *bufio.Writer
	closer   io.Closer
	notebook string
	seq      int64
	closed   bool
}

// NewRecorder creates a recorder writing to w. When w is also an
// io.Closer, Close closes it.
func NewRecorder(w io.Writer, notebook string) *Recorder {
	buf := bufio.NewWriter(w)
	r := &Recorder{
		enc:      NewEncoder(buf),
		buf:      buf,
		notebook: notebook,
	}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// Create opens a transcript file for one notebook under dir. The filename
// is derived from the notebook path so a run's transcripts stay
// distinguishable without opening them.
func Create(dir, notebookPath string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	path := filepath.Join(dir, slug(notebookPath)+FileExt)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	return NewRecorder(f, notebookPath), nil
}

// slug flattens a notebook path into a filename.
func slug(notebookPath string) string {
	s := strings.TrimSuffix(notebookPath, filepath.Ext(notebookPath))
	s = strings.ReplaceAll(s, string(filepath.Separator), "__")
	s = strings.TrimPrefix(s, "__")
	if s == "" {
		return "notebook"
	}
	return s
}

// Start writes the opening notebook_start record.
func (r *Recorder) Start(runID, kernelID string) error {
	return r.write(&Record{
		Type:  RecordNotebookStart,
		Start: &StartRecord{RunID: runID, KernelID: kernelID},
	})
}

// Event records one kernel event for the given cell.
func (r *Recorder) Event(cellIndex int, ev *kernel.Event) error {
	rec := &Record{
		Type:      RecordKernelEvent,
		CellIndex: cellIndex,
		Event: &EventRecord{
			Kind:           string(ev.Kind),
			StreamName:     ev.StreamName,
			Text:           ev.Text,
			Data:           ev.Data,
			Metadata:       ev.Metadata,
			ExecutionCount: ev.ExecutionCount,
			Ename:          ev.Ename,
			Evalue:         ev.Evalue,
			Traceback:      ev.Traceback,
		},
	}
	return r.write(rec)
}

// Verdict writes the closing verdict record.
func (r *Recorder) Verdict(v *types.RunVerdict) error {
	return r.write(&Record{
		Type: RecordVerdict,
		Verdict: &VerdictRecord{
			Status:           string(v.Status),
			CellsRun:         v.CellsRun,
			DurationMs:       v.DurationMs,
			Diagnostic:       v.Diagnostic,
			FirstFailureCell: v.FirstFailureCell,
		},
	})
}

func (r *Recorder) write(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("transcript for %s already closed", r.notebook)
	}
	r.seq++
	rec.Schema = SchemaVersion
	rec.Seq = r.seq
	rec.TimestampMs = time.Now().UnixMilli()
	rec.Notebook = r.notebook
	return r.enc.Encode(rec)
}

// Close flushes buffered frames and closes the underlying file.
// Subsequent writes fail.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.buf.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadFile decodes a transcript file.
func ReadFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	records, err := ReadAll(f)
	if err != nil {
		return records, fmt.Errorf("read transcript %s: %w", path, err)
	}
	return records, nil
}
