// Package store persists run artifacts: executed notebook copies and suite
// reports. Backends share one small byte-oriented contract so the engine
// stays indifferent to whether artifacts land on the local filesystem or in
// an object store.
package store

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// Store persists named artifacts. Keys are slash-separated relative paths;
// backends map them onto their own layout. Implementations must be safe
// for concurrent use by scheduler workers.
type Store interface {
	// Put writes data under key, replacing any previous content.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the content stored under key.
	// Returns an error matching ErrNotFound when nothing is stored there.
	Get(ctx context.Context, key string) ([]byte, error)

	// Close releases backend resources.
	Close() error
}

// DeriveDay computes the date partition from the suite start time,
// formatted YYYY-MM-DD in UTC.
func DeriveDay(start time.Time) string {
	return start.UTC().Format("2006-01-02")
}

// Layout builds the keys for one suite run. All artifacts of a run live
// under runs/<day>/<run_id>/ so CI retention policies can prune by date.
type Layout struct {
	RunID string
	Day   string
}

// NewLayout creates a layout for a run started at the given time.
func NewLayout(runID string, start time.Time) Layout {
	return Layout{RunID: runID, Day: DeriveDay(start)}
}

// ReportKey is the key for the suite report JSON.
func (l Layout) ReportKey() string {
	return l.key("report.json")
}

// NotebookKey is the key for an executed notebook copy. The notebook path
// keeps its directory structure below notebooks/.
func (l Layout) NotebookKey(notebookPath string) string {
	p := strings.TrimPrefix(path.Clean(strings.ReplaceAll(notebookPath, "\\", "/")), "/")
	for strings.HasPrefix(p, "../") {
		p = strings.TrimPrefix(p, "../")
	}
	return l.key("notebooks/" + p)
}

// TranscriptKey is the key for an uploaded transcript file.
func (l Layout) TranscriptKey(filename string) string {
	return l.key("transcripts/" + path.Base(filename))
}

func (l Layout) key(rest string) string {
	return fmt.Sprintf("runs/%s/%s/%s", l.Day, l.RunID, rest)
}

// StubStore is an in-memory Store for tests. It records every Put in
// order and serves Gets from the accumulated state.
type StubStore struct {
	mu sync.Mutex

	// Objects maps keys to their latest content.
	Objects map[string][]byte
	// PutKeys records Put calls in order.
	PutKeys []string
	// Closed indicates whether Close was called.
	Closed bool

	// FailPuts makes every Put return this error when non-nil.
	FailPuts error
}

// NewStubStore creates an empty stub store.
func NewStubStore() *StubStore {
	return &StubStore{Objects: make(map[string][]byte)}
}

// Put implements Store.
func (s *StubStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts != nil {
		return s.FailPuts
	}
	s.Objects[key] = append([]byte(nil), data...)
	s.PutKeys = append(s.PutKeys, key)
	return nil
}

// Get implements Store.
func (s *StubStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.Objects[key]
	if !ok {
		return nil, NewStorageError(ErrNotFound, "read", key, fmt.Errorf("key %s not found", key))
	}
	return append([]byte(nil), data...), nil
}

// Close implements Store.
func (s *StubStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

var _ Store = (*StubStore)(nil)
