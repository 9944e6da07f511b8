package store

import (
	"context"

	"github.com/openkickstartai/nbcheck/metrics"
)

// InstrumentedStore wraps a Store and records write metrics. Each Put
// increments artifact_write_success or artifact_write_failure on the
// collector; reads are not counted.
type InstrumentedStore struct {
	inner     Store
	collector *metrics.Collector
}

// NewInstrumentedStore wraps a store with metrics instrumentation.
// The collector may be nil; increments are nil-safe.
func NewInstrumentedStore(inner Store, collector *metrics.Collector) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, collector: collector}
}

// Put delegates to the inner store and records success or failure.
func (s *InstrumentedStore) Put(ctx context.Context, key string, data []byte) error {
	err := s.inner.Put(ctx, key, data)
	if err != nil {
		s.collector.IncArtifactWriteFailure()
	} else {
		s.collector.IncArtifactWriteSuccess()
	}
	return err
}

// Get delegates to the inner store.
func (s *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, key)
}

// Close delegates to the inner store.
func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

var _ Store = (*InstrumentedStore)(nil)
