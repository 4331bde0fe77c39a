// Package store archives every delivered batch in a storage.Store.
package store

import (
	"context"
	"time"

	"batchlog/internal/batch"
	"batchlog/internal/storage"
)

const DefaultTimeout = 5 * time.Second

// Sink does not own st; the caller closes it.
type Sink struct {
	st      storage.Store
	timeout time.Duration
}

func New(st storage.Store, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sink{st: st, timeout: timeout}
}

func (s *Sink) ProcessBatch(ctx context.Context, b *batch.Batch) error {
	if s.st == nil {
		return storage.ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.st.AppendBatch(ctx, storage.RecordOf(b))
}

func (s *Sink) Close() error { return nil }
