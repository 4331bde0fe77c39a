package batcher

import (
	"context"
	"fmt"

	"batchlog/internal/batch"
)

// Processor receives sealed batches. It may block on I/O; it runs on a
// scheduler worker, never on the goroutine that accepted the events.
type Processor interface {
	ProcessBatch(ctx context.Context, b *batch.Batch) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, b *batch.Batch) error

func (f ProcessorFunc) ProcessBatch(ctx context.Context, b *batch.Batch) error { return f(ctx, b) }

// safeProcess calls p and turns a panic into an error.
func safeProcess(ctx context.Context, p Processor, b *batch.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.ProcessBatch(ctx, b)
}
