package batcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"batchlog/internal/eventbus"
	"batchlog/internal/scheduler"
	"batchlog/internal/status"
	"batchlog/pkg/logx"
)

const (
	DefaultDrainTimeout     = 10 * time.Second
	DefaultDrainParallelism = 4
)

// DrainOptions bound Shutdown.
type DrainOptions struct {
	Timeout     time.Duration
	Parallelism int
}

// DrainReport tells what Shutdown did with each destination.
type DrainReport struct {
	Flushed   []string
	Skipped   []string
	Failed    map[string]error
	Abandoned []string
}

// Factory creates and caches one Batcher per destination key.
type Factory struct {
	sched *scheduler.Scheduler
	log   logx.Logger
	bus   eventbus.Bus

	mu       sync.Mutex
	batchers map[string]*Batcher
	closed   bool
}

// NewFactory returns a Factory arming timers on sched. A nil sched gets a
// default-sized scheduler that starts on first use.
func NewFactory(sched *scheduler.Scheduler, log logx.Logger, bus eventbus.Bus) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sched == nil {
		sched = scheduler.New(scheduler.Config{}, log.With(logx.String("comp", "scheduler")), bus)
	}
	return &Factory{
		sched:    sched,
		log:      log,
		bus:      bus,
		batchers: map[string]*Batcher{},
	}
}

func (f *Factory) Scheduler() *scheduler.Scheduler { return f.sched }

// GetBatcher returns the Batcher for key, creating it on first request.
// Later requests return the cached instance; their cfg and proc are ignored.
func (f *Factory) GetBatcher(key string, cfg Config, proc Processor) (*Batcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if b, ok := f.batchers[key]; ok {
		return b, nil
	}
	b, err := New(key, cfg, proc, f.sched, f.log, f.bus)
	if err != nil {
		return nil, err
	}
	f.batchers[key] = b
	f.log.Debug("batcher created", logx.String("dest", key), logx.Bool("throttled", cfg.Throttle != nil))
	return b, nil
}

func (f *Factory) Lookup(key string) (*Batcher, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batchers[key]
	return b, ok
}

// Keys returns the live destination keys in sorted order.
func (f *Factory) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keysLocked()
}

func (f *Factory) keysLocked() []string {
	keys := make([]string, 0, len(f.batchers))
	for k := range f.batchers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *Factory) Stats() []Stats {
	f.mu.Lock()
	list := make([]*Batcher, 0, len(f.batchers))
	for _, k := range f.keysLocked() {
		list = append(list, f.batchers[k])
	}
	f.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	return out
}

// Detach forgets the Batcher for key without closing it, so a new one can
// be created under the same key while the old one still drains. The caller
// owns the returned Batcher and must Close it.
func (f *Factory) Detach(key string) (*Batcher, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batchers[key]
	delete(f.batchers, key)
	return b, ok
}

// Remove tears down the Batcher for key, delivering its pending data.
// It reports false when no such Batcher exists.
func (f *Factory) Remove(ctx context.Context, key string) (bool, error) {
	b, ok := f.Detach(key)
	if !ok {
		return false, nil
	}
	if _, err := b.Close(ctx); err != nil && !errors.Is(err, ErrClosed) {
		return true, fmt.Errorf("remove %s: %w", key, err)
	}
	return true, nil
}

// Shutdown closes every Batcher. Destinations with pending data get one
// final forced delivery; the others are skipped. Destinations run in
// parallel and a failure in one does not stop the rest. Whatever has not
// finished when the timeout expires is abandoned and reported.
func (f *Factory) Shutdown(ctx context.Context, opts DrainOptions) (DrainReport, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDrainTimeout
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultDrainParallelism
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return DrainReport{}, ErrClosed
	}
	f.closed = true
	keys := f.keysLocked()
	list := make(map[string]*Batcher, len(keys))
	for _, k := range keys {
		list[k] = f.batchers[k]
	}
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		report   = DrainReport{Failed: map[string]error{}}
		finished = make(map[string]bool, len(keys))
		timedOut bool
	)
	// Go blocks once Parallelism tasks run, so submission happens off the
	// caller's goroutine as well.
	waited := make(chan struct{})
	go func() {
		defer close(waited)
		p := pool.New().WithContext(ctx).WithMaxGoroutines(opts.Parallelism)
		for _, key := range keys {
			key, b := key, list[key]
			p.Go(func(ctx context.Context) error {
				if ctx.Err() != nil {
					return nil
				}
				flushed, err := b.Close(ctx)
				if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return nil
				}

				mu.Lock()
				defer mu.Unlock()
				if timedOut {
					return nil
				}
				finished[key] = true
				switch {
				case err != nil && !errors.Is(err, ErrClosed):
					report.Failed[key] = err
				case flushed:
					report.Flushed = append(report.Flushed, key)
				default:
					report.Skipped = append(report.Skipped, key)
				}
				return nil
			})
		}
		_ = p.Wait()
	}()
	select {
	case <-waited:
	case <-ctx.Done():
	}

	mu.Lock()
	timedOut = true
	for _, key := range keys {
		if !finished[key] {
			report.Abandoned = append(report.Abandoned, key)
		}
	}
	mu.Unlock()

	sort.Strings(report.Flushed)
	sort.Strings(report.Skipped)

	var errs []error
	for _, key := range keys {
		if err, ok := report.Failed[key]; ok {
			f.log.Warn("drain failed", logx.String("dest", key), logx.Err(err))
			status.Publish(f.bus, status.TypeDrainFailed, status.Event{Destination: key, Error: err.Error()})
			errs = append(errs, fmt.Errorf("drain %s: %w", key, err))
		}
	}
	for _, key := range report.Abandoned {
		lost := list[key].abandon(ErrDrainTimeout.Error())
		f.log.Warn("drain abandoned", logx.String("dest", key), logx.Int("lost_events", lost))
		status.Publish(f.bus, status.TypeDrainAbandoned, status.Event{Destination: key, Events: lost, Error: ErrDrainTimeout.Error()})
	}
	if len(report.Abandoned) > 0 {
		errs = append(errs, fmt.Errorf("%w: %d destination(s) abandoned", ErrDrainTimeout, len(report.Abandoned)))
	}

	f.log.Info("drain finished",
		logx.Int("flushed", len(report.Flushed)),
		logx.Int("skipped", len(report.Skipped)),
		logx.Int("failed", len(report.Failed)),
		logx.Int("abandoned", len(report.Abandoned)),
	)
	return report, errors.Join(errs...)
}
