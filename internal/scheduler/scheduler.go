// Package scheduler is the shared timer facility of the batching pipeline.
//
// Any number of batchers arm one-shot timers on a single Scheduler. A timer
// loop keeps the deadlines in a heap and hands due timers to a small fixed
// pool of workers, so callbacks never run on the goroutine that armed them
// and a slow callback only occupies one worker.
//
// Cancel is race-free with respect to dispatch: a timer that was already
// handed to a worker but has not started yet is still cancelled, and a
// cancelled timer never runs.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"batchlog/internal/eventbus"
	rtsup "batchlog/internal/runtime/supervisor"
	"batchlog/internal/status"
	"batchlog/pkg/logx"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

// Func is a timer callback. ctx is canceled when the scheduler stops.
type Func func(ctx context.Context)

const (
	stateArmed int32 = iota
	stateRunning
	stateCancelled
)

type timer struct {
	at    time.Time
	fn    Func
	index int // position in the heap, -1 once removed
	state atomic.Int32
}

// Handle identifies an armed timer. The zero Handle refers to nothing.
type Handle struct{ t *timer }

// Valid reports whether h refers to a timer.
func (h Handle) Valid() bool { return h.t != nil }

// Deadline returns the time the timer was armed for.
func (h Handle) Deadline() time.Time {
	if h.t == nil {
		return time.Time{}
	}
	return h.t.at
}

// Stats is a best-effort snapshot of scheduler activity.
type Stats struct {
	Armed      int    `json:"armed"`
	Fired      uint64 `json:"fired"`
	Cancelled  uint64 `json:"cancelled"`
	Panics     uint64 `json:"panics"`
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
}

type Scheduler struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	timers  timerHeap
	sup     *rtsup.Supervisor
	stopped bool

	startOnce sync.Once
	wake      chan struct{}
	work      chan *timer

	fired     atomic.Uint64
	cancelled atomic.Uint64
	panics    atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		wake: make(chan struct{}, 1),
		work: make(chan *timer, cfg.QueueSize),
	}
}

// Start launches the timer loop and the workers. It is idempotent; Arm
// calls it with a background context when nobody did.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return
		}
		sup := rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			// a broken callback must not take the pool down.
			rtsup.WithCancelOnError(false),
		)
		s.sup = sup
		sup.GoRestart("timer.loop", s.loop, rtsup.WithRestartBackoff(10*time.Millisecond, time.Second))
		for i := 0; i < s.cfg.Workers; i++ {
			sup.GoRestart(fmt.Sprintf("worker.%d", i), s.worker, rtsup.WithRestartBackoff(10*time.Millisecond, time.Second))
		}
		s.log.Debug("scheduler started", logx.Int("workers", s.cfg.Workers))
	})
}

// Arm schedules fn to run at deadline on a worker. A deadline in the past
// fires as soon as possible. After Stop, Arm returns the zero Handle and fn
// never runs.
func (s *Scheduler) Arm(deadline time.Time, fn Func) Handle {
	if fn == nil {
		return Handle{}
	}
	s.Start(context.Background())

	t := &timer{at: deadline, fn: fn, index: -1}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Handle{}
	}
	heap.Push(&s.timers, t)
	first := s.timers[0] == t
	s.mu.Unlock()

	if first {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return Handle{t: t}
}

// After is Arm relative to now.
func (s *Scheduler) After(d time.Duration, fn Func) Handle {
	return s.Arm(time.Now().Add(d), fn)
}

// Cancel prevents h from running. It reports true only when this call
// stopped the callback; cancelling a fired, running or already cancelled
// timer is a no-op returning false.
func (s *Scheduler) Cancel(h Handle) bool {
	t := h.t
	if t == nil || !t.state.CompareAndSwap(stateArmed, stateCancelled) {
		return false
	}
	s.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&s.timers, t.index)
	}
	s.mu.Unlock()
	s.cancelled.Add(1)
	return true
}

// Stop stops the loop and the workers. Armed timers are abandoned; callers
// that need pending work delivered drain it before stopping the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	sup := s.sup
	abandoned := len(s.timers)
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	if abandoned > 0 {
		s.log.Debug("scheduler stopping with armed timers", logx.Int("armed", abandoned))
	}
	return sup.Stop(ctx)
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	armed := len(s.timers)
	s.mu.Unlock()
	return Stats{
		Armed:      armed,
		Fired:      s.fired.Load(),
		Cancelled:  s.cancelled.Load(),
		Panics:     s.panics.Load(),
		Workers:    s.cfg.Workers,
		QueueDepth: len(s.work),
	}
}

func (s *Scheduler) loop(ctx context.Context) error {
	tm := time.NewTimer(time.Hour)
	defer tm.Stop()

	for {
		due, next, more := s.popDue(time.Now())
		for _, t := range due {
			select {
			case s.work <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if more {
			tm.Reset(time.Until(next))
		} else {
			tm.Stop()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-tm.C:
		}
	}
}

// popDue removes every timer due at now and returns the next deadline.
func (s *Scheduler) popDue(now time.Time) (due []*timer, next time.Time, more bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.timers) > 0 && !s.timers[0].at.After(now) {
		t := heap.Pop(&s.timers).(*timer)
		if t.state.Load() == stateArmed {
			due = append(due, t)
		}
	}
	if len(s.timers) > 0 {
		return due, s.timers[0].at, true
	}
	return due, time.Time{}, false
}

func (s *Scheduler) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.work:
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *timer) {
	// Lost the race against Cancel after dispatch.
	if !t.state.CompareAndSwap(stateArmed, stateRunning) {
		return
	}
	s.fired.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error("timer callback panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			status.Publish(s.bus, status.TypeCallbackPanic, status.Event{Error: fmt.Sprint(r)})
		}
	}()
	t.fn(ctx)
}

// timerHeap orders timers by deadline.
type timerHeap []*timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
