// Package batcher decides when the events of one destination are flushed.
//
// A Batcher groups accepted events into a pending batch and flushes it after
// an idle period, or when the oldest pending event has waited long enough,
// never more often than the cooldown allows. Deliveries run on the shared
// scheduler pool. A Factory owns one Batcher per destination key and drains
// them all on shutdown.
package batcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"batchlog/internal/batch"
	"batchlog/internal/event"
	"batchlog/internal/eventbus"
	"batchlog/internal/scheduler"
	"batchlog/internal/status"
	"batchlog/pkg/logx"
)

// State is the position of a Batcher in its flush cycle.
type State int

const (
	StateIdle State = iota
	StatePending
	StateCooldown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateCooldown:
		return "cooldown"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of one Batcher.
type Stats struct {
	Key           string    `json:"key"`
	State         string    `json:"state"`
	PendingEvents int       `json:"pending_events"`
	PendingGroups int       `json:"pending_groups"`
	Accepted      uint64    `json:"accepted"`
	Dropped       uint64    `json:"dropped"`
	Flushes       uint64    `json:"flushes"`
	Failures      uint64    `json:"failures"`
	LastFlush     time.Time `json:"last_flush"`
	ThrottleLevel int       `json:"throttle_level"`
	Held          bool      `json:"held"`
}

type Batcher struct {
	key   string
	proc  Processor
	sched *scheduler.Scheduler
	log   logx.Logger
	bus   eventbus.Bus

	throttle *Throttler
	failLog  rate.Sometimes

	mu           sync.Mutex
	cfg          Config
	state        State
	pending      *batch.Pending
	firstArrival time.Time
	armedReason  batch.Reason
	timer        scheduler.Handle
	gen          uint64
	lastFlush    time.Time
	inFlight     bool
	flushDue     bool
	idle         chan struct{} // closed when the in-flight delivery ends

	accepted atomic.Uint64
	dropped  atomic.Uint64
	flushes  atomic.Uint64
	failures atomic.Uint64
}

// New builds a Batcher delivering to proc. Timers are armed on sched.
func New(key string, cfg Config, proc Processor, sched *scheduler.Scheduler, log logx.Logger, bus eventbus.Bus) (*Batcher, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty destination key", ErrInvalidConfig)
	}
	if proc == nil {
		return nil, fmt.Errorf("%w: %s: nil processor", ErrInvalidConfig, key)
	}
	if sched == nil {
		return nil, fmt.Errorf("%w: %s: nil scheduler", ErrInvalidConfig, key)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Batcher{
		key:     key,
		proc:    proc,
		sched:   sched,
		log:     log.With(logx.String("dest", key)),
		bus:     bus,
		cfg:     cfg,
		pending: batch.NewPending(cfg.MaxDistinctArgs),
		failLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	if cfg.Throttle != nil {
		b.throttle = newThrottler(key, *cfg.Throttle, proc, sched, b.log, bus, b.report)
	}
	return b, nil
}

func (b *Batcher) Key() string { return b.key }

func (b *Batcher) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Batcher) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Accept groups ev into the pending batch and schedules its flush. It never
// blocks on delivery and never fails; after Close the event is counted as
// dropped.
func (b *Batcher) Accept(ev event.Event) {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		b.dropped.Add(1)
		status.Publish(b.bus, status.TypeDropped, status.Event{
			Destination: b.key,
			Events:      1,
			Level:       int(ev.Level),
			Error:       ErrClosed.Error(),
		})
		return
	}
	defer b.mu.Unlock()

	now := time.Now()
	if b.pending.Empty() {
		b.firstArrival = now
	}
	b.pending.Add(ev)
	b.accepted.Add(1)

	switch b.state {
	case StateCooldown:
		// The cooldown expiry picks the data up.
	case StateIdle:
		b.state = StatePending
		b.armFlushLocked(now)
	case StatePending:
		b.armFlushLocked(now)
	}
}

// armFlushLocked arms the flush timer for min(now+idle, first+maxWait).
func (b *Batcher) armFlushLocked(now time.Time) {
	deadline, reason := now.Add(b.cfg.IdleThreshold), batch.ReasonIdle
	if capAt := b.firstArrival.Add(b.cfg.MaximumWaitTime); capAt.Before(deadline) {
		deadline, reason = capAt, batch.ReasonMaxWait
	}
	if deadline.Before(now) {
		deadline = now
	}
	b.armedReason = reason
	b.armLocked(deadline, b.onFlushTimer)
}

// armLocked replaces the armed timer. The generation bump turns any fire of
// the previous timer that already escaped Cancel into a no-op.
func (b *Batcher) armLocked(deadline time.Time, fn func(ctx context.Context, gen uint64)) {
	b.sched.Cancel(b.timer)
	b.gen++
	gen := b.gen
	b.timer = b.sched.Arm(deadline, func(ctx context.Context) { fn(ctx, gen) })
}

func (b *Batcher) disarmLocked() {
	b.sched.Cancel(b.timer)
	b.timer = scheduler.Handle{}
	b.gen++
}

func (b *Batcher) onFlushTimer(ctx context.Context, gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.state != StatePending {
		b.mu.Unlock()
		return
	}
	b.timer = scheduler.Handle{}
	if b.inFlight {
		// The previous delivery re-arms when it returns.
		b.flushDue = true
		b.mu.Unlock()
		return
	}
	now := time.Now()
	bt := b.pending.Seal(b.key, b.armedReason, now)
	if bt == nil {
		b.state = StateIdle
		b.mu.Unlock()
		return
	}
	b.recordFlushLocked(now)
	b.beginDeliveryLocked()
	b.mu.Unlock()

	_ = b.deliver(ctx, bt, false)
	b.endDelivery()
}

// recordFlushLocked notes a flush and enters cooldown.
func (b *Batcher) recordFlushLocked(now time.Time) {
	if now.After(b.lastFlush) {
		b.lastFlush = now
	}
	b.state = StateCooldown
	b.armLocked(now.Add(b.cfg.CooldownTime), b.onCooldownExpiry)
}

func (b *Batcher) onCooldownExpiry(_ context.Context, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.state != StateCooldown {
		return
	}
	b.timer = scheduler.Handle{}
	if b.pending.Empty() {
		b.state = StateIdle
		return
	}
	b.state = StatePending
	b.armFlushLocked(time.Now())
}

func (b *Batcher) beginDeliveryLocked() {
	b.inFlight = true
	b.idle = make(chan struct{})
}

func (b *Batcher) endDelivery() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = false
	close(b.idle)
	b.idle = nil
	if b.flushDue {
		b.flushDue = false
		if b.state == StatePending {
			b.armLocked(time.Now(), b.onFlushTimer)
		}
	}
}

// waitIdleLocked waits for the in-flight delivery, if any. b.mu is held on
// entry and on return.
func (b *Batcher) waitIdleLocked(ctx context.Context) error {
	for b.inFlight {
		ch := b.idle
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			b.mu.Lock()
			return ctx.Err()
		}
		b.mu.Lock()
	}
	return nil
}

// deliver hands bt downstream. With throttling the throttler reports the
// outcome of each real delivery itself.
func (b *Batcher) deliver(ctx context.Context, bt *batch.Batch, forced bool) error {
	if b.throttle != nil {
		if forced {
			_, err := b.throttle.drain(ctx, bt)
			return err
		}
		return b.throttle.ProcessBatch(ctx, bt)
	}
	err := safeProcess(ctx, b.proc, bt)
	b.report(bt, err)
	return err
}

func (b *Batcher) report(bt *batch.Batch, err error) {
	ev := status.Event{
		Destination: b.key,
		Reason:      bt.Reason().String(),
		BatchID:     bt.ID(),
		Groups:      bt.Len(),
		Events:      bt.Events(),
		Level:       int(bt.HighestLevel()),
	}
	if err == nil {
		b.flushes.Add(1)
		status.Publish(b.bus, status.TypeFlushed, ev)
		return
	}
	b.failures.Add(1)
	ev.Error = err.Error()
	status.Publish(b.bus, status.TypeDeliveryFailed, ev)
	b.failLog.Do(func() {
		b.log.Warn("batch delivery failed",
			logx.String("batch", bt.ID()),
			logx.String("reason", bt.Reason().String()),
			logx.Int("events", bt.Events()),
			logx.Uint64("failures", b.failures.Load()),
			logx.Err(err),
		)
	})
}

// Pending reports whether the Batcher holds undelivered data, including a
// batch held back by throttling.
func (b *Batcher) Pending() bool {
	b.mu.Lock()
	empty := b.pending.Empty()
	b.mu.Unlock()
	return !empty || (b.throttle != nil && b.throttle.Holding())
}

// Flush delivers the pending data now with reason forced and waits for the
// delivery. It returns the delivery error, if any.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if err := b.waitIdleLocked(ctx); err != nil {
		b.mu.Unlock()
		return err
	}
	if b.state == StateClosed {
		b.mu.Unlock()
		return ErrClosed
	}
	now := time.Now()
	bt := b.pending.Seal(b.key, batch.ReasonForced, now)
	if bt == nil && (b.throttle == nil || !b.throttle.Holding()) {
		b.mu.Unlock()
		return nil
	}
	if bt != nil {
		b.recordFlushLocked(now)
	}
	b.beginDeliveryLocked()
	b.mu.Unlock()

	err := b.deliver(ctx, bt, true)
	b.endDelivery()
	return err
}

// Close cancels the armed timer and synchronously delivers whatever is
// pending with reason forced. It reports whether anything was delivered.
// Events accepted afterwards are dropped.
func (b *Batcher) Close(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return false, ErrClosed
	}
	b.state = StateClosed
	b.disarmLocked()
	if err := b.waitIdleLocked(ctx); err != nil {
		b.mu.Unlock()
		return false, err
	}
	now := time.Now()
	bt := b.pending.Seal(b.key, batch.ReasonForced, now)
	if bt == nil && (b.throttle == nil || !b.throttle.Holding()) {
		b.mu.Unlock()
		b.stopThrottle()
		return false, nil
	}
	if bt != nil && now.After(b.lastFlush) {
		b.lastFlush = now
	}
	b.beginDeliveryLocked()
	b.mu.Unlock()

	err := b.deliver(ctx, bt, true)
	b.endDelivery()
	b.stopThrottle()
	return true, err
}

// abandon closes b without delivering. Pending events are counted as dropped.
func (b *Batcher) abandon(reason string) int {
	b.mu.Lock()
	if b.state != StateClosed {
		b.state = StateClosed
		b.disarmLocked()
	}
	lost := b.pending.Events()
	b.pending = batch.NewPending(b.cfg.MaxDistinctArgs)
	b.mu.Unlock()
	lost += b.stopThrottle()
	if lost > 0 {
		b.dropped.Add(uint64(lost))
		status.Publish(b.bus, status.TypeDropped, status.Event{Destination: b.key, Events: lost, Error: reason})
	}
	return lost
}

func (b *Batcher) stopThrottle() int {
	if b.throttle == nil {
		return 0
	}
	return b.throttle.stop()
}

// Reconfigure applies new timings. A Pending batcher re-arms its flush timer
// under the new policy; a running cooldown keeps its deadline. Throttling
// cannot be switched on or off at runtime.
func (b *Batcher) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", b.key, err)
	}
	if (cfg.Throttle == nil) != (b.throttle == nil) {
		return fmt.Errorf("%w: %s: throttle cannot be enabled or disabled at runtime", ErrInvalidConfig, b.key)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return ErrClosed
	}
	b.cfg = cfg
	b.pending.SetMaxDistinctArgs(cfg.MaxDistinctArgs)
	if b.throttle != nil {
		b.throttle.reconfigure(*cfg.Throttle)
	}
	if b.state == StatePending && !b.inFlight {
		b.armFlushLocked(time.Now())
	}
	b.log.Debug("batcher reconfigured",
		logx.Duration("idle", cfg.IdleThreshold),
		logx.Duration("max_wait", cfg.MaximumWaitTime),
		logx.Duration("cooldown", cfg.CooldownTime),
	)
	return nil
}

func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		Key:           b.key,
		State:         b.state.String(),
		PendingEvents: b.pending.Events(),
		PendingGroups: b.pending.Len(),
		LastFlush:     b.lastFlush,
	}
	b.mu.Unlock()
	st.Accepted = b.accepted.Load()
	st.Dropped = b.dropped.Load()
	st.Flushes = b.flushes.Load()
	st.Failures = b.failures.Load()
	if b.throttle != nil {
		st.ThrottleLevel = b.throttle.Level()
		st.Held = b.throttle.Holding()
	}
	return st
}
