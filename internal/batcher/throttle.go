package batcher

import (
	"context"
	"sync"
	"time"

	"batchlog/internal/batch"
	"batchlog/internal/eventbus"
	"batchlog/internal/scheduler"
	"batchlog/internal/status"
	"batchlog/pkg/logx"
)

// Throttler sits between a Batcher and its Processor and bounds the
// delivery rate of a flaky or rate-limited destination.
//
// An attempt arriving sooner than the current spacing after the previous
// delivery is held back. Further attempts merge into the held batch, which
// goes out once the spacing has elapsed; that throttled delivery moves the
// ladder one level up. Every full quiet period without attempts moves it one
// level down again. Nothing is dropped: suppressed attempts survive as
// merged group counts.
type Throttler struct {
	key   string
	next  Processor
	sched *scheduler.Scheduler
	log   logx.Logger
	bus   eventbus.Bus
	done  func(*batch.Batch, error)
	now   func() time.Time

	mu           sync.Mutex
	ladder       []time.Duration
	quiet        time.Duration
	level        int
	quietSince   time.Time
	lastDelivery time.Time
	held         *batch.Batch
	timer        scheduler.Handle
	gen          uint64

	// deliverMu keeps one downstream call in flight at a time.
	deliverMu sync.Mutex
}

func newThrottler(key string, cfg ThrottleConfig, next Processor, sched *scheduler.Scheduler, log logx.Logger, bus eventbus.Bus, done func(*batch.Batch, error)) *Throttler {
	ladder := cfg.Ladder()
	return &Throttler{
		key:    key,
		next:   next,
		sched:  sched,
		log:    log,
		bus:    bus,
		done:   done,
		now:    time.Now,
		ladder: ladder,
		quiet:  cfg.quietPeriod(ladder),
	}
}

// ProcessBatch delivers b or holds it back.
func (t *Throttler) ProcessBatch(ctx context.Context, b *batch.Batch) error {
	t.mu.Lock()
	now := t.now()
	t.decayLocked(now)
	t.quietSince = now

	if t.held != nil {
		t.held = batch.Merge(t.held, b)
		t.mu.Unlock()
		return nil
	}
	spacing := t.ladder[t.level]
	if !t.lastDelivery.IsZero() && now.Sub(t.lastDelivery) < spacing {
		t.held = b
		releaseAt := t.lastDelivery.Add(spacing)
		t.gen++
		gen := t.gen
		t.timer = t.sched.Arm(releaseAt, func(ctx context.Context) { t.release(ctx, gen) })
		level := t.level
		t.mu.Unlock()
		t.log.Debug("flush held by throttle",
			logx.Int("level", level),
			logx.Duration("spacing", spacing),
			logx.Time("release_at", releaseAt),
		)
		return nil
	}
	t.lastDelivery = now
	t.mu.Unlock()
	return t.send(ctx, b)
}

func (t *Throttler) release(ctx context.Context, gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.held == nil {
		t.mu.Unlock()
		return
	}
	now := t.now()
	b := batch.Restamp(t.held, batch.ReasonThrottled, now)
	t.held = nil
	t.timer = scheduler.Handle{}
	t.lastDelivery = now
	escalated := false
	if t.level < len(t.ladder)-1 {
		t.level++
		escalated = true
	}
	level, spacing := t.level, t.ladder[t.level]
	t.mu.Unlock()

	if escalated {
		t.log.Info("throttle escalated", logx.Int("level", level), logx.Duration("spacing", spacing))
		status.Publish(t.bus, status.TypeThrottled, status.Event{
			Destination: t.key,
			Reason:      batch.ReasonThrottled.String(),
			BatchID:     b.ID(),
			Level:       level,
		})
	}
	_ = t.send(ctx, b)
}

// drain delivers the held batch merged with b, bypassing the spacing.
// It reports whether anything was delivered.
func (t *Throttler) drain(ctx context.Context, b *batch.Batch) (bool, error) {
	t.mu.Lock()
	t.sched.Cancel(t.timer)
	t.timer = scheduler.Handle{}
	t.gen++
	out := b
	if t.held != nil {
		if out == nil {
			out = t.held
		} else {
			out = batch.Merge(t.held, out)
		}
		t.held = nil
	}
	if out == nil {
		t.mu.Unlock()
		return false, nil
	}
	now := t.now()
	out = batch.Restamp(out, batch.ReasonForced, now)
	t.lastDelivery = now
	t.mu.Unlock()
	return true, t.send(ctx, out)
}

func (t *Throttler) send(ctx context.Context, b *batch.Batch) error {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	err := safeProcess(ctx, t.next, b)
	if t.done != nil {
		t.done(b, err)
	}
	return err
}

// decayLocked gives back one level per full quiet period since the last
// attempt.
func (t *Throttler) decayLocked(now time.Time) {
	if t.level == 0 || t.quiet <= 0 || t.quietSince.IsZero() || t.held != nil {
		return
	}
	steps := int(now.Sub(t.quietSince) / t.quiet)
	if steps <= 0 {
		return
	}
	t.quietSince = t.quietSince.Add(time.Duration(steps) * t.quiet)
	t.level -= steps
	if t.level < 0 {
		t.level = 0
	}
	t.log.Debug("throttle decayed", logx.Int("level", t.level))
}

// Level is the current ladder position, 0 being the baseline.
func (t *Throttler) Level() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decayLocked(t.now())
	return t.level
}

// Spacing is the minimum gap currently enforced between deliveries.
func (t *Throttler) Spacing() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decayLocked(t.now())
	return t.ladder[t.level]
}

func (t *Throttler) Holding() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held != nil
}

func (t *Throttler) reconfigure(cfg ThrottleConfig) {
	ladder := cfg.Ladder()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ladder = ladder
	t.quiet = cfg.quietPeriod(ladder)
	if t.level >= len(ladder) {
		t.level = len(ladder) - 1
	}
}

// stop cancels the release timer and discards a held batch, returning the
// number of events it represented.
func (t *Throttler) stop() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sched.Cancel(t.timer)
	t.timer = scheduler.Handle{}
	t.gen++
	lost := 0
	if t.held != nil {
		lost = t.held.Events()
		t.held = nil
	}
	return lost
}
