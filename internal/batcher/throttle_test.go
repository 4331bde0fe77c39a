package batcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"batchlog/internal/batch"
	"batchlog/internal/event"
	"batchlog/internal/eventbus"
	"batchlog/internal/status"
	"batchlog/pkg/logx"
)

func TestThrottleLadder(t *testing.T) {
	t.Parallel()
	ms := time.Millisecond
	tests := []struct {
		name string
		cfg  ThrottleConfig
		want []time.Duration
	}{
		{"doubling to ceiling", ThrottleConfig{MinSpacing: 10 * ms, Ceiling: 80 * ms}, []time.Duration{10 * ms, 20 * ms, 40 * ms, 80 * ms}},
		{"ceiling between steps", ThrottleConfig{MinSpacing: 10 * ms, Ceiling: 50 * ms}, []time.Duration{10 * ms, 20 * ms, 40 * ms, 50 * ms}},
		{"default ceiling", ThrottleConfig{MinSpacing: ms}, []time.Duration{ms, 2 * ms, 4 * ms, 8 * ms, 16 * ms}},
		{"flat", ThrottleConfig{MinSpacing: 10 * ms, Ceiling: 10 * ms}, []time.Duration{10 * ms}},
		{"explicit steps", ThrottleConfig{MinSpacing: 10 * ms, Steps: []time.Duration{time.Minute, 5 * time.Minute}}, []time.Duration{time.Minute, 5 * time.Minute}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.cfg.Ladder()
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("Ladder() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestThrottler(t *testing.T, cfg ThrottleConfig, next Processor, bus eventbus.Bus) *Throttler {
	t.Helper()
	th := newThrottler("chat", cfg, next, newTestScheduler(t), logx.Nop(), bus, nil)
	t.Cleanup(func() { th.stop() })
	return th
}

func single(msg string, n int) *batch.Batch {
	evs := make([]event.Event, n)
	for i := range evs {
		evs[i] = event.New("app", event.LevelError, msg)
	}
	return batch.New("chat", batch.ReasonIdle, evs...)
}

func TestThrottleHoldsAndMerges(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	rec := newRecorder()
	th := newTestThrottler(t, ThrottleConfig{Steps: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}}, rec, bus)
	ctx := context.Background()

	start := time.Now()
	if err := th.ProcessBatch(ctx, single("a", 1)); err != nil {
		t.Fatalf("first ProcessBatch: %v", err)
	}
	if got := rec.wait(t, time.Second); got.Reason() != batch.ReasonIdle {
		t.Fatalf("first delivery reason = %v", got.Reason())
	}

	_ = th.ProcessBatch(ctx, single("a", 2))
	_ = th.ProcessBatch(ctx, single("b", 3))
	if !th.Holding() {
		t.Fatal("second attempt within spacing was not held")
	}

	got := rec.wait(t, 2*time.Second)
	if d := time.Since(start); d < 100*time.Millisecond {
		t.Fatalf("held batch released after %v, before the spacing", d)
	}
	if got.Reason() != batch.ReasonThrottled {
		t.Fatalf("reason = %v, want throttled", got.Reason())
	}
	if got.Events() != 5 || got.Len() != 2 || got.Suppressed() != 1 {
		t.Fatalf("events=%d groups=%d suppressed=%d", got.Events(), got.Len(), got.Suppressed())
	}
	if th.Level() != 1 || th.Spacing() != 300*time.Millisecond {
		t.Fatalf("level=%d spacing=%v after a throttled delivery", th.Level(), th.Spacing())
	}

	select {
	case e := <-events:
		if e.Type != status.TypeThrottled || e.Data.(status.Event).Level != 1 {
			t.Fatalf("status event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no throttle status event")
	}
}

func TestThrottleStaysAtCeiling(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	th := newTestThrottler(t, ThrottleConfig{Steps: []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, QuietPeriod: time.Hour}, rec, nil)
	ctx := context.Background()

	_ = th.ProcessBatch(ctx, single("x", 1))
	rec.wait(t, time.Second)
	for i := 0; i < 3; i++ {
		_ = th.ProcessBatch(ctx, single("x", 1))
		rec.wait(t, time.Second)
	}
	if th.Level() != 1 {
		t.Fatalf("level = %d, want the top of a two-step ladder", th.Level())
	}
}

func TestThrottleDecaysOneLevelPerQuietPeriod(t *testing.T) {
	t.Parallel()
	th := newTestThrottler(t, ThrottleConfig{MinSpacing: 10 * time.Millisecond, Ceiling: 40 * time.Millisecond, QuietPeriod: time.Second}, newRecorder(), nil)

	base := time.Now()
	var mu sync.Mutex
	now := base
	th.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	th.mu.Lock()
	th.level = 2
	th.quietSince = base
	th.mu.Unlock()

	advance(900 * time.Millisecond)
	if l := th.Level(); l != 2 {
		t.Fatalf("level after 0.9 quiet periods = %d, want 2", l)
	}
	advance(600 * time.Millisecond)
	if l := th.Level(); l != 1 {
		t.Fatalf("level after 1.5 quiet periods = %d, want 1", l)
	}
	// Asking again must not decay twice for the same interval.
	if l := th.Level(); l != 1 {
		t.Fatalf("repeated Level() = %d, want 1", l)
	}
	advance(5 * time.Second)
	if l := th.Level(); l != 0 {
		t.Fatalf("level after a long quiet = %d, want 0", l)
	}
	if s := th.Spacing(); s != 10*time.Millisecond {
		t.Fatalf("spacing = %v, want baseline", s)
	}
}

func TestThrottleDrainDeliversHeld(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	th := newTestThrottler(t, ThrottleConfig{Steps: []time.Duration{time.Hour}}, rec, nil)
	ctx := context.Background()

	_ = th.ProcessBatch(ctx, single("a", 1))
	rec.wait(t, time.Second)
	_ = th.ProcessBatch(ctx, single("a", 2))
	if !th.Holding() {
		t.Fatal("expected a held batch")
	}

	delivered, err := th.drain(ctx, single("c", 1))
	if err != nil || !delivered {
		t.Fatalf("drain = %v, %v", delivered, err)
	}
	got := rec.wait(t, time.Second)
	if got.Reason() != batch.ReasonForced || got.Events() != 3 {
		t.Fatalf("drained batch reason=%v events=%d", got.Reason(), got.Events())
	}
	if th.Holding() {
		t.Fatal("still holding after drain")
	}
	if delivered, _ := th.drain(ctx, nil); delivered {
		t.Fatal("empty drain reported a delivery")
	}
}

func TestThrottledBatcherSpacingGrows(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	b := newTestBatcher(t, Config{
		IdleThreshold:   5 * time.Millisecond,
		MaximumWaitTime: 10 * time.Millisecond,
		CooldownTime:    5 * time.Millisecond,
		Throttle:        &ThrottleConfig{MinSpacing: 40 * time.Millisecond, Ceiling: 160 * time.Millisecond, QuietPeriod: time.Hour},
	}, rec, nil)

	sent := 0
	start := time.Now()
	for time.Since(start) < 800*time.Millisecond {
		b.Accept(warn("storm {}", sent))
		sent++
		time.Sleep(2 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec.mu.Lock()
	calls := append([]time.Time(nil), rec.calls...)
	rec.mu.Unlock()
	batches := rec.snapshot()
	if len(calls) < 4 {
		t.Fatalf("deliveries = %d, want at least 4", len(calls))
	}

	// Ignore the final forced delivery.
	var gaps []time.Duration
	for i := 1; i < len(calls)-1; i++ {
		gaps = append(gaps, calls[i].Sub(calls[i-1]))
	}
	const slack = 15 * time.Millisecond
	for i := 1; i < len(gaps); i++ {
		if gaps[i]+slack < gaps[i-1] {
			t.Fatalf("spacing shrank under sustained load: %v", gaps)
		}
	}
	if last := gaps[len(gaps)-1]; last+slack < 160*time.Millisecond {
		t.Fatalf("spacing never reached the ceiling: %v", gaps)
	}

	total := 0
	for _, bt := range batches {
		total += bt.Events()
	}
	if total != sent {
		t.Fatalf("delivered %d events, sent %d", total, sent)
	}
}
