package batcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"batchlog/internal/batch"
	"batchlog/internal/eventbus"
	"batchlog/internal/status"
	"batchlog/pkg/logx"
)

func newTestFactory(t *testing.T, bus eventbus.Bus) *Factory {
	t.Helper()
	return NewFactory(newTestScheduler(t), logx.Nop(), bus)
}

func slowConfig() Config {
	return Config{IdleThreshold: time.Hour, MaximumWaitTime: time.Hour}
}

func TestGetBatcherCachesPerKey(t *testing.T) {
	t.Parallel()
	f := newTestFactory(t, nil)
	rec := newRecorder()

	a1, err := f.GetBatcher("a", slowConfig(), rec)
	if err != nil {
		t.Fatalf("GetBatcher: %v", err)
	}
	a2, err := f.GetBatcher("a", Config{}, nil)
	if err != nil {
		t.Fatalf("cached GetBatcher: %v", err)
	}
	if a1 != a2 {
		t.Fatal("second GetBatcher returned a new instance")
	}
	b, _ := f.GetBatcher("b", slowConfig(), rec)
	if b == a1 {
		t.Fatal("different keys share a batcher")
	}
	if fmt.Sprint(f.Keys()) != "[a b]" {
		t.Fatalf("Keys = %v", f.Keys())
	}
	if got, ok := f.Lookup("b"); !ok || got != b {
		t.Fatal("Lookup did not return the cached batcher")
	}
}

func TestGetBatcherRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	f := newTestFactory(t, nil)
	if _, err := f.GetBatcher("bad", Config{IdleThreshold: -1}, newRecorder()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if _, ok := f.Lookup("bad"); ok {
		t.Fatal("rejected batcher was cached")
	}
	if _, err := f.GetBatcher("good", slowConfig(), newRecorder()); err != nil {
		t.Fatalf("a bad destination must not affect others: %v", err)
	}
}

func TestShutdownFlushesOnlyPending(t *testing.T) {
	t.Parallel()
	f := newTestFactory(t, nil)
	recs := map[string]*recorder{"a": newRecorder(), "b": newRecorder(), "c": newRecorder()}
	for key, rec := range recs {
		bt, err := f.GetBatcher(key, slowConfig(), rec)
		if err != nil {
			t.Fatalf("GetBatcher(%s): %v", key, err)
		}
		if key != "c" {
			bt.Accept(warn("pending on {}", key))
			bt.Accept(warn("pending on {}", key))
		}
	}

	report, err := f.Shutdown(context.Background(), DrainOptions{Timeout: time.Second, Parallelism: 2})
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if fmt.Sprint(report.Flushed) != "[a b]" || fmt.Sprint(report.Skipped) != "[c]" {
		t.Fatalf("report = %+v", report)
	}
	for key, rec := range recs {
		got := rec.snapshot()
		want := 1
		if key == "c" {
			want = 0
		}
		if len(got) != want {
			t.Fatalf("%s: %d deliveries, want %d", key, len(got), want)
		}
		if want == 1 && (got[0].Reason() != batch.ReasonForced || got[0].Events() != 2) {
			t.Fatalf("%s: reason=%v events=%d", key, got[0].Reason(), got[0].Events())
		}
	}
	if _, err := f.GetBatcher("d", slowConfig(), newRecorder()); !errors.Is(err, ErrClosed) {
		t.Fatalf("GetBatcher after Shutdown err = %v, want ErrClosed", err)
	}
}

func TestShutdownContinuesPastFailures(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	f := newTestFactory(t, bus)

	boom := errors.New("smtp unavailable")
	failing := ProcessorFunc(func(context.Context, *batch.Batch) error { return boom })
	ok := newRecorder()
	for key, proc := range map[string]Processor{"mail": failing, "chat": ok} {
		bt, _ := f.GetBatcher(key, slowConfig(), proc)
		bt.Accept(warn("x"))
	}

	report, err := f.Shutdown(context.Background(), DrainOptions{Timeout: time.Second})
	if !errors.Is(err, boom) {
		t.Fatalf("Shutdown err = %v, want it to wrap %v", err, boom)
	}
	if !errors.Is(report.Failed["mail"], boom) || fmt.Sprint(report.Flushed) != "[chat]" {
		t.Fatalf("report = %+v", report)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == status.TypeDrainFailed && e.Data.(status.Event).Destination == "mail" {
				return
			}
		case <-deadline:
			t.Fatal("no drain.failed status event")
		}
	}
}

func TestShutdownAbandonsAfterTimeout(t *testing.T) {
	t.Parallel()
	f := newTestFactory(t, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := ProcessorFunc(func(context.Context, *batch.Batch) error {
		<-release
		return nil
	})
	fast := newRecorder()

	s, _ := f.GetBatcher("stuck", slowConfig(), stuck)
	s.Accept(warn("never leaves"))
	q, _ := f.GetBatcher("quick", slowConfig(), fast)
	q.Accept(warn("leaves"))

	start := time.Now()
	report, err := f.Shutdown(context.Background(), DrainOptions{Timeout: 100 * time.Millisecond, Parallelism: 2})
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Shutdown took %v despite the timeout", d)
	}
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("err = %v, want ErrDrainTimeout", err)
	}
	if fmt.Sprint(report.Abandoned) != "[stuck]" || fmt.Sprint(report.Flushed) != "[quick]" {
		t.Fatalf("report = %+v", report)
	}
}

func TestRemoveDrainsAndForgets(t *testing.T) {
	t.Parallel()
	f := newTestFactory(t, nil)
	rec := newRecorder()
	b, _ := f.GetBatcher("gone", slowConfig(), rec)
	b.Accept(warn("last words"))

	removed, err := f.Remove(context.Background(), "gone")
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if len(rec.snapshot()) != 1 {
		t.Fatal("Remove did not deliver pending data")
	}
	if _, ok := f.Lookup("gone"); ok {
		t.Fatal("removed batcher still cached")
	}
	if removed, _ := f.Remove(context.Background(), "gone"); removed {
		t.Fatal("second Remove reported true")
	}
}

func TestDetachKeepsOldBatcherOpen(t *testing.T) {
	t.Parallel()
	f := newTestFactory(t, nil)
	oldRec, newRec := newRecorder(), newRecorder()
	old, _ := f.GetBatcher("k", slowConfig(), oldRec)
	old.Accept(warn("before swap"))

	detached, ok := f.Detach("k")
	if !ok || detached != old {
		t.Fatalf("Detach = %p, %v", detached, ok)
	}
	if _, ok := f.Lookup("k"); ok {
		t.Fatal("detached batcher still cached")
	}
	repl, err := f.GetBatcher("k", slowConfig(), newRec)
	if err != nil || repl == old {
		t.Fatalf("GetBatcher after Detach = %p, %v", repl, err)
	}

	old.Accept(warn("straggler"))
	if _, err := old.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := old.Stats().Accepted; got != 2 {
		t.Fatalf("detached batcher accepted %d, want 2", got)
	}
	if len(oldRec.snapshot()) != 1 || len(newRec.snapshot()) != 0 {
		t.Fatalf("deliveries old=%d new=%d", len(oldRec.snapshot()), len(newRec.snapshot()))
	}
	if _, ok := f.Detach("missing"); ok {
		t.Fatal("Detach of unknown key reported true")
	}
}
