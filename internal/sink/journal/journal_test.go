package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/coreos/go-systemd/v22/journal"

	"batchlog/internal/batch"
	"batchlog/internal/event"
)

type entry struct {
	msg  string
	pri  journal.Priority
	vars map[string]string
}

func TestProcessBatch(t *testing.T) {
	t.Parallel()
	var got []entry
	s := NewWithSend("", func(msg string, pri journal.Priority, vars map[string]string) error {
		got = append(got, entry{msg, pri, vars})
		return nil
	})

	b := batch.New("j", batch.ReasonIdle,
		event.New("svc", event.LevelWarn, "retry {}", 1),
		event.New("svc", event.LevelWarn, "retry {}", 2),
		event.New("svc", event.LevelError, "gave up", errors.New("timeout")),
	)
	if err := s.ProcessBatch(context.Background(), b); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d", len(got))
	}
	if got[0].msg != "retry 1 (x2)" || got[0].pri != journal.PriWarning || got[0].vars["SYSLOG_IDENTIFIER"] != DefaultIdentifier {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].pri != journal.PriErr || got[1].vars["BATCHLOG_ERROR"] != "timeout" || got[1].vars["BATCHLOG_BATCH_ID"] != b.ID() {
		t.Fatalf("second = %+v", got[1])
	}
}

func TestProcessBatchJoinsErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("socket gone")
	s := NewWithSend("x", func(string, journal.Priority, map[string]string) error { return boom })
	b := batch.New("j", batch.ReasonIdle, event.New("a", event.LevelInfo, "one"), event.New("a", event.LevelInfo, "two"))
	if err := s.ProcessBatch(context.Background(), b); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestPriority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		lvl  event.Level
		want journal.Priority
	}{
		{event.LevelTrace, journal.PriDebug},
		{event.LevelDebug, journal.PriDebug},
		{event.LevelInfo, journal.PriInfo},
		{event.LevelWarn, journal.PriWarning},
		{event.LevelError, journal.PriErr},
	}
	for _, tt := range tests {
		if got := priority(tt.lvl); got != tt.want {
			t.Fatalf("priority(%v) = %v, want %v", tt.lvl, got, tt.want)
		}
	}
}
