package event

import (
	"errors"
	"testing"
)

func TestFingerprintIgnoresArguments(t *testing.T) {
	t.Parallel()
	a := New("app.db", LevelWarn, "slow query {} took {}ms", "select 1", 120)
	b := New("app.db", LevelWarn, "slow query {} took {}ms", "select 2", 900)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ: %v vs %v", a.Fingerprint(), b.Fingerprint())
	}

	c := New("app.db", LevelError, "slow query {} took {}ms", "select 1", 120)
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("different levels must not share a fingerprint")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{name: "no args", ev: New("l", LevelInfo, "plain"), want: "plain"},
		{name: "substitution", ev: New("l", LevelInfo, "user {} from {}", "bob", "10.0.0.1"), want: "user bob from 10.0.0.1"},
		{name: "missing arg", ev: New("l", LevelInfo, "a {} b {}", 1), want: "a 1 b {}"},
		{name: "extra arg", ev: New("l", LevelInfo, "a {}", 1, 2), want: "a 1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Format(); got != tt.want {
				t.Fatalf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTrailingErrorBecomesCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	ev := New("l", LevelError, "send to {} failed", "host", cause)
	if !errors.Is(ev.Err, cause) {
		t.Fatalf("Err = %v, want %v", ev.Err, cause)
	}
	if len(ev.Args) != 1 {
		t.Fatalf("Args = %v, want one argument", ev.Args)
	}

	// An error consumed by a placeholder stays an argument.
	ev = New("l", LevelError, "failed: {}", cause)
	if ev.Err != nil || len(ev.Args) != 1 {
		t.Fatalf("unexpected split: err=%v args=%v", ev.Err, ev.Args)
	}
}

func TestNewCopiesArgs(t *testing.T) {
	t.Parallel()
	args := []any{"a"}
	ev := New("l", LevelInfo, "{}", args...)
	args[0] = "mutated"
	if ev.Args[0] != "a" {
		t.Fatalf("event args aliased caller slice: %v", ev.Args)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if lvl, err := ParseLevel("warn"); err != nil || lvl != LevelWarn {
		t.Fatalf("ParseLevel(warn) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); !errors.Is(err, ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel, got %v", err)
	}
}
