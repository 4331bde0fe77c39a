package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Level
	}{
		{raw: "trace", want: LevelTrace},
		{raw: " DEBUG ", want: LevelDebug},
		{raw: "info", want: LevelInfo},
		{raw: "warning", want: LevelWarn},
		{raw: "Error", want: LevelError},
		{raw: "bogus", want: LevelWarn},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.raw, LevelWarn); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["caller"] == nil {
		t.Fatalf("expected caller field, got %v", m)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestEnabledHonorsLevel(t *testing.T) {
	t.Parallel()
	log := NewWriter(&bytes.Buffer{}, "warn")
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}
