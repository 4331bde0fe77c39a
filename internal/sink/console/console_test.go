package console

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"batchlog/internal/batch"
	"batchlog/internal/event"
)

func TestProcessBatchJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(Options{Out: &buf, JSON: true})

	b := batch.New("stdout", batch.ReasonIdle,
		event.New("app", event.LevelWarn, "slow {}", "q1"),
		event.New("app", event.LevelWarn, "slow {}", "q2"),
		event.New("db", event.LevelError, "down", errors.New("refused")),
	)
	if err := s.ProcessBatch(context.Background(), b); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	var lines []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want one per group", len(lines))
	}
	if lines[0]["level"] != "warn" || lines[0]["message"] != "slow q1" || lines[0]["count"] != float64(2) {
		t.Fatalf("first line = %v", lines[0])
	}
	if lines[1]["level"] != "error" || lines[1]["err"] != "refused" || lines[1]["dest"] != "stdout" {
		t.Fatalf("second line = %v", lines[1])
	}
}

func TestProcessBatchHonorsContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(Options{Out: &buf})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.ProcessBatch(ctx, batch.New("c", batch.ReasonIdle, event.New("x", event.LevelInfo, "m")))
	if !errors.Is(err, context.Canceled) || buf.Len() != 0 {
		t.Fatalf("err=%v written=%q", err, buf.String())
	}
}
