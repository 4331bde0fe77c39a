package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pflag "github.com/spf13/pflag"

	"batchlog/internal/batch"
	"batchlog/internal/config"
	"batchlog/internal/event"
	"batchlog/internal/storage"
	"batchlog/pkg/logx"
)

func TestParseWhen(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2h", now.Add(-2 * time.Hour), false},
		{"2026-02-28T10:00:00Z", time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC), false},
		{"-1h", time.Time{}, true},
		{"yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseWhen("--since", tt.raw, now)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseWhen(%q) err = %v", tt.raw, err)
		}
		if !tt.wantErr && !got.Equal(tt.want) {
			t.Fatalf("parseWhen(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestPrintPlan(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Destinations: map[string]config.DestinationConfig{
		"chat": {
			Type:     config.SinkConsole,
			MinLevel: "warn",
			Loggers:  []string{"db"},
			Throttle: &config.ThrottleConfig{Steps: []string{"1m", "5m"}},
		},
		"off": {Type: config.SinkJournal, Disabled: true},
	}}
	var buf bytes.Buffer
	if err := printPlan(&buf, cfg); err != nil {
		t.Fatalf("printPlan: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"chat", "warn", "db", "1m0s>5m0s", "off (disabled)", "2 destination(s); drain timeout 10s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output lacks %q:\n%s", want, out)
		}
	}

	bad := &config.Config{Destinations: map[string]config.DestinationConfig{"x": {Type: "pager"}}}
	if err := printPlan(&buf, bad); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestRunQuery(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Storage: &config.StorageConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "archive")}}
	st, err := storage.Open(storage.Config{Driver: "file", Path: cfg.Storage.Path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, dest := range []string{"a", "b"} {
		b := batch.New(dest, batch.ReasonIdle, event.New("db", event.LevelError, "down"))
		if err := st.AppendBatch(context.Background(), storage.RecordOf(b)); err != nil {
			t.Fatalf("AppendBatch: %v", err)
		}
	}
	_ = st.Close()

	var buf bytes.Buffer
	if err := runQuery(context.Background(), &buf, cfg, storage.Query{Destination: "b"}); err != nil {
		t.Fatalf("runQuery: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	var rec storage.BatchRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil || rec.Destination != "b" {
		t.Fatalf("record = %+v, %v", rec, err)
	}

	if err := runQuery(context.Background(), &buf, &config.Config{}, storage.Query{}); err == nil {
		t.Fatal("query without storage succeeded")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	cfg := fs.String("config", "./batchlog.yaml", "")
	stop := fs.Duration("stop-timeout", 30*time.Second, "")
	limit := fs.Int("limit", 100, "")
	if err := fs.Parse([]string{"--config", "cli.yaml"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env := map[string]string{
		"BATCHLOG_CONFIG":       "env.yaml",
		"BATCHLOG_STOP_TIMEOUT": "5s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	if err := applyEnv(fs, lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if *cfg != "cli.yaml" || *stop != 5*time.Second || *limit != 100 {
		t.Fatalf("config=%s stop=%s limit=%d", *cfg, *stop, *limit)
	}

	env["BATCHLOG_LIMIT"] = "many"
	if err := applyEnv(fs, lookup); err == nil || !strings.Contains(err.Error(), "BATCHLOG_LIMIT") {
		t.Fatalf("bad env value err = %v", err)
	}
}
