package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const jsonConfig = `{
  "logging": {"level": "debug", "console": true},
  "drain": {"timeout": "5s", "parallelism": 2},
  "stats": {"enabled": true, "schedule": "@every 30s"},
  "destinations": {
    "chat": {
      "type": "telegram",
      "min_level": "warn",
      "batch": {"idle_threshold": "2s", "maximum_wait_time": "1m", "cooldown_time": "30s"},
      "throttle": {"steps": ["1m", "5m"]},
      "telegram": {"token": "t", "chat_id": -100}
    },
    "stdout": {"type": "console"}
  }
}`

const yamlConfig = `
logging:
  level: debug
  console: true
drain:
  timeout: 5s
  parallelism: 2
stats:
  enabled: true
  schedule: "@every 30s"
destinations:
  chat:
    type: telegram
    min_level: warn
    batch:
      idle_threshold: 2s
      maximum_wait_time: 1m
      cooldown_time: 30s
    throttle:
      steps: [1m, 5m]
    telegram:
      token: t
      chat_id: -100
  stdout:
    type: console
`

const tomlConfig = `
[logging]
level = "debug"
console = true

[drain]
timeout = "5s"
parallelism = 2

[stats]
enabled = true
schedule = "@every 30s"

[destinations.chat]
type = "telegram"
min_level = "warn"

[destinations.chat.batch]
idle_threshold = "2s"
maximum_wait_time = "1m"
cooldown_time = "30s"

[destinations.chat.throttle]
steps = ["1m", "5m"]

[destinations.chat.telegram]
token = "t"
chat_id = -100

[destinations.stdout]
type = "console"
`

func TestDecodeFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		file string
		data string
	}{
		{"batchlog.json", jsonConfig},
		{"batchlog.yaml", yamlConfig},
		{"batchlog.toml", tomlConfig},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.file, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.file, []byte(tt.data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			chat, ok := cfg.Destinations["chat"]
			if !ok {
				t.Fatalf("destinations = %v", cfg.Destinations)
			}
			if chat.Telegram == nil || chat.Telegram.ChatID != -100 {
				t.Fatalf("telegram = %+v", chat.Telegram)
			}
			if chat.Batch.CooldownTime != "30s" || chat.Throttle == nil || len(chat.Throttle.Steps) != 2 {
				t.Fatalf("chat = %+v", chat)
			}
			if cfg.Drain.Parallelism != 2 || cfg.StatsSchedule() != "@every 30s" {
				t.Fatalf("drain=%+v stats=%+v", cfg.Drain, cfg.Stats)
			}
		})
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"destinations": {"x": {"type": "console", "colour": true}}}`)); err == nil {
		t.Fatal("unknown nested key accepted")
	}
	if _, err := Decode("c.yaml", []byte("logging:\n  levle: info\n")); err == nil {
		t.Fatal("unknown yaml key accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		dest DestinationConfig
		want string
	}{
		{"missing type", DestinationConfig{}, "type is required"},
		{"unknown type", DestinationConfig{Type: "email"}, `unknown sink "email"`},
		{"telegram without token", DestinationConfig{Type: SinkTelegram}, "token and chat_id"},
		{"beats without addr", DestinationConfig{Type: SinkBeats, Beats: &BeatsSinkConfig{}}, "beats.addr"},
		{"bad level", DestinationConfig{Type: SinkConsole, MinLevel: "loud"}, "min_level"},
		{"bad duration", DestinationConfig{Type: SinkConsole, Batch: BatchConfig{IdleThreshold: "soon"}}, "destinations.d.batch.idle_threshold"},
		{"bad step", DestinationConfig{Type: SinkConsole, Throttle: &ThrottleConfig{Steps: []string{"1m", "x"}}}, "throttle.steps[1]"},
		{"empty throttle", DestinationConfig{Type: SinkConsole, Throttle: &ThrottleConfig{}}, "min_spacing or steps"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Destinations: map[string]DestinationConfig{"d": tt.dest}}
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %q, want it to mention %q", err, tt.want)
			}
		})
	}

	bad := &Config{Stats: StatsConfig{Enabled: true, Schedule: "every minute"}}
	if err := bad.Validate(); err == nil {
		t.Fatal("bad stats schedule accepted")
	}
	public := &Config{Admin: AdminConfig{Enabled: true, Addr: "0.0.0.0:6060"}}
	if err := public.Validate(); err == nil || !strings.Contains(err.Error(), "admin") {
		t.Fatalf("public admin without token: %v", err)
	}
	public.Admin.Token = "secret"
	if err := public.Validate(); err != nil {
		t.Fatalf("public admin with token rejected: %v", err)
	}
	if (AdminConfig{}).ListenAddr() != "127.0.0.1:6060" || !IsLoopbackAddr("localhost:1") || IsLoopbackAddr(":6060") {
		t.Fatal("admin address defaults")
	}
	ok := &Config{Destinations: map[string]DestinationConfig{"c": {Type: SinkConsole}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", " 150ms "); err != nil || d != 150*time.Millisecond {
		t.Fatalf("150ms = %v, %v", d, err)
	}
	if _, err := ParseDurationField("a.b", "-1s"); err == nil || !strings.HasPrefix(err.Error(), "a.b:") {
		t.Fatalf("negative err = %v", err)
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
	if got, err := ParseDurationList("s", []string{"1m", "5m"}); err != nil || len(got) != 2 || got[1] != 5*time.Minute {
		t.Fatalf("list = %v, %v", got, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Destinations: map[string]DestinationConfig{
		"a": {Type: SinkConsole},
		"b": {Type: SinkConsole, Batch: BatchConfig{IdleThreshold: "1s"}},
		"c": {Type: SinkJournal},
	}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Destinations: map[string]DestinationConfig{
			"a": {Type: SinkConsole},
			"b": {Type: SinkConsole, Batch: BatchConfig{IdleThreshold: "2s"}},
			"d": {Type: SinkStore},
		},
	}
	ch := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(ch.Sections, ",") != "logging,destinations" {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if strings.Join(ch.Added, ",") != "d" || strings.Join(ch.Removed, ",") != "c" || strings.Join(ch.Modified, ",") != "b" {
		t.Fatalf("change = %+v", ch)
	}
	if !SummarizeConfigChange(newCfg, newCfg).Empty() {
		t.Fatal("identical configs reported a change")
	}

	if !TimingOnly(oldCfg.Destinations["b"], newCfg.Destinations["b"]) {
		t.Fatal("batch timing change not recognized as timing-only")
	}
	withThrottle := newCfg.Destinations["b"]
	withThrottle.Throttle = &ThrottleConfig{MinSpacing: "1s"}
	if TimingOnly(oldCfg.Destinations["b"], withThrottle) {
		t.Fatal("enabling throttle reported as timing-only")
	}
	if TimingOnly(DestinationConfig{Type: SinkConsole}, DestinationConfig{Type: SinkJournal}) {
		t.Fatal("sink type change reported as timing-only")
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReloadCommitsValidAndRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "batchlog.json")
	writeFile(t, path, `{"destinations": {"c": {"type": "console"}}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	var rejected []error
	m.OnReject(func(err error) { rejected = append(rejected, err) })

	writeFile(t, path, `{"destinations": {"c": {"type": "pager"}}}`)
	m.reload(context.Background())
	if len(rejected) != 1 || m.Get().Destinations["c"].Type != SinkConsole {
		t.Fatalf("invalid reload: rejected=%v current=%+v", rejected, m.Get().Destinations)
	}

	writeFile(t, path, `{"destinations": {"c": {"type": "journal"}}}`)
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Destinations["c"].Type != SinkJournal {
			t.Fatalf("published %+v", cfg.Destinations)
		}
	default:
		t.Fatal("valid reload was not published")
	}

	// Same content again: nothing to publish.
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		t.Fatalf("unchanged reload published %+v", cfg)
	default:
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("sink cannot start") })
	writeFile(t, path, `{"destinations": {"c": {"type": "console"}}}`)
	m.reload(context.Background())
	if len(rejected) != 2 || m.Get().Destinations["c"].Type != SinkJournal {
		t.Fatalf("validator rejection not honored: rejected=%v", rejected)
	}
}

func TestWatchPicksUpChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "batchlog.yaml")
	writeFile(t, path, "destinations:\n  c:\n    type: console\n")

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "destinations:\n  c:\n    type: journal\n")

	select {
	case cfg := <-sub:
		if cfg.Destinations["c"].Type != SinkJournal {
			t.Fatalf("published %+v", cfg.Destinations)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not publish the change")
	}
}
