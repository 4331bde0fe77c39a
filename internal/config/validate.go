package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"

	"batchlog/internal/event"
	"batchlog/pkg/logx"
)

// ErrInvalid wraps every structural validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks what can be checked without building anything: levels,
// duration strings, sink types and their required settings. Errors carry the
// offending key path.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	addErr := func(err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if logx.ParseLevel(lvl, logx.Level(-100)) == logx.Level(-100) {
			add("logging.level: unknown level %q", lvl)
		}
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled")
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.QueueSize < 0 {
		add("scheduler: workers and queue_size must be >= 0")
	}
	_, err := ParseDurationField("drain.timeout", c.Drain.Timeout)
	addErr(err)
	if c.Drain.Parallelism < 0 {
		add("drain.parallelism must be >= 0")
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite", "sqlite3":
		default:
			add("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		_, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
		addErr(err)
	}
	if c.Stats.Enabled {
		if _, err := cron.ParseStandard(c.StatsSchedule()); err != nil {
			add("stats.schedule: %v", err)
		}
	}

	errs = append(errs, c.Admin.validate()...)

	keys := make([]string, 0, len(c.Destinations))
	for k := range c.Destinations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			add("destinations: empty key")
			continue
		}
		errs = append(errs, c.Destinations[key].validate("destinations."+key)...)
	}
	return errors.Join(errs...)
}

func (d DestinationConfig) validate(path string) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s."+format, append([]any{ErrInvalid, path}, args...)...))
	}
	addErr := func(err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
	}

	switch d.Type {
	case SinkConsole, SinkJournal, SinkStore:
	case SinkTelegram:
		if d.Telegram == nil || strings.TrimSpace(d.Telegram.Token) == "" || d.Telegram.ChatID == 0 {
			add("telegram: token and chat_id are required")
		} else {
			_, err := ParseDurationField(path+".telegram.timeout", d.Telegram.Timeout)
			addErr(err)
		}
	case SinkBeats:
		if d.Beats == nil || strings.TrimSpace(d.Beats.Addr) == "" {
			add("beats.addr is required")
		} else {
			_, err := ParseDurationField(path+".beats.timeout", d.Beats.Timeout)
			addErr(err)
			if d.Beats.Compression < 0 || d.Beats.Compression > 9 {
				add("beats.compression must be within 0..9")
			}
		}
	case "":
		add("type is required")
	default:
		add("type: unknown sink %q", d.Type)
	}

	if lvl := strings.TrimSpace(d.MinLevel); lvl != "" {
		if _, err := event.ParseLevel(lvl); err != nil {
			add("min_level: %v", err)
		}
	}

	for _, f := range []struct{ name, raw string }{
		{"batch.idle_threshold", d.Batch.IdleThreshold},
		{"batch.maximum_wait_time", d.Batch.MaximumWaitTime},
		{"batch.cooldown_time", d.Batch.CooldownTime},
	} {
		_, err := ParseDurationField(path+"."+f.name, f.raw)
		addErr(err)
	}
	if d.Batch.MaxDistinctArgs < 0 {
		add("batch.max_distinct_args must be >= 0")
	}

	if t := d.Throttle; t != nil {
		for _, f := range []struct{ name, raw string }{
			{"throttle.min_spacing", t.MinSpacing},
			{"throttle.ceiling", t.Ceiling},
			{"throttle.quiet_period", t.QuietPeriod},
		} {
			_, err := ParseDurationField(path+"."+f.name, f.raw)
			addErr(err)
		}
		_, err := ParseDurationList(path+".throttle.steps", t.Steps)
		addErr(err)
		if strings.TrimSpace(t.MinSpacing) == "" && len(t.Steps) == 0 {
			add("throttle: min_spacing or steps is required")
		}
	}
	return errs
}

func (a AdminConfig) validate() []error {
	var errs []error
	for _, f := range []struct{ name, raw string }{
		{"admin.read_timeout", a.ReadTimeout},
		{"admin.idle_timeout", a.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.name, f.raw); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
	}
	if !a.Enabled {
		return errs
	}
	addr := a.ListenAddr()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		errs = append(errs, fmt.Errorf("%w: admin.addr: invalid %q (expected host:port)", ErrInvalid, addr))
	} else if !a.AllowInsecure && strings.TrimSpace(a.Token) == "" && !IsLoopbackAddr(addr) {
		errs = append(errs, fmt.Errorf("%w: admin: binding to non-loopback addr requires token or allow_insecure", ErrInvalid))
	}
	return errs
}

// ListenAddr returns the admin address, defaulting to localhost.
func (a AdminConfig) ListenAddr() string {
	if s := strings.TrimSpace(a.Addr); s != "" {
		return s
	}
	return "127.0.0.1:6060"
}

// IsLoopbackAddr reports whether host:port names a loopback host. An empty
// host binds every interface and is not loopback.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// StatsSchedule returns the stats cron spec, defaulting to every minute.
func (c *Config) StatsSchedule() string {
	if s := strings.TrimSpace(c.Stats.Schedule); s != "" {
		return s
	}
	return "@every 1m"
}

// Enabled reports whether the destination should be started.
func (d DestinationConfig) Enabled() bool { return !d.Disabled }
