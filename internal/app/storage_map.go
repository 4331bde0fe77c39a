package app

import (
	"fmt"
	"strings"
	"time"

	"batchlog/internal/batcher"
	"batchlog/internal/config"
	"batchlog/internal/event"
	"batchlog/internal/observability/admin"
	"batchlog/internal/scheduler"
	"batchlog/internal/storage"
	"batchlog/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch dl {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenArchive opens the batch archive configured in cfg for reading.
// It returns storage.ErrDisabled when cfg has no storage section.
func OpenArchive(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	readTO, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 5*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	idleTO, err := config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 120*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          ac.ListenAddr(),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   readTO,
		IdleTimeout:   idleTO,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Workers: cfg.Scheduler.Workers, QueueSize: cfg.Scheduler.QueueSize}
}

func mapDrainOptions(cfg *config.Config) (batcher.DrainOptions, error) {
	timeout, err := config.ParseDurationOrDefault("drain.timeout", cfg.Drain.Timeout, batcher.DefaultDrainTimeout)
	if err != nil {
		return batcher.DrainOptions{}, err
	}
	par := cfg.Drain.Parallelism
	if par <= 0 {
		par = batcher.DefaultDrainParallelism
	}
	return batcher.DrainOptions{Timeout: timeout, Parallelism: par}, nil
}

// mapBatcherConfig turns the string-typed destination policy into a
// validated batcher.Config. Omitted fields take batcher.DefaultConfig values.
func mapBatcherConfig(key string, dc config.DestinationConfig) (batcher.Config, error) {
	path := "destinations." + key
	def := batcher.DefaultConfig()
	out := def

	var err error
	if out.IdleThreshold, err = config.ParseDurationOrDefault(path+".batch.idle_threshold", dc.Batch.IdleThreshold, def.IdleThreshold); err != nil {
		return batcher.Config{}, err
	}
	if out.MaximumWaitTime, err = config.ParseDurationOrDefault(path+".batch.maximum_wait_time", dc.Batch.MaximumWaitTime, def.MaximumWaitTime); err != nil {
		return batcher.Config{}, err
	}
	if strings.TrimSpace(dc.Batch.CooldownTime) != "" {
		// An explicit "0s" disables the cooldown.
		if out.CooldownTime, err = config.ParseDurationField(path+".batch.cooldown_time", dc.Batch.CooldownTime); err != nil {
			return batcher.Config{}, err
		}
	}
	if dc.Batch.MaxDistinctArgs > 0 {
		out.MaxDistinctArgs = dc.Batch.MaxDistinctArgs
	}

	if t := dc.Throttle; t != nil {
		tc := &batcher.ThrottleConfig{}
		if tc.MinSpacing, err = config.ParseDurationField(path+".throttle.min_spacing", t.MinSpacing); err != nil {
			return batcher.Config{}, err
		}
		if tc.Ceiling, err = config.ParseDurationField(path+".throttle.ceiling", t.Ceiling); err != nil {
			return batcher.Config{}, err
		}
		if tc.QuietPeriod, err = config.ParseDurationField(path+".throttle.quiet_period", t.QuietPeriod); err != nil {
			return batcher.Config{}, err
		}
		if tc.Steps, err = config.ParseDurationList(path+".throttle.steps", t.Steps); err != nil {
			return batcher.Config{}, err
		}
		out.Throttle = tc
	}

	if err := out.Validate(); err != nil {
		return batcher.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// filter decides which events a destination receives.
type filter struct {
	minLevel event.Level
	prefixes []string
}

func mapFilter(key string, dc config.DestinationConfig) (filter, error) {
	f := filter{minLevel: event.LevelInfo}
	if s := strings.TrimSpace(dc.MinLevel); s != "" {
		lvl, err := event.ParseLevel(s)
		if err != nil {
			return filter{}, fmt.Errorf("destinations.%s.min_level: %w", key, err)
		}
		f.minLevel = lvl
	}
	for _, p := range dc.Loggers {
		if p = strings.TrimSpace(p); p != "" {
			f.prefixes = append(f.prefixes, p)
		}
	}
	return f, nil
}

func (f filter) match(ev event.Event) bool {
	if ev.Level < f.minLevel {
		return false
	}
	if len(f.prefixes) == 0 {
		return true
	}
	for _, p := range f.prefixes {
		if ev.Logger == p || strings.HasPrefix(ev.Logger, p+".") {
			return true
		}
	}
	return false
}
