package config

// Config is the on-disk configuration of the batching pipeline.
//
// All durations are Go duration strings (e.g. "250ms", "15s", "5m").
// The file may be JSON, YAML or TOML; unknown keys are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Drain     DrainConfig     `json:"drain"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Stats     StatsConfig     `json:"stats"`
	Admin     AdminConfig     `json:"admin"`

	// Destinations maps a destination key to its sink and batching policy.
	Destinations map[string]DestinationConfig `json:"destinations"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig sizes the shared timer worker pool.
//
// Defaults: workers 4, queue_size 1024.
type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

// DrainConfig bounds the final flush on shutdown.
//
// Defaults: timeout "10s", parallelism 4.
type DrainConfig struct {
	Timeout     string `json:"timeout,omitempty"`
	Parallelism int    `json:"parallelism,omitempty"`
}

// StorageConfig controls the optional batch archive queried by "batchlog query".
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./batchlog.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// StatsConfig enables a periodic pipeline summary in the log.
// Schedule is a cron spec; "@every 1m" style descriptors are accepted.
type StatsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

// AdminConfig controls the optional HTTP endpoint serving /healthz, /stats
// and, when pprof is set, /debug/pprof/.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// Destination sink types.
const (
	SinkConsole  = "console"
	SinkTelegram = "telegram"
	SinkJournal  = "journal"
	SinkBeats    = "beats"
	SinkStore    = "store"
)

type DestinationConfig struct {
	Type string `json:"type"`
	// Disabled destinations are validated but not started.
	Disabled bool `json:"disabled,omitempty"`
	// MinLevel drops events below this level before batching. Default "info".
	MinLevel string `json:"min_level,omitempty"`
	// Loggers restricts the destination to logger names with one of these
	// prefixes. Empty accepts every logger.
	Loggers []string `json:"loggers,omitempty"`

	Batch    BatchConfig     `json:"batch"`
	Throttle *ThrottleConfig `json:"throttle,omitempty"`

	Telegram *TelegramSinkConfig `json:"telegram,omitempty"`
	Journal  *JournalSinkConfig  `json:"journal,omitempty"`
	Beats    *BeatsSinkConfig    `json:"beats,omitempty"`
}

// BatchConfig is the cooldown policy of one destination.
//
// Defaults: idle_threshold "1s", maximum_wait_time "30s", cooldown_time "15s",
// max_distinct_args 10.
type BatchConfig struct {
	IdleThreshold   string `json:"idle_threshold,omitempty"`
	MaximumWaitTime string `json:"maximum_wait_time,omitempty"`
	CooldownTime    string `json:"cooldown_time,omitempty"`
	MaxDistinctArgs int    `json:"max_distinct_args,omitempty"`
}

// ThrottleConfig enables adaptive throttling. Either min_spacing (doubling up
// to ceiling) or an explicit steps ladder must be set.
type ThrottleConfig struct {
	MinSpacing  string   `json:"min_spacing,omitempty"`
	Ceiling     string   `json:"ceiling,omitempty"`
	QuietPeriod string   `json:"quiet_period,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

type TelegramSinkConfig struct {
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	ParseMode  string `json:"parse_mode,omitempty"` // "", "HTML", "Markdown", "MarkdownV2"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type JournalSinkConfig struct {
	Identifier string `json:"identifier,omitempty"`
}

// BeatsSinkConfig points at a Logstash beats input.
type BeatsSinkConfig struct {
	Addr        string `json:"addr"`
	Timeout     string `json:"timeout,omitempty"`
	Compression int    `json:"compression,omitempty"`
	Index       string `json:"index,omitempty"`
}
