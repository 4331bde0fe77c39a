// Package event defines the log event consumed by the batching pipeline.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"batchlog/pkg/logx"
)

// Level is the event severity. It shares zerolog's scale with logx.
type Level = logx.Level

const (
	LevelTrace = logx.LevelTrace
	LevelDebug = logx.LevelDebug
	LevelInfo  = logx.LevelInfo
	LevelWarn  = logx.LevelWarn
	LevelError = logx.LevelError
)

// Event is one emitted log statement. It must not be mutated once emitted;
// batches keep references to it.
type Event struct {
	Logger  string
	Level   Level
	Message string // template with {} placeholders
	Args    []any
	Time    time.Time
	Err     error
	Context map[string]string
}

// New builds an event stamped with the current time. A trailing error
// argument without a matching placeholder becomes the event cause.
func New(logger string, level Level, message string, args ...any) Event {
	ev := Event{
		Logger:  logger,
		Level:   level,
		Message: message,
		Time:    time.Now(),
	}
	if n := len(args); n > 0 {
		if err, ok := args[n-1].(error); ok && strings.Count(message, "{}") < n {
			ev.Err = err
			args = args[:n-1]
		}
	}
	if len(args) > 0 {
		ev.Args = append([]any(nil), args...)
	}
	return ev
}

// WithContext returns a copy of ev carrying the given context values.
func (e Event) WithContext(kv map[string]string) Event {
	if len(kv) == 0 {
		return e
	}
	merged := make(map[string]string, len(e.Context)+len(kv))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	e.Context = merged
	return e
}

// Fingerprint identifies "the same kind of event" regardless of argument values.
type Fingerprint struct {
	Logger  string
	Level   Level
	Message string
}

func (e Event) Fingerprint() Fingerprint {
	return Fingerprint{Logger: e.Logger, Level: e.Level, Message: e.Message}
}

func (f Fingerprint) String() string {
	return f.Level.String() + "|" + f.Logger + "|" + f.Message
}

// Format substitutes the {} placeholders of the message with the arguments
// in order. Surplus placeholders are left as is; surplus arguments are ignored.
func (e Event) Format() string {
	if len(e.Args) == 0 || !strings.Contains(e.Message, "{}") {
		return e.Message
	}
	var b strings.Builder
	rest := e.Message
	for _, arg := range e.Args {
		i := strings.Index(rest, "{}")
		if i < 0 {
			break
		}
		b.WriteString(rest[:i])
		b.WriteString(fmt.Sprint(arg))
		rest = rest[i+2:]
	}
	b.WriteString(rest)
	return b.String()
}

// ArgKey renders the argument tuple as a comparable string.
func (e Event) ArgKey() string {
	if len(e.Args) == 0 {
		return ""
	}
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = fmt.Sprintf("%v", a)
	}
	return strings.Join(parts, "\x1f")
}

// ErrUnknownLevel is returned by ParseLevel for unrecognized names.
var ErrUnknownLevel = errors.New("unknown level")

// ParseLevel maps a level name (trace, debug, info, warn, error) to a Level.
func ParseLevel(s string) (Level, error) {
	const sentinel = logx.Level(-100)
	lvl := logx.ParseLevel(s, sentinel)
	if lvl == sentinel {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
	return lvl, nil
}
