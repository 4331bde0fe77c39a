package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"batchlog/internal/event"
)

const maxInputLine = 1 << 20

// inputLine is the JSON form accepted by ReadEvents.
type inputLine struct {
	Logger  string            `json:"logger"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Args    []any             `json:"args"`
	Error   string            `json:"error"`
	Context map[string]string `json:"context"`
	Time    time.Time         `json:"time"`
}

// ReadEvents turns each line of r into an event and passes it to emit until
// r is exhausted or ctx ends. Lines holding a JSON object are decoded as
// inputLine; anything else is an info event of defaultLogger with the line
// as message. It returns the number of events emitted.
func ReadEvents(ctx context.Context, r io.Reader, defaultLogger string, emit func(event.Event)) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxInputLine)
	n := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		emit(parseLine(line, defaultLogger))
		n++
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

func parseLine(line, defaultLogger string) event.Event {
	var in inputLine
	if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &in) == nil && in.Message != "" {
		logger := in.Logger
		if logger == "" {
			logger = defaultLogger
		}
		lvl, err := event.ParseLevel(in.Level)
		if err != nil {
			lvl = event.LevelInfo
		}
		ev := event.New(logger, lvl, in.Message, in.Args...).WithContext(in.Context)
		if in.Error != "" {
			ev.Err = errors.New(in.Error)
		}
		if !in.Time.IsZero() {
			ev.Time = in.Time
		}
		return ev
	}
	return event.New(defaultLogger, event.LevelInfo, line)
}
