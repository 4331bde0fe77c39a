// Package journal writes batches to the systemd journal, one entry per group.
package journal

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"

	"batchlog/internal/batch"
	"batchlog/internal/event"
)

const DefaultIdentifier = "batchlog"

// SendFunc matches journal.Send.
type SendFunc func(message string, priority journal.Priority, vars map[string]string) error

type Sink struct {
	identifier string
	send       SendFunc
}

// New fails when no journal socket is reachable.
func New(identifier string) (*Sink, error) {
	if !journal.Enabled() {
		return nil, errors.New("systemd journal is not available")
	}
	return NewWithSend(identifier, journal.Send), nil
}

func NewWithSend(identifier string, send SendFunc) *Sink {
	if strings.TrimSpace(identifier) == "" {
		identifier = DefaultIdentifier
	}
	return &Sink{identifier: identifier, send: send}
}

func (s *Sink) ProcessBatch(ctx context.Context, b *batch.Batch) error {
	var errs []error
	for _, g := range b.Groups() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		first := g.First()
		msg := first.Format()
		if g.Count() > 1 {
			msg += " (x" + strconv.Itoa(g.Count()) + ")"
		}
		vars := map[string]string{
			"SYSLOG_IDENTIFIER":   s.identifier,
			"BATCHLOG_LOGGER":     first.Logger,
			"BATCHLOG_DEST":       b.Destination(),
			"BATCHLOG_BATCH_ID":   b.ID(),
			"BATCHLOG_COUNT":      strconv.Itoa(g.Count()),
			"BATCHLOG_FIRST_SEEN": first.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
		}
		if first.Err != nil {
			vars["BATCHLOG_ERROR"] = first.Err.Error()
		}
		if err := s.send(msg, priority(g.Level()), vars); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) Close() error { return nil }

func priority(lvl event.Level) journal.Priority {
	switch {
	case lvl >= event.LevelError:
		return journal.PriErr
	case lvl >= event.LevelWarn:
		return journal.PriWarning
	case lvl >= event.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}
