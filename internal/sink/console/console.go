// Package console re-emits each group of a batch as one zerolog line.
package console

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"

	"batchlog/internal/batch"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Options struct {
	// Out defaults to stdout.
	Out io.Writer
	// JSON writes zerolog JSON instead of the human console format.
	JSON bool
}

type Sink struct {
	zl zerolog.Logger
}

func New(opt Options) *Sink {
	out := opt.Out
	if out == nil {
		out = os.Stdout
	}
	if !opt.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat}
	}
	return &Sink{zl: zerolog.New(zerolog.SyncWriter(out))}
}

// ProcessBatch writes one line per group at the group's level, timestamped
// with the group's latest event.
func (s *Sink) ProcessBatch(ctx context.Context, b *batch.Batch) error {
	for _, g := range b.Groups() {
		if err := ctx.Err(); err != nil {
			return err
		}
		first := g.First()
		e := s.zl.WithLevel(g.Level())
		if e == nil {
			continue
		}
		e = e.Time(zerolog.TimestampFieldName, g.Latest().Time).
			Str("logger", first.Logger).
			Str("dest", b.Destination()).
			Str("batch", b.ID())
		if g.Count() > 1 {
			e = e.Int("count", g.Count()).Dur("span", g.Span())
		}
		if first.Err != nil {
			e = e.AnErr("err", first.Err)
		}
		for k, v := range first.Context {
			e = e.Str(k, v)
		}
		e.Msg(first.Format())
	}
	return nil
}

func (s *Sink) Close() error { return nil }
