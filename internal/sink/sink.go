// Package sink builds the processor behind each configured destination.
package sink

import (
	"context"
	"errors"
	"fmt"

	"batchlog/internal/batch"
	"batchlog/internal/config"
	"batchlog/internal/sink/beats"
	"batchlog/internal/sink/console"
	"batchlog/internal/sink/journal"
	"batchlog/internal/sink/store"
	"batchlog/internal/sink/telegram"
	"batchlog/internal/storage"
	"batchlog/pkg/logx"
)

// Sink is a batch processor that may hold a connection.
type Sink interface {
	ProcessBatch(ctx context.Context, b *batch.Batch) error
	Close() error
}

// Deps are the shared resources a sink may need.
type Deps struct {
	Store storage.Store
	Log   logx.Logger
}

// New builds the sink for dc. It performs no network I/O.
func New(key string, dc config.DestinationConfig, deps Deps) (Sink, error) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "sink"), logx.String("dest", key), logx.String("type", dc.Type))
	path := "destinations." + key

	switch dc.Type {
	case config.SinkConsole:
		return console.New(console.Options{}), nil

	case config.SinkTelegram:
		tc := dc.Telegram
		if tc == nil {
			return nil, fmt.Errorf("%s.telegram is required", path)
		}
		timeout, err := config.ParseDurationOrDefault(path+".telegram.timeout", tc.Timeout, telegram.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:      tc.Token,
			ChatID:     tc.ChatID,
			ThreadID:   tc.ThreadID,
			ParseMode:  tc.ParseMode,
			RatePerSec: tc.RatePerSec,
			Timeout:    timeout,
		}, log)

	case config.SinkJournal:
		id := ""
		if dc.Journal != nil {
			id = dc.Journal.Identifier
		}
		return journal.New(id)

	case config.SinkBeats:
		bc := dc.Beats
		if bc == nil {
			return nil, fmt.Errorf("%s.beats is required", path)
		}
		timeout, err := config.ParseDurationOrDefault(path+".beats.timeout", bc.Timeout, beats.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		return beats.New(beats.Config{
			Addr:        bc.Addr,
			Timeout:     timeout,
			Compression: bc.Compression,
			Index:       bc.Index,
		}, log), nil

	case config.SinkStore:
		if deps.Store == nil {
			return nil, errors.New(path + ": store sink requires storage to be enabled")
		}
		return store.New(deps.Store, 0), nil

	default:
		return nil, fmt.Errorf("%s: unknown sink %q", path, dc.Type)
	}
}
