// Package beats ships batches to a Logstash beats input over the lumberjack
// v2 protocol, one document per group.
package beats

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	lumberjack "github.com/elastic/go-lumber/client/v2"

	"batchlog/internal/batch"
	"batchlog/pkg/logx"
)

const DefaultTimeout = 5 * time.Second

type Config struct {
	Addr        string
	Timeout     time.Duration
	Compression int
	// Index is passed as @metadata.index for the Logstash pipeline.
	Index string
}

// Client is the part of *lumberjack.SyncClient the sink needs.
type Client interface {
	Send(data []interface{}) (int, error)
	Close() error
}

// DialFunc opens a connection to the configured endpoint.
type DialFunc func(cfg Config) (Client, error)

func dialLumberjack(cfg Config) (Client, error) {
	c, err := lumberjack.SyncDial(cfg.Addr,
		lumberjack.CompressionLevel(cfg.Compression),
		lumberjack.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed connection to beats server: %w", err)
	}
	return c, nil
}

// Sink connects lazily and reconnects on the next batch after a failure.
type Sink struct {
	cfg  Config
	dial DialFunc
	log  logx.Logger
	host string

	mu     sync.Mutex
	client Client
}

func New(cfg Config, log logx.Logger) *Sink {
	return NewWithDial(cfg, dialLumberjack, log)
}

func NewWithDial(cfg Config, dial DialFunc, log logx.Logger) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	host, _ := os.Hostname()
	return &Sink{cfg: cfg, dial: dial, log: log, host: host}
}

func (s *Sink) ProcessBatch(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	docs := s.documents(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		c, err := s.dial(s.cfg)
		if err != nil {
			return err
		}
		s.client = c
	}
	n, err := s.client.Send(docs)
	if err != nil {
		s.log.Debug("beats send failed; dropping connection",
			logx.String("addr", s.cfg.Addr),
			logx.Int("acked", n),
			logx.Int("docs", len(docs)),
			logx.Err(err),
		)
		_ = s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

func (s *Sink) documents(b *batch.Batch) []interface{} {
	groups := b.Groups()
	docs := make([]interface{}, 0, len(groups))
	for _, g := range groups {
		first := g.First()
		doc := map[string]interface{}{
			// Minimum required fields
			"@timestamp": g.Latest().Time,
			"message":    first.Format(),

			"log": map[string]interface{}{
				"level":  g.Level().String(),
				"logger": first.Logger,
			},
			"event": map[string]interface{}{
				"count":   g.Count(),
				"start":   first.Time,
				"end":     g.Latest().Time,
				"dataset": b.Destination(),
			},
			"batch": map[string]interface{}{
				"id":         b.ID(),
				"reason":     b.Reason().String(),
				"suppressed": b.Suppressed(),
			},
			"host": map[string]interface{}{
				"name": s.host,
			},
			"agent": map[string]interface{}{
				"type": "batchlog",
				"pid":  os.Getpid(),
			},
		}
		if first.Err != nil {
			doc["error"] = map[string]interface{}{"message": first.Err.Error()}
		}
		if len(first.Context) > 0 {
			labels := make(map[string]interface{}, len(first.Context))
			for k, v := range first.Context {
				labels[k] = v
			}
			doc["labels"] = labels
		}
		if s.cfg.Index != "" {
			doc["@metadata"] = map[string]interface{}{"index": s.cfg.Index}
		}
		docs = append(docs, doc)
	}
	return docs
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
