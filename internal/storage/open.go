package storage

import (
	"context"
	"errors"
	"strings"

	"batchlog/pkg/logx"
)

// Store is the persistence API used by the store sink and "batchlog query".
type Store interface {
	AppendBatch(ctx context.Context, r BatchRecord) error
	QueryBatches(ctx context.Context, q Query) ([]BatchRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "off", "disabled":
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
