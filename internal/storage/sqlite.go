package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"batchlog/internal/event"
	"batchlog/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendBatch(ctx context.Context, r BatchRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	lvl, err := event.ParseLevel(r.Level)
	if err != nil {
		return err
	}
	groups, err := json.Marshal(r.Groups)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches(id, destination, reason, level, level_num, events, suppressed, created_at, flushed_at, groups_json)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Destination, r.Reason, r.Level, int(lvl), r.Events, r.Suppressed,
		r.CreatedAt.UnixNano(), r.FlushedAt.UnixNano(), string(groups),
	)
	return err
}

func (s *sqliteStore) QueryBatches(ctx context.Context, q Query) ([]BatchRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	cq, err := q.compile()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if q.Destination != "" {
		where = append(where, "destination = ?")
		args = append(args, q.Destination)
	}
	if cq.hasLevel {
		where = append(where, "level_num >= ?")
		args = append(args, int(cq.level))
	}
	if !q.Since.IsZero() {
		where = append(where, "flushed_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "flushed_at < ?")
		args = append(args, q.Until.UnixNano())
	}

	stmt := `SELECT id, destination, reason, level, events, suppressed, created_at, flushed_at, groups_json FROM batches`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY flushed_at ASC"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var (
			r                BatchRecord
			created, flushed int64
			groups           string
		)
		if err := rows.Scan(&r.ID, &r.Destination, &r.Reason, &r.Level, &r.Events, &r.Suppressed, &created, &flushed, &groups); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created)
		r.FlushedAt = time.Unix(0, flushed)
		if err := json.Unmarshal([]byte(groups), &r.Groups); err != nil {
			s.log.Debug("batch groups unreadable", logx.String("id", r.ID), logx.Err(err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
