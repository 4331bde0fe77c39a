package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"batchlog/pkg/logx"
)

// maxRecordLine bounds a single archived batch on disk.
const maxRecordLine = 4 << 20

// ErrRecordTooLarge is returned by the file driver for a batch whose encoded
// record exceeds maxRecordLine.
var ErrRecordTooLarge = errors.New("batch record too large")

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.batches.jsonl (append-only JSON Lines, one batch per line)
//
// Queries scan the whole file; it is meant for small deployments.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	archive := filepath.Join(dir, base) + ".batches.jsonl"
	f, err := os.OpenFile(archive, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: archive, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendBatch(ctx context.Context, r BatchRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if len(b) >= maxRecordLine {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(b))
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("batch archive closed")
	}
	_, err = s.f.Write(b)
	return err
}

func (s *fileStore) QueryBatches(ctx context.Context, q Query) ([]BatchRecord, error) {
	cq, err := q.compile()
	if err != nil {
		return nil, err
	}

	// Hold the lock so a concurrent append never shows up half written.
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []BatchRecord
	skipped, err := readLines(f, maxRecordLine, func(line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r BatchRecord
		if err := json.Unmarshal(line, &r); err != nil {
			s.log.Debug("skipping corrupt batch record", logx.String("path", s.path), logx.Err(err))
			return nil
		}
		if cq.match(r) {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.log.Warn("skipped oversized batch records", logx.String("path", s.path), logx.Int("count", skipped))
	}
	sortRecords(out)
	return limitRecords(out, q.Limit), nil
}

// readLines calls fn for every non-blank line of r. Lines longer than max
// bytes, newline included, are discarded without being buffered and counted
// in skipped.
func readLines(r io.Reader, max int, fn func(line []byte) error) (skipped int, err error) {
	br := bufio.NewReaderSize(r, 64<<10)
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, rerr := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max {
				tooLong, line = true, line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return skipped, rerr
		}

		if tooLong {
			skipped++
		} else if l := bytes.TrimSpace(line); len(l) > 0 {
			if err := fn(l); err != nil {
				return skipped, err
			}
		}
		line, tooLong = line[:0], false
		if rerr != nil {
			return skipped, nil
		}
	}
}
