package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"batchlog/internal/batch"
	"batchlog/internal/event"
)

var ErrDisabled = errors.New("storage disabled")

// ErrInvalidQuery wraps every Query validation failure.
var ErrInvalidQuery = errors.New("invalid query")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines archive
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// BatchRecord is the archived form of a delivered batch.
// Keep it compact and schema-stable.
type BatchRecord struct {
	ID          string        `json:"id"`
	Destination string        `json:"destination"`
	Reason      string        `json:"reason"`
	Level       string        `json:"level"`
	Events      int           `json:"events"`
	Suppressed  int           `json:"suppressed,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	FlushedAt   time.Time     `json:"flushed_at"`
	Groups      []GroupRecord `json:"groups"`
}

type GroupRecord struct {
	Logger       string     `json:"logger"`
	Level        string     `json:"level"`
	Message      string     `json:"message"`
	Count        int        `json:"count"`
	First        time.Time  `json:"first"`
	Latest       time.Time  `json:"latest"`
	Sample       string     `json:"sample"`
	Args         [][]string `json:"args,omitempty"`
	ArgsOverflow int        `json:"args_overflow,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// RecordOf converts b into its archived form.
func RecordOf(b *batch.Batch) BatchRecord {
	rec := BatchRecord{
		ID:          b.ID(),
		Destination: b.Destination(),
		Reason:      b.Reason().String(),
		Level:       b.HighestLevel().String(),
		Events:      b.Events(),
		Suppressed:  b.Suppressed(),
		CreatedAt:   b.CreatedAt(),
		FlushedAt:   b.FlushedAt(),
	}
	for _, g := range b.Groups() {
		first := g.First()
		gr := GroupRecord{
			Logger:       first.Logger,
			Level:        g.Level().String(),
			Message:      first.Message,
			Count:        g.Count(),
			First:        first.Time,
			Latest:       g.Latest().Time,
			Sample:       first.Format(),
			ArgsOverflow: g.ArgsOverflow(),
		}
		if first.Err != nil {
			gr.Error = first.Err.Error()
		}
		for _, tuple := range g.DistinctArgs() {
			vals := make([]string, len(tuple))
			for i, a := range tuple {
				vals[i] = fmt.Sprint(a)
			}
			gr.Args = append(gr.Args, vals)
		}
		rec.Groups = append(rec.Groups, gr)
	}
	return rec
}

// Query selects archived batches. Zero fields do not filter.
// Results are ordered by flush time, oldest first.
type Query struct {
	Destination string
	// MinLevel keeps batches whose highest level is at least this level.
	MinLevel string
	// Since is inclusive, Until exclusive.
	Since time.Time
	Until time.Time
	Limit int
}

type compiledQuery struct {
	Query
	hasLevel bool
	level    event.Level
}

// Validate reports a malformed query without running it.
func (q Query) Validate() error {
	_, err := q.compile()
	return err
}

func (q Query) compile() (compiledQuery, error) {
	cq := compiledQuery{Query: q}
	if s := strings.TrimSpace(q.MinLevel); s != "" {
		lvl, err := event.ParseLevel(s)
		if err != nil {
			return cq, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		cq.hasLevel, cq.level = true, lvl
	}
	if q.Limit < 0 {
		return cq, fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, q.Limit)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && !q.Until.After(q.Since) {
		return cq, fmt.Errorf("%w: until must be after since", ErrInvalidQuery)
	}
	return cq, nil
}

// ParseWhen reads a query bound: an RFC 3339 timestamp, or a non-negative
// duration counted back from now. Blank input is the zero time.
func ParseWhen(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("%w: want RFC 3339 time or duration, got %q", ErrInvalidQuery, raw)
	}
	return now.Add(-d), nil
}

func (q compiledQuery) match(r BatchRecord) bool {
	if q.Destination != "" && r.Destination != q.Destination {
		return false
	}
	if q.hasLevel {
		lvl, err := event.ParseLevel(r.Level)
		if err != nil || lvl < q.level {
			return false
		}
	}
	if !q.Since.IsZero() && r.FlushedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !r.FlushedAt.Before(q.Until) {
		return false
	}
	return true
}

func sortRecords(rs []BatchRecord) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].FlushedAt.Before(rs[j].FlushedAt) })
}

func limitRecords(rs []BatchRecord, limit int) []BatchRecord {
	if limit > 0 && len(rs) > limit {
		return rs[:limit]
	}
	return rs
}
