// Package batch holds the grouping model of the pipeline: events are
// deduplicated by fingerprint into Groups, and the Groups accumulated since
// the last flush are sealed into an immutable Batch for downstream delivery.
package batch

import (
	"time"

	"batchlog/internal/event"
)

// Reason tells why a batch was flushed.
type Reason int

const (
	ReasonIdle Reason = iota
	ReasonMaxWait
	ReasonForced
	ReasonThrottled
)

func (r Reason) String() string {
	switch r {
	case ReasonIdle:
		return "idle"
	case ReasonMaxWait:
		return "max_wait"
	case ReasonForced:
		return "forced"
	case ReasonThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Batch is one flush worth of groups. It is never empty and never mutated
// after it is handed to a processor.
type Batch struct {
	id          string
	destination string
	groups      []*Group
	createdAt   time.Time
	flushedAt   time.Time
	reason      Reason
	suppressed  int
}

func (b *Batch) ID() string          { return b.id }
func (b *Batch) Destination() string { return b.destination }
func (b *Batch) Len() int            { return len(b.groups) }

// Groups returns the groups in first-seen order.
func (b *Batch) Groups() []*Group { return append([]*Group(nil), b.groups...) }

// CreatedAt is the arrival time of the first event in the batch.
func (b *Batch) CreatedAt() time.Time { return b.createdAt }
func (b *Batch) FlushedAt() time.Time { return b.flushedAt }
func (b *Batch) Reason() Reason       { return b.reason }

// Suppressed counts the flush attempts merged into this batch by throttling.
func (b *Batch) Suppressed() int { return b.suppressed }

// Events is the total number of events represented by the batch.
func (b *Batch) Events() int {
	n := 0
	for _, g := range b.groups {
		n += g.count
	}
	return n
}

// MainGroup returns the first group with the highest level.
func (b *Batch) MainGroup() *Group {
	var main *Group
	for _, g := range b.groups {
		if main == nil || g.Level() > main.Level() {
			main = g
		}
	}
	return main
}

// HighestLevel is the level of MainGroup.
func (b *Batch) HighestLevel() event.Level {
	if g := b.MainGroup(); g != nil {
		return g.Level()
	}
	return event.LevelTrace
}

// Merge returns a new batch holding dst followed by src. Groups sharing a
// fingerprint are folded together so the result still has one group per
// fingerprint. Neither input is modified. The result keeps dst's identity and
// creation time, takes src's reason and flush time, and counts src as one more
// suppressed flush on top of both inputs' own suppressed counts.
func Merge(dst, src *Batch) *Batch {
	out := &Batch{
		id:          dst.id,
		destination: dst.destination,
		createdAt:   dst.createdAt,
		flushedAt:   src.flushedAt,
		reason:      src.reason,
		suppressed:  dst.suppressed + src.suppressed + 1,
		groups:      make([]*Group, 0, len(dst.groups)+len(src.groups)),
	}
	if src.createdAt.Before(out.createdAt) {
		out.createdAt = src.createdAt
	}
	index := make(map[event.Fingerprint]*Group, len(dst.groups)+len(src.groups))
	for _, g := range dst.groups {
		cp := g.clone()
		index[cp.fp] = cp
		out.groups = append(out.groups, cp)
	}
	for _, g := range src.groups {
		if existing, ok := index[g.fp]; ok {
			existing.absorb(g)
			continue
		}
		cp := g.clone()
		index[cp.fp] = cp
		out.groups = append(out.groups, cp)
	}
	return out
}

// Restamp returns a shallow copy of b with a new flush time and reason.
func Restamp(b *Batch, reason Reason, flushedAt time.Time) *Batch {
	cp := *b
	cp.reason = reason
	cp.flushedAt = flushedAt
	return &cp
}

// New builds a batch directly from events, grouping them in order. Like
// Pending.Seal it returns nil when there are no events.
// Formatters and tests use it; the pipeline goes through Pending.
func New(destination string, reason Reason, events ...event.Event) *Batch {
	p := NewPending(DefaultMaxDistinctArgs)
	for _, ev := range events {
		p.Add(ev)
	}
	return p.Seal(destination, reason, time.Now())
}
