package batch

import (
	"time"

	"github.com/google/uuid"

	"batchlog/internal/event"
)

// Pending accumulates events between two flushes of one destination.
// It is not safe for concurrent use; the owning Batcher guards it.
type Pending struct {
	maxArgs int

	groups []*Group
	index  map[event.Fingerprint]*Group
	events int
	first  time.Time
}

// NewPending returns an empty accumulator. maxArgs <= 0 selects DefaultMaxDistinctArgs.
func NewPending(maxArgs int) *Pending {
	if maxArgs <= 0 {
		maxArgs = DefaultMaxDistinctArgs
	}
	return &Pending{maxArgs: maxArgs, index: map[event.Fingerprint]*Group{}}
}

// Add groups ev by fingerprint. It reports whether a new group was created.
func (p *Pending) Add(ev event.Event) bool {
	if p.events == 0 {
		p.first = ev.Time
		if p.first.IsZero() {
			p.first = time.Now()
		}
	}
	p.events++

	fp := ev.Fingerprint()
	if g, ok := p.index[fp]; ok {
		g.add(ev)
		return false
	}
	g := newGroup(ev, p.maxArgs)
	p.index[fp] = g
	p.groups = append(p.groups, g)
	return true
}

func (p *Pending) Empty() bool { return p.events == 0 }

// Len is the number of distinct groups.
func (p *Pending) Len() int { return len(p.groups) }

// Events is the number of events accepted since the last seal.
func (p *Pending) Events() int { return p.events }

// FirstArrival is the time of the first event since the last seal.
func (p *Pending) FirstArrival() time.Time { return p.first }

// SetMaxDistinctArgs changes the cap for groups created from now on.
func (p *Pending) SetMaxDistinctArgs(n int) {
	if n <= 0 {
		n = DefaultMaxDistinctArgs
	}
	p.maxArgs = n
}

// Seal moves the accumulated groups into a new Batch and resets p.
// It returns nil when p is empty.
func (p *Pending) Seal(destination string, reason Reason, now time.Time) *Batch {
	if p.Empty() {
		return nil
	}
	b := &Batch{
		id:          uuid.NewString(),
		destination: destination,
		groups:      p.groups,
		createdAt:   p.first,
		flushedAt:   now,
		reason:      reason,
	}
	p.groups = nil
	p.index = map[event.Fingerprint]*Group{}
	p.events = 0
	p.first = time.Time{}
	return b
}
