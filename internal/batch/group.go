package batch

import (
	"time"

	"batchlog/internal/event"
)

// DefaultMaxDistinctArgs bounds the argument tuples a Group remembers.
const DefaultMaxDistinctArgs = 10

// Group aggregates the events sharing one fingerprint inside a pending window.
// It is mutated only by the accumulator that owns it and is read-only once
// its Batch has been sealed.
type Group struct {
	fp      event.Fingerprint
	count   int
	first   event.Event
	latest  event.Event
	maxArgs int

	args     [][]any
	argKeys  map[string]struct{}
	overflow int
}

func newGroup(ev event.Event, maxArgs int) *Group {
	g := &Group{
		fp:      ev.Fingerprint(),
		first:   ev,
		maxArgs: maxArgs,
	}
	g.add(ev)
	return g
}

func (g *Group) add(ev event.Event) {
	g.count++
	g.latest = ev
	g.recordArgs(ev.ArgKey(), ev.Args)
}

func (g *Group) recordArgs(key string, args []any) {
	if len(args) == 0 {
		return
	}
	if _, seen := g.argKeys[key]; seen {
		return
	}
	if len(g.args) >= g.maxArgs {
		g.overflow++
		return
	}
	if g.argKeys == nil {
		g.argKeys = make(map[string]struct{}, 4)
	}
	g.argKeys[key] = struct{}{}
	g.args = append(g.args, args)
}

// absorb folds o into g: counts add up, o's latest event wins.
func (g *Group) absorb(o *Group) {
	g.count += o.count
	if !o.latest.Time.Before(g.latest.Time) {
		g.latest = o.latest
	}
	for _, args := range o.args {
		ev := event.Event{Args: args}
		g.recordArgs(ev.ArgKey(), args)
	}
	g.overflow += o.overflow
}

func (g *Group) clone() *Group {
	cp := *g
	cp.args = append([][]any(nil), g.args...)
	cp.argKeys = make(map[string]struct{}, len(g.argKeys))
	for k := range g.argKeys {
		cp.argKeys[k] = struct{}{}
	}
	return &cp
}

func (g *Group) Fingerprint() event.Fingerprint { return g.fp }
func (g *Group) Level() event.Level             { return g.fp.Level }
func (g *Group) Count() int                     { return g.count }

// First is the representative event: the first one seen in the window.
func (g *Group) First() event.Event { return g.first }

// Latest is the most recent event seen in the window.
func (g *Group) Latest() event.Event { return g.latest }

// DistinctArgs returns the recorded argument tuples in arrival order.
func (g *Group) DistinctArgs() [][]any {
	return append([][]any(nil), g.args...)
}

// ArgsOverflow counts events whose argument tuple was not recorded because
// the cap had been reached.
func (g *Group) ArgsOverflow() int { return g.overflow }

// Span is the time between the first and the latest event.
func (g *Group) Span() time.Duration { return g.latest.Time.Sub(g.first.Time) }
