// Package format renders a batch as human-readable text for chat-like sinks.
package format

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"batchlog/internal/batch"
)

// DefaultMaxGroups caps the groups listed in one rendering.
const DefaultMaxGroups = 20

// Options tunes Text.
type Options struct {
	// HTML escapes user text and emphasizes the headline with <b>.
	HTML bool
	// MaxGroups bounds the listed groups; the rest are summarized. 0 means default.
	MaxGroups int
	// MaxArgs bounds the argument tuples shown per group. 0 hides them.
	MaxArgs int
	// Now is the reference for relative times. Zero means time.Now().
	Now time.Time
}

// Headline is the one-line summary of b: the main group's level and text.
func Headline(b *batch.Batch) string {
	g := b.MainGroup()
	if g == nil {
		return ""
	}
	return strings.ToUpper(g.Level().String()) + " " + g.First().Format()
}

// Text renders b. The first line is the headline, followed by one line per
// group in arrival order and a footer with totals.
func Text(b *batch.Batch, opt Options) string {
	esc := func(s string) string { return s }
	bold := func(s string) string { return s }
	if opt.HTML {
		esc = html.EscapeString
		bold = func(s string) string { return "<b>" + s + "</b>" }
	}
	maxGroups := opt.MaxGroups
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}
	now := opt.Now
	if now.IsZero() {
		now = time.Now()
	}

	var sb strings.Builder
	sb.WriteString(bold(esc(Headline(b))))
	sb.WriteByte('\n')

	groups := b.Groups()
	for i, g := range groups {
		if i == maxGroups {
			rest := 0
			for _, r := range groups[i:] {
				rest += r.Count()
			}
			fmt.Fprintf(&sb, "… %d more groups (%s events)\n", len(groups)-i, humanize.Comma(int64(rest)))
			break
		}
		first := g.First()
		fmt.Fprintf(&sb, "• [%s] %s: %s", g.Level(), esc(first.Logger), esc(first.Format()))
		if g.Count() > 1 {
			fmt.Fprintf(&sb, " (×%s", humanize.Comma(int64(g.Count())))
			if span := g.Span(); span >= time.Second {
				fmt.Fprintf(&sb, " over %s", span.Round(time.Second))
			}
			sb.WriteByte(')')
		}
		if first.Err != nil {
			fmt.Fprintf(&sb, ": %s", esc(first.Err.Error()))
		}
		sb.WriteByte('\n')
		writeArgs(&sb, g, opt.MaxArgs, esc)
	}

	fmt.Fprintf(&sb, "%s events in %s, first seen %s",
		humanize.Comma(int64(b.Events())),
		plural(b.Len(), "group"),
		humanize.RelTime(b.CreatedAt(), now, "ago", "from now"),
	)
	if n := b.Suppressed(); n > 0 {
		fmt.Fprintf(&sb, ", %s held back", plural(n, "flush"))
	}
	return sb.String()
}

func writeArgs(sb *strings.Builder, g *batch.Group, max int, esc func(string) string) {
	if max <= 0 {
		return
	}
	args := g.DistinctArgs()
	if len(args) < 2 {
		return
	}
	for i, tuple := range args {
		if i == max {
			fmt.Fprintf(sb, "    … %d more\n", len(args)-i+g.ArgsOverflow())
			return
		}
		parts := make([]string, len(tuple))
		for j, a := range tuple {
			parts[j] = esc(fmt.Sprint(a))
		}
		fmt.Fprintf(sb, "    %s\n", strings.Join(parts, ", "))
	}
	if n := g.ArgsOverflow(); n > 0 {
		fmt.Fprintf(sb, "    … %d more\n", n)
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	if strings.HasSuffix(noun, "sh") {
		return humanize.Comma(int64(n)) + " " + noun + "es"
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}
