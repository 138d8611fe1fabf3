// Package retention implements the pure (entries, now) -> retainedEntries
// transforms used by stream compaction (spec §4.1).
package retention

import (
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/logentry"
)

// Policy decides, given the full ordered set of entries for a stream and the
// current physical time in milliseconds, which entries survive compaction.
// Implementations must be pure: same inputs, same output, and
// Retain(Retain(entries, now), now) == Retain(entries, now) for any fixed
// now (spec §8 round-trip laws).
type Policy interface {
	Retain(entries []logentry.Entry, nowMs uint64) []logentry.Entry
}

// KeepAll retains every entry; compaction is a no-op.
type KeepAll struct{}

func (KeepAll) Retain(entries []logentry.Entry, _ uint64) []logentry.Entry {
	return append([]logentry.Entry(nil), entries...)
}

// MaxAge drops entries whose HLC physical time is older than MaxAgeMs
// relative to nowMs.
type MaxAge struct {
	MaxAgeMs uint64
}

func (p MaxAge) Retain(entries []logentry.Entry, nowMs uint64) []logentry.Entry {
	var cutoff uint64
	if nowMs > p.MaxAgeMs {
		cutoff = nowMs - p.MaxAgeMs
	}
	out := make([]logentry.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp.PhysicalMs >= cutoff {
			out = append(out, e)
		}
	}
	return out
}

// MaxPerAuthor keeps only the most recent N entries (by sequence) for each
// author.
type MaxPerAuthor struct {
	N int
}

func (p MaxPerAuthor) Retain(entries []logentry.Entry, _ uint64) []logentry.Entry {
	if p.N <= 0 {
		return nil
	}
	byAuthor := make(map[ids.NodeId][]logentry.Entry)
	for _, e := range entries {
		byAuthor[e.Author] = append(byAuthor[e.Author], e)
	}
	keep := make(map[logentry.Id]bool)
	for _, authorEntries := range byAuthor {
		start := len(authorEntries) - p.N
		if start < 0 {
			start = 0
		}
		for _, e := range authorEntries[start:] {
			keep[e.Id()] = true
		}
	}
	out := make([]logentry.Entry, 0, len(keep))
	for _, e := range entries {
		if keep[e.Id()] {
			out = append(out, e)
		}
	}
	return out
}

// Composite retains the intersection of what every sub-policy would retain.
type Composite struct {
	Policies []Policy
}

func (p Composite) Retain(entries []logentry.Entry, nowMs uint64) []logentry.Entry {
	if len(p.Policies) == 0 {
		return append([]logentry.Entry(nil), entries...)
	}
	keep := make(map[logentry.Id]int)
	for _, sub := range p.Policies {
		for _, e := range sub.Retain(entries, nowMs) {
			keep[e.Id()]++
		}
	}
	n := len(p.Policies)
	out := make([]logentry.Entry, 0, len(entries))
	for _, e := range entries {
		if keep[e.Id()] == n {
			out = append(out, e)
		}
	}
	return out
}
