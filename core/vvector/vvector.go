// Package vvector implements the version-vector arithmetic used to drive
// anti-entropy digests, deltas and domination checks (spec §3).
package vvector

import "github.com/neutrinographics/meshsync/core/ids"

// VersionVector is a finite mapping from NodeId to the highest sequence
// number seen for that author. Absent keys are equivalent to 0. The zero
// value is a usable empty vector.
type VersionVector struct {
	seq map[ids.NodeId]uint64
}

// New returns an empty version vector.
func New() VersionVector {
	return VersionVector{seq: make(map[ids.NodeId]uint64)}
}

// FromMap builds a version vector from an existing mapping; entries with a
// zero sequence are dropped since they're equivalent to absence.
func FromMap(m map[ids.NodeId]uint64) VersionVector {
	v := New()
	for author, seq := range m {
		if seq > 0 {
			v.seq[author] = seq
		}
	}
	return v
}

// Get returns the sequence recorded for author, or 0 if unknown.
func (v VersionVector) Get(author ids.NodeId) uint64 {
	if v.seq == nil {
		return 0
	}
	return v.seq[author]
}

// Set records seq for author, overwriting any previous value; a zero seq
// removes the author, since absence already means 0. Callers wanting
// monotonicity should use Increment or Merge.
func (v *VersionVector) Set(author ids.NodeId, seq uint64) {
	if v.seq == nil {
		v.seq = make(map[ids.NodeId]uint64)
	}
	if seq == 0 {
		delete(v.seq, author)
		return
	}
	v.seq[author] = seq
}

// Increment advances author's sequence by one and returns the new value.
func (v *VersionVector) Increment(author ids.NodeId) uint64 {
	next := v.Get(author) + 1
	v.Set(author, next)
	return next
}

// Authors returns the set of authors with a non-zero sequence recorded.
func (v VersionVector) Authors() []ids.NodeId {
	out := make([]ids.NodeId, 0, len(v.seq))
	for a := range v.seq {
		out = append(out, a)
	}
	return out
}

// Clone returns an independent copy of v.
func (v VersionVector) Clone() VersionVector {
	out := New()
	for a, s := range v.seq {
		out.seq[a] = s
	}
	return out
}

// Map returns a defensive copy of the underlying mapping, used by the wire
// codec (spec §4.7: "version" is a map from node-id string to non-negative
// integer).
func (v VersionVector) Map() map[ids.NodeId]uint64 {
	out := make(map[ids.NodeId]uint64, len(v.seq))
	for a, s := range v.seq {
		out[a] = s
	}
	return out
}

// Merge returns the pairwise-max merge of v and o. Commutative, associative
// and idempotent (spec §8 round-trip laws).
func Merge(v, o VersionVector) VersionVector {
	out := v.Clone()
	for a, s := range o.seq {
		if s > out.Get(a) {
			out.Set(a, s)
		}
	}
	return out
}

// Diff returns the entries where o has a strictly higher sequence than v:
// author -> o's sequence, for every author where o[author] > v[author].
func Diff(v, o VersionVector) map[ids.NodeId]uint64 {
	out := make(map[ids.NodeId]uint64)
	for a, s := range o.seq {
		if s > v.Get(a) {
			out[a] = s
		}
	}
	return out
}

// Dominates reports whether v has seen at least everything o has: for every
// author x, v[x] >= o[x].
func (v VersionVector) Dominates(o VersionVector) bool {
	for a, s := range o.seq {
		if v.Get(a) < s {
			return false
		}
	}
	return true
}

// Equal reports whether v and o record the same non-zero entries.
func (v VersionVector) Equal(o VersionVector) bool {
	if len(v.seq) != len(o.seq) {
		return false
	}
	for a, s := range v.seq {
		if o.Get(a) != s {
			return false
		}
	}
	return true
}
