// Package logentry defines the per-author append-only log record (spec §3)
// and the total order used to sort and compare entries.
package logentry

import (
	"sort"

	"github.com/neutrinographics/meshsync/core/hlc"
	"github.com/neutrinographics/meshsync/core/ids"
)

// Id uniquely identifies a LogEntry by its author and per-author sequence.
type Id struct {
	Author   ids.NodeId
	Sequence uint64
}

// Entry is a single opaque append to an author's per-stream log.
type Entry struct {
	Author    ids.NodeId
	Sequence  uint64 // per-author, monotone, starts at 1
	Timestamp hlc.Hlc
	Payload   []byte
}

// Id returns the entry's LogEntryId.
func (e Entry) Id() Id { return Id{Author: e.Author, Sequence: e.Sequence} }

// Less orders entries by (timestamp.physical_ms, timestamp.logical, author)
// ascending, the total order defined in spec §4.1.
func Less(a, b Entry) bool {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c < 0
	}
	return a.Author < b.Author
}

// SortInPlace sorts entries into the canonical total order.
func SortInPlace(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })
}

// MaxTimestamp returns the greatest Hlc among entries. ok is false for an
// empty batch.
func MaxTimestamp(entries []Entry) (ts hlc.Hlc, ok bool) {
	for i, e := range entries {
		if i == 0 || e.Timestamp.After(ts) {
			ts = e.Timestamp
		}
	}
	return ts, len(entries) > 0
}
