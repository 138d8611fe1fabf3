// Package entrystore provides an in-memory EntryRepository, grounded on
// node/store/memstore/memstore.go's mutex-guarded map pattern. It suffices
// for testing and for single-process demos; a durable implementation would
// satisfy the same node/channel.EntryRepository interface.
package entrystore

import (
	"sync"

	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/logentry"
	"github.com/neutrinographics/meshsync/core/vvector"
)

type streamKey struct {
	channel ids.ChannelId
	stream  ids.StreamId
}

// streamLog holds one stream's committed entries plus the indexes the
// channel aggregate and gossip engine query most often.
type streamLog struct {
	entries  []logentry.Entry // kept in total order (logentry.Less)
	byAuthor map[ids.NodeId]uint64 // latest committed sequence per author
	size     int                   // sum of payload bytes
}

func newStreamLog() *streamLog {
	return &streamLog{byAuthor: make(map[ids.NodeId]uint64)}
}

// Store is the in-memory EntryRepository implementation.
type Store struct {
	mu      sync.RWMutex
	streams map[streamKey]*streamLog
}

// New returns an empty Store.
func New() *Store {
	return &Store{streams: make(map[streamKey]*streamLog)}
}

func (s *Store) logFor(channel ids.ChannelId, stream ids.StreamId) *streamLog {
	key := streamKey{channel, stream}
	log, ok := s.streams[key]
	if !ok {
		log = newStreamLog()
		s.streams[key] = log
	}
	return log
}

// Append inserts entry into its stream's total order. Callers (the channel
// aggregate) are responsible for only appending entries whose sequence is
// exactly one past the author's current latest.
func (s *Store) Append(channel ids.ChannelId, stream ids.StreamId, entry logentry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logFor(channel, stream)
	s.insertLocked(log, entry)
	return nil
}

// AppendAll appends a batch in the order given; it does not sort first, so
// callers must already present entries in per-author sequence order.
func (s *Store) AppendAll(channel ids.ChannelId, stream ids.StreamId, entries []logentry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logFor(channel, stream)
	for _, e := range entries {
		s.insertLocked(log, e)
	}
	return nil
}

func (s *Store) insertLocked(log *streamLog, entry logentry.Entry) {
	idx := len(log.entries)
	for idx > 0 && logentry.Less(entry, log.entries[idx-1]) {
		idx--
	}
	log.entries = append(log.entries, logentry.Entry{})
	copy(log.entries[idx+1:], log.entries[idx:])
	log.entries[idx] = entry

	if entry.Sequence > log.byAuthor[entry.Author] {
		log.byAuthor[entry.Author] = entry.Sequence
	}
	log.size += len(entry.Payload)
}

// GetAll returns every entry in stream, in total order.
func (s *Store) GetAll(channel ids.ChannelId, stream ids.StreamId) []logentry.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.streams[streamKey{channel, stream}]
	if !ok {
		return nil
	}
	out := make([]logentry.Entry, len(log.entries))
	copy(out, log.entries)
	return out
}

// EntriesSince returns every entry whose (author, sequence) is not yet
// reflected in since, i.e. entries a peer holding since is missing.
func (s *Store) EntriesSince(channel ids.ChannelId, stream ids.StreamId, since vvector.VersionVector) []logentry.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.streams[streamKey{channel, stream}]
	if !ok {
		return nil
	}
	var out []logentry.Entry
	for _, e := range log.entries {
		if e.Sequence > since.Get(e.Author) {
			out = append(out, e)
		}
	}
	return out
}

// EntriesForAuthorAfter returns author's entries whose sequence is strictly
// greater than afterSequence, in sequence order.
func (s *Store) EntriesForAuthorAfter(channel ids.ChannelId, stream ids.StreamId, author ids.NodeId, afterSequence uint64) []logentry.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.streams[streamKey{channel, stream}]
	if !ok {
		return nil
	}
	var out []logentry.Entry
	for _, e := range log.entries {
		if e.Author == author && e.Sequence > afterSequence {
			out = append(out, e)
		}
	}
	return out
}

// LatestSequence returns the highest committed sequence for author in
// stream, or 0 if none.
func (s *Store) LatestSequence(channel ids.ChannelId, stream ids.StreamId, author ids.NodeId) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.streams[streamKey{channel, stream}]
	if !ok {
		return 0
	}
	return log.byAuthor[author]
}

// EntryCount returns the number of committed entries in stream.
func (s *Store) EntryCount(channel ids.ChannelId, stream ids.StreamId) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.streams[streamKey{channel, stream}]
	if !ok {
		return 0
	}
	return len(log.entries)
}

// SizeBytes returns the sum of committed payload bytes in stream.
func (s *Store) SizeBytes(channel ids.ChannelId, stream ids.StreamId) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.streams[streamKey{channel, stream}]
	if !ok {
		return 0
	}
	return log.size
}

// GetVersionVector returns the stream's current version vector.
func (s *Store) GetVersionVector(channel ids.ChannelId, stream ids.StreamId) vvector.VersionVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.streams[streamKey{channel, stream}]
	if !ok {
		return vvector.New()
	}
	return vvector.FromMap(log.byAuthor)
}

// RemoveEntries deletes the entries named by entryIDs from stream, used by
// compaction. byAuthor is left untouched: latest-sequence tracking must
// survive compaction of older entries.
func (s *Store) RemoveEntries(channel ids.ChannelId, stream ids.StreamId, entryIDs []logentry.Id) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.streams[streamKey{channel, stream}]
	if !ok || len(entryIDs) == 0 {
		return nil
	}
	drop := make(map[logentry.Id]bool, len(entryIDs))
	for _, id := range entryIDs {
		drop[id] = true
	}
	kept := log.entries[:0]
	size := 0
	for _, e := range log.entries {
		if drop[e.Id()] {
			continue
		}
		kept = append(kept, e)
		size += len(e.Payload)
	}
	log.entries = kept
	log.size = size
	return nil
}

// ClearStream removes every entry and index for one stream.
func (s *Store) ClearStream(channel ids.ChannelId, stream ids.StreamId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamKey{channel, stream})
	return nil
}

// ClearChannel removes every stream belonging to channel.
func (s *Store) ClearChannel(channel ids.ChannelId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.streams {
		if key.channel == channel {
			delete(s.streams, key)
		}
	}
	return nil
}
