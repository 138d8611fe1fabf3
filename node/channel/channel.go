// Package channel implements the channel aggregate (spec §4.1): per-channel
// membership, stream configuration, local append, merge, digest/delta
// computation, retention/compaction and state materialization. Entries
// themselves live in an EntryRepository; the aggregate holds only indexes
// and transient out-of-order buffers (spec §9: "ownership of entries is
// flat").
package channel

import (
	"errors"
	"sort"
	"sync"

	"github.com/edwingeng/deque"

	"github.com/neutrinographics/meshsync/core/events"
	"github.com/neutrinographics/meshsync/core/hlc"
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/logentry"
	"github.com/neutrinographics/meshsync/core/retention"
	"github.com/neutrinographics/meshsync/core/syncerror"
	"github.com/neutrinographics/meshsync/core/vvector"
)

// ErrRemoveLocalNode is the fatal error (spec §7) raised when a caller tries
// to remove the local node from its own channel.
var ErrRemoveLocalNode = errors.New("channel: cannot remove local node from its own channel")

// Materializer folds a stream's entries, in order, into an application
// state value. Init is the fold's starting accumulator.
type Materializer struct {
	Init any
	Fold func(state any, entry logentry.Entry) any
}

// StreamDigest summarizes one stream's version vector for anti-entropy.
type StreamDigest struct {
	Stream  ids.StreamId
	Version vvector.VersionVector
}

// Digest summarizes every stream in a channel.
type Digest struct {
	Channel ids.ChannelId
	Streams []StreamDigest
}

// Delta carries the entries a peer is missing for one stream.
type Delta struct {
	Channel ids.ChannelId
	Stream  ids.StreamId
	Entries []logentry.Entry
}

// MergeResult reports the outcome of merging a batch of incoming entries
// (spec §4.1 step 5). A replayed entry (sequence <= latest known for its
// author) counts as Duplicates; Rejected is reserved for entries whose
// payload exceeds the configured size limit.
type MergeResult struct {
	NewEntries []logentry.Entry
	Duplicates int
	OutOfOrder int
	Dropped    int
	Rejected   int
	NewVersion vvector.VersionVector
}

// CompactionResult reports the outcome of applying a stream's retention
// policy.
type CompactionResult struct {
	Removed    int
	Kept       int
	NewVersion vvector.VersionVector
}

const (
	// defaultMaxBufferSizePerAuthor and defaultMaxTotalBufferEntries mirror
	// spec §4.1's defaults; Channel.SetBufferLimits overrides them from
	// CoordinatorConfig.
	defaultMaxBufferSizePerAuthor = 100
	defaultMaxTotalBufferEntries  = 10_000
	defaultMaxPayloadBytes        = 32 * 1024
)

// Channel is the per-ChannelId aggregate root.
type Channel struct {
	mu sync.Mutex

	id        ids.ChannelId
	localNode ids.NodeId
	members   map[ids.NodeId]struct{}
	streams   map[ids.StreamId]retention.Policy
	materials map[ids.StreamId]Materializer

	// per-stream, per-author out-of-order buffers, pending sequences higher
	// than latest+1. Capped per spec §4.1 step 4.
	buffers           map[ids.StreamId]map[ids.NodeId]deque.Deque
	maxBufPerAuthor   int
	maxTotalBufferLen int
	totalBuffered     int
	maxPayloadBytes   int

	events *events.Stream
	errs   *syncerror.Stream
}

// New creates a channel aggregate with localNode as its sole member.
func New(id ids.ChannelId, localNode ids.NodeId, evs *events.Stream, errs *syncerror.Stream) *Channel {
	c := &Channel{
		id:                id,
		localNode:         localNode,
		members:           map[ids.NodeId]struct{}{localNode: {}},
		streams:           make(map[ids.StreamId]retention.Policy),
		materials:         make(map[ids.StreamId]Materializer),
		buffers:           make(map[ids.StreamId]map[ids.NodeId]deque.Deque),
		maxBufPerAuthor:   defaultMaxBufferSizePerAuthor,
		maxTotalBufferLen: defaultMaxTotalBufferEntries,
		maxPayloadBytes:   defaultMaxPayloadBytes,
		events:            evs,
		errs:              errs,
	}
	c.publish(events.ChannelCreated{Channel: id})
	return c
}

// SetBufferLimits overrides the out-of-order buffer caps and the maximum
// accepted payload size from CoordinatorConfig; call before any merge
// traffic arrives.
func (c *Channel) SetBufferLimits(maxPerAuthor, maxTotal, maxPayloadBytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBufPerAuthor = maxPerAuthor
	c.maxTotalBufferLen = maxTotal
	c.maxPayloadBytes = maxPayloadBytes
}

func (c *Channel) ID() ids.ChannelId { return c.id }

func (c *Channel) publish(e events.Event) {
	if c.events != nil {
		c.events.Publish(e)
	}
}

func (c *Channel) publishErr(e syncerror.SyncError) {
	if c.errs != nil {
		c.errs.Publish(e)
	}
}

// AddMember adds nodeId to the channel's local membership metadata. This is
// advisory bookkeeping only (spec §4.2): the gossip protocol syncs with any
// peer sharing the channel regardless of membership agreement.
func (c *Channel) AddMember(nodeId ids.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, have := c.members[nodeId]; have {
		return
	}
	c.members[nodeId] = struct{}{}
	c.publish(events.MemberAdded{Channel: c.id, Node: nodeId})
}

// RemoveMember removes nodeId from membership. Removing the local node is a
// fatal programming error (spec §7).
func (c *Channel) RemoveMember(nodeId ids.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nodeId == c.localNode {
		panic(ErrRemoveLocalNode)
	}
	if _, have := c.members[nodeId]; !have {
		return
	}
	delete(c.members, nodeId)
	c.publish(events.MemberRemoved{Channel: c.id, Node: nodeId})
}

// Members returns a snapshot of the membership set.
func (c *Channel) Members() []ids.NodeId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ids.NodeId, 0, len(c.members))
	for m := range c.members {
		out = append(out, m)
	}
	return out
}

// IsMember reports whether nodeId is in the local membership set.
func (c *Channel) IsMember(nodeId ids.NodeId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, have := c.members[nodeId]
	return have
}

// CreateStream registers a stream with the given retention policy. Returns
// true if newly created, false if the stream already existed (no-op).
func (c *Channel) CreateStream(stream ids.StreamId, policy retention.Policy) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, have := c.streams[stream]; have {
		return false
	}
	if policy == nil {
		policy = retention.KeepAll{}
	}
	c.streams[stream] = policy
	c.buffers[stream] = make(map[ids.NodeId]deque.Deque)
	c.publish(events.StreamCreated{Channel: c.id, Stream: stream})
	return true
}

// StreamIds returns every stream id registered on the channel.
func (c *Channel) StreamIds() []ids.StreamId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ids.StreamId, 0, len(c.streams))
	for s := range c.streams {
		out = append(out, s)
	}
	return out
}

func (c *Channel) hasStream(stream ids.StreamId) bool {
	_, have := c.streams[stream]
	return have
}

// AppendEntry performs a local write: it assigns the author's (localNode's)
// next per-author sequence number for the stream and stores the entry.
// Requires the stream to already exist.
func (c *Channel) AppendEntry(stream ids.StreamId, payload []byte, ts hlc.Hlc, repo EntryRepository) (*logentry.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasStream(stream) {
		c.publishErrLocked(&syncerror.ChannelSyncError{Channel: c.id, Stream: stream, Reason: syncerror.StreamNotFound})
		return nil, syncerror.ErrStreamNotFound
	}
	seq := repo.LatestSequence(c.id, stream, c.localNode) + 1
	entry := logentry.Entry{Author: c.localNode, Sequence: seq, Timestamp: ts, Payload: payload}
	if err := repo.Append(c.id, stream, entry); err != nil {
		c.publishErrLocked(&syncerror.StorageSyncError{Reason: syncerror.ChannelNotFound, Kind: syncerror.EntryStorageError, Cause: err})
		return nil, err
	}
	c.publish(events.EntryAppended{Channel: c.id, Stream: stream, Author: c.localNode, Sequence: seq})
	return &entry, nil
}

// publishErrLocked is publishErr without taking c.mu (already held).
func (c *Channel) publishErrLocked(e syncerror.SyncError) {
	if c.errs != nil {
		c.errs.Publish(e)
	}
}

// MergeEntries implements the merge algorithm of spec §4.1: partition into
// duplicate/out-of-order/ready/rejected, append ready entries in order,
// drain the out-of-order buffer as sequences become ready, and cap buffer
// growth.
func (c *Channel) MergeEntries(stream ids.StreamId, incoming []logentry.Entry, repo EntryRepository) (MergeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasStream(stream) {
		c.publishErrLocked(&syncerror.ChannelSyncError{Channel: c.id, Stream: stream, Reason: syncerror.StreamNotFound})
		return MergeResult{}, syncerror.ErrStreamNotFound
	}

	authorBuffers := c.buffers[stream]
	if authorBuffers == nil {
		authorBuffers = make(map[ids.NodeId]deque.Deque)
		c.buffers[stream] = authorBuffers
	}

	var result MergeResult
	readyByAuthor := make(map[ids.NodeId][]logentry.Entry)

	// Partition in (author, sequence) order so a contiguous run inside one
	// batch (latest+1, latest+2, ...) is ready as a whole.
	sorted := append([]logentry.Entry(nil), incoming...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		return a.Author < b.Author || (a.Author == b.Author && a.Sequence < b.Sequence)
	})
	nextExpected := make(map[ids.NodeId]uint64)
	for _, e := range sorted {
		if len(e.Payload) > c.maxPayloadBytes {
			result.Rejected++
			c.publishErrLocked(&syncerror.ChannelSyncError{Channel: c.id, Stream: stream, Reason: syncerror.ProtocolError})
			continue
		}
		expected, seen := nextExpected[e.Author]
		if !seen {
			expected = repo.LatestSequence(c.id, stream, e.Author) + 1
		}
		switch {
		case e.Sequence < expected:
			result.Duplicates++
		case e.Sequence == expected:
			readyByAuthor[e.Author] = append(readyByAuthor[e.Author], e)
			nextExpected[e.Author] = expected + 1
		default:
			result.OutOfOrder++
			c.bufferEntry(stream, authorBuffers, e, &result)
		}
	}

	// Process ready entries per author in ascending sequence order, then
	// ascending author, matching spec's "(author, sequence)" order.
	authors := make([]ids.NodeId, 0, len(readyByAuthor))
	for a := range readyByAuthor {
		authors = append(authors, a)
	}
	sort.Slice(authors, func(i, j int) bool { return authors[i] < authors[j] })

	for _, author := range authors {
		batch := readyByAuthor[author]
		sort.Slice(batch, func(i, j int) bool { return batch[i].Sequence < batch[j].Sequence })
		for _, e := range batch {
			if e.Sequence != repo.LatestSequence(c.id, stream, author)+1 {
				// A concurrent buffered entry already filled this slot;
				// treat as duplicate rather than rejecting.
				result.Duplicates++
				continue
			}
			if err := repo.Append(c.id, stream, e); err != nil {
				c.publishErrLocked(&syncerror.StorageSyncError{Kind: syncerror.EntryStorageError, Cause: err})
				continue
			}
			result.NewEntries = append(result.NewEntries, e)
			c.drainBuffer(stream, author, authorBuffers, repo, &result)
		}
	}

	result.NewVersion = repo.GetVersionVector(c.id, stream)

	if len(result.NewEntries) > 0 {
		c.publish(events.EntriesMerged{Channel: c.id, Stream: stream, NewEntries: len(result.NewEntries), NewVersion: result.NewVersion})
	}

	return result, nil
}

// bufferEntry adds e to the per-author out-of-order buffer, enforcing the
// per-author and global caps (spec §4.1 step 4): dropping the oldest
// buffered entry for the offending author once either cap is exceeded.
func (c *Channel) bufferEntry(stream ids.StreamId, authorBuffers map[ids.NodeId]deque.Deque, e logentry.Entry, result *MergeResult) {
	dq := authorBuffers[e.Author]
	if dq == nil {
		dq = deque.NewDeque()
		authorBuffers[e.Author] = dq
	}
	dq.PushBack(e)
	c.totalBuffered++

	dropped := 0
	for dq.Len() > c.maxBufPerAuthor {
		dq.PopFront()
		c.totalBuffered--
		dropped++
	}
	for c.totalBuffered > c.maxTotalBufferLen && dq.Len() > 0 {
		dq.PopFront()
		c.totalBuffered--
		dropped++
	}
	if dropped > 0 {
		result.Dropped += dropped
		c.publish(events.BufferOverflowOccurred{Channel: c.id, Stream: stream, Author: e.Author, Dropped: dropped})
		c.publishErrLocked(&syncerror.BufferOverflowError{Channel: c.id, Stream: stream, Author: e.Author, Dropped: dropped})
	}
}

// drainBuffer re-scans author's buffer after a successful append, moving
// any now-contiguous entries into the repository, repeating until no
// progress is made (spec §4.1 step 3).
func (c *Channel) drainBuffer(stream ids.StreamId, author ids.NodeId, authorBuffers map[ids.NodeId]deque.Deque, repo EntryRepository, result *MergeResult) {
	dq := authorBuffers[author]
	if dq == nil {
		return
	}
	for {
		progressed := false
		n := dq.Len()
		var remaining []logentry.Entry
		for i := 0; i < n; i++ {
			v := dq.PopFront()
			c.totalBuffered--
			e := v.(logentry.Entry)
			if !progressed && e.Sequence == repo.LatestSequence(c.id, stream, author)+1 {
				if err := repo.Append(c.id, stream, e); err != nil {
					c.publishErrLocked(&syncerror.StorageSyncError{Kind: syncerror.EntryStorageError, Cause: err})
					remaining = append(remaining, e)
					continue
				}
				result.NewEntries = append(result.NewEntries, e)
				progressed = true
			} else {
				remaining = append(remaining, e)
			}
		}
		for _, e := range remaining {
			dq.PushBack(e)
			c.totalBuffered++
		}
		if !progressed {
			return
		}
	}
}

// ComputeDigest builds the channel-wide digest from the repository's
// current version vectors (spec §4.4 step 1).
func (c *Channel) ComputeDigest(repo EntryRepository) Digest {
	c.mu.Lock()
	streams := make([]ids.StreamId, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })
	d := Digest{Channel: c.id}
	for _, s := range streams {
		d.Streams = append(d.Streams, StreamDigest{Stream: s, Version: repo.GetVersionVector(c.id, s)})
	}
	return d
}

// ComputeDelta returns the entries a peer holding `since` is missing for
// stream (spec §4.4 step 4).
func (c *Channel) ComputeDelta(stream ids.StreamId, since vvector.VersionVector, repo EntryRepository) (Delta, error) {
	c.mu.Lock()
	has := c.hasStream(stream)
	c.mu.Unlock()
	if !has {
		c.publishErr(&syncerror.ChannelSyncError{Channel: c.id, Stream: stream, Reason: syncerror.StreamNotFound})
		return Delta{}, syncerror.ErrStreamNotFound
	}
	return Delta{Channel: c.id, Stream: stream, Entries: repo.EntriesSince(c.id, stream, since)}, nil
}

// RegisterMaterializer installs a fold for stream. Materializers are not
// persisted (spec §4.1): hosts must reinstall them after restart.
func (c *Channel) RegisterMaterializer(stream ids.StreamId, m Materializer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.materials[stream] = m
}

// GetState folds every entry of stream, in order, through its registered
// materializer. Returns an error if the stream has no materializer
// registered or does not exist.
func (c *Channel) GetState(stream ids.StreamId, repo EntryRepository) (any, error) {
	c.mu.Lock()
	m, have := c.materials[stream]
	exists := c.hasStream(stream)
	c.mu.Unlock()
	if !exists {
		c.publishErr(&syncerror.ChannelSyncError{Channel: c.id, Stream: stream, Reason: syncerror.StreamNotFound})
		return nil, syncerror.ErrStreamNotFound
	}
	if !have {
		return nil, errors.New("channel: no materializer registered for stream")
	}
	state := m.Init
	for _, e := range repo.GetAll(c.id, stream) {
		state = m.Fold(state, e)
	}
	return state, nil
}

// GetTypedState is GetState with a panic-on-mismatch type assertion, matching
// spec §4.1's "a type mismatch on retrieval is a programming error."
func GetTypedState[T any](c *Channel, stream ids.StreamId, repo EntryRepository) (T, error) {
	var zero T
	state, err := c.GetState(stream, repo)
	if err != nil {
		return zero, err
	}
	typed, ok := state.(T)
	if !ok {
		panic("channel: materializer type mismatch")
	}
	return typed, nil
}

// CompactStream applies stream's retention policy and removes dropped
// entries from repo (spec §4.1 "Retention policies").
func (c *Channel) CompactStream(stream ids.StreamId, nowMs uint64, repo EntryRepository) (CompactionResult, error) {
	c.mu.Lock()
	policy, have := c.streams[stream]
	c.mu.Unlock()
	if !have {
		c.publishErr(&syncerror.ChannelSyncError{Channel: c.id, Stream: stream, Reason: syncerror.StreamNotFound})
		return CompactionResult{}, syncerror.ErrStreamNotFound
	}

	all := repo.GetAll(c.id, stream)
	retained := policy.Retain(all, nowMs)
	keep := make(map[logentry.Id]bool, len(retained))
	for _, e := range retained {
		keep[e.Id()] = true
	}

	var toRemove []logentry.Id
	newVersion := vvector.New()
	for _, e := range all {
		if keep[e.Id()] {
			if e.Sequence > newVersion.Get(e.Author) {
				newVersion.Set(e.Author, e.Sequence)
			}
			continue
		}
		toRemove = append(toRemove, e.Id())
	}

	if len(toRemove) > 0 {
		if err := repo.RemoveEntries(c.id, stream, toRemove); err != nil {
			c.publishErr(&syncerror.StorageSyncError{Kind: syncerror.EntryStorageError, Cause: err})
			return CompactionResult{}, err
		}
	}

	res := CompactionResult{Removed: len(toRemove), Kept: len(retained), NewVersion: newVersion}
	c.publish(events.StreamCompacted{Channel: c.id, Stream: stream, Removed: res.Removed, Kept: res.Kept})
	return res, nil
}
