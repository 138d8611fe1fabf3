// Package events defines the domain-event sum type emitted by the channel
// aggregate, coordinator and peer registry (spec §6 "Domain-event
// stream"), and the broadcaster that carries them to hosts.
package events

import (
	"github.com/neutrinographics/meshsync/core/broadcast"
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/vvector"
)

// Event is the closed set of domain events. Exhaustive type switches over
// the concrete types below are the intended consumption pattern, matching
// the teacher's source pattern of a sealed DomainEvent hierarchy
// (spec §9 re-architecture note), modeled here as a marker interface over
// concrete structs instead of inheritance.
type Event interface {
	domainEvent()
}

type base struct{}

func (base) domainEvent() {}

type ChannelCreated struct {
	base
	Channel ids.ChannelId
}

type ChannelRemoved struct {
	base
	Channel ids.ChannelId
}

type MemberAdded struct {
	base
	Channel ids.ChannelId
	Node    ids.NodeId
}

type MemberRemoved struct {
	base
	Channel ids.ChannelId
	Node    ids.NodeId
}

type StreamCreated struct {
	base
	Channel ids.ChannelId
	Stream  ids.StreamId
}

type EntryAppended struct {
	base
	Channel  ids.ChannelId
	Stream   ids.StreamId
	Author   ids.NodeId
	Sequence uint64
}

type EntriesMerged struct {
	base
	Channel    ids.ChannelId
	Stream     ids.StreamId
	NewEntries int
	NewVersion vvector.VersionVector
}

type StreamCompacted struct {
	base
	Channel ids.ChannelId
	Stream  ids.StreamId
	Removed int
	Kept    int
}

type BufferOverflowOccurred struct {
	base
	Channel ids.ChannelId
	Stream  ids.StreamId
	Author  ids.NodeId
	Dropped int
}

type NonMemberEntriesRejected struct {
	base
	Channel ids.ChannelId
	Stream  ids.StreamId
	Author  ids.NodeId
	Count   int
}

type PeerAdded struct {
	base
	Peer ids.NodeId
}

type PeerRemoved struct {
	base
	Peer ids.NodeId
}

type PeerStatusChanged struct {
	base
	Peer ids.NodeId
	From string
	To   string
}

type PeerOperationSkipped struct {
	base
	Peer      ids.NodeId
	Operation string
}

// Stream is the bounded, multicast, non-replaying event stream (spec §9).
type Stream = broadcast.Stream[Event]

// NewStream constructs an event Stream buffered to bufSize per subscriber.
// onDrop is invoked when a slow subscriber misses an event.
func NewStream(bufSize int, onDrop func(Event)) *Stream {
	return broadcast.New[Event](bufSize, onDrop)
}
