// Package syncerror defines the recoverable-error tier (spec §7): protocol,
// storage and transform failures that never propagate as Go errors out of
// the core, but are instead pushed onto a bounded error stream for hosts to
// observe.
package syncerror

import (
	"errors"

	"github.com/neutrinographics/meshsync/core/broadcast"
	"github.com/neutrinographics/meshsync/core/ids"
)

// Sentinel Go errors for callers that need an ordinary error return in
// addition to the recoverable-error stream (spec §7: "missing channel or
// stream ... return empty/null rather than crashing async chains"). The
// channel aggregate publishes a matching ChannelSyncError before returning
// ErrStreamNotFound; Coordinator methods return ErrChannelNotFound for an
// unknown channel without publishing a SyncError.
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrStreamNotFound  = errors.New("stream not found")
)

// SyncError is the closed set of recoverable errors.
type SyncError interface {
	error
	syncError()
}

// PeerSyncReason enumerates PeerSyncError causes.
type PeerSyncReason int

const (
	PeerUnreachable PeerSyncReason = iota
	MessageCorrupted
	PeerTimeout
)

func (r PeerSyncReason) String() string {
	switch r {
	case PeerUnreachable:
		return "peerUnreachable"
	case MessageCorrupted:
		return "messageCorrupted"
	case PeerTimeout:
		return "peerTimeout"
	default:
		return "unknown"
	}
}

type PeerSyncError struct {
	Peer   ids.NodeId
	Reason PeerSyncReason
	Cause  error
}

func (e *PeerSyncError) Error() string {
	msg := "peer sync error: " + e.Peer.String() + ": " + e.Reason.String()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}
func (e *PeerSyncError) Unwrap() error { return e.Cause }
func (*PeerSyncError) syncError()      {}

// ChannelSyncReason enumerates ChannelSyncError causes.
type ChannelSyncReason int

const (
	ChannelNotFound ChannelSyncReason = iota
	StreamNotFound
	ProtocolError
)

func (r ChannelSyncReason) String() string {
	switch r {
	case ChannelNotFound:
		return "channelNotFound"
	case StreamNotFound:
		return "streamNotFound"
	case ProtocolError:
		return "protocolError"
	default:
		return "unknown"
	}
}

type ChannelSyncError struct {
	Channel ids.ChannelId
	Stream  ids.StreamId
	Reason  ChannelSyncReason
	Cause   error
}

func (e *ChannelSyncError) Error() string {
	msg := "channel sync error: " + e.Channel.String() + ": " + e.Reason.String()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}
func (e *ChannelSyncError) Unwrap() error { return e.Cause }
func (*ChannelSyncError) syncError()      {}

// StorageSyncReason enumerates StorageSyncError causes.
type StorageSyncReason int

const (
	StorageFailure StorageSyncReason = iota
	EntryStorageError
)

func (r StorageSyncReason) String() string {
	switch r {
	case StorageFailure:
		return "storageFailure"
	case EntryStorageError:
		return "entryStorageError"
	default:
		return "unknown"
	}
}

type StorageSyncError struct {
	Reason ChannelSyncReason
	Kind   StorageSyncReason
	Cause  error
}

func (e *StorageSyncError) Error() string {
	msg := "storage sync error: " + e.Kind.String()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}
func (e *StorageSyncError) Unwrap() error { return e.Cause }
func (*StorageSyncError) syncError()      {}

type TransformSyncError struct {
	Channel ids.ChannelId
	Stream  ids.StreamId
	Cause   error
}

func (e *TransformSyncError) Error() string {
	msg := "transform sync error: " + e.Channel.String() + "/" + e.Stream.String()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}
func (e *TransformSyncError) Unwrap() error { return e.Cause }
func (*TransformSyncError) syncError()      {}

type BufferOverflowError struct {
	Channel ids.ChannelId
	Stream  ids.StreamId
	Author  ids.NodeId
	Dropped int
}

func (e *BufferOverflowError) Error() string {
	return "buffer overflow: dropped entries for author " + e.Author.String()
}
func (*BufferOverflowError) syncError() {}

// Stream is the bounded, multicast, non-replaying error stream.
type Stream = broadcast.Stream[SyncError]

// NewStream constructs an error Stream buffered to bufSize per subscriber.
func NewStream(bufSize int, onDrop func(SyncError)) *Stream {
	return broadcast.New[SyncError](bufSize, onDrop)
}
