package ports

import (
	"context"

	"github.com/neutrinographics/meshsync/core/ids"
)

// Priority classifies a send for backpressure purposes (spec §4.7): SWIM
// messages are High priority and must not be starved behind bulk deltas.
type Priority int

const (
	Normal Priority = iota
	High
)

// IncomingMessage is a single inbound byte blob from the transport, tagged
// with sender and receipt time (spec §6).
type IncomingMessage struct {
	Sender     ids.NodeId
	Bytes      []byte
	ReceivedAt int64 // unix ms
}

// MessagePort is the transport abstraction the core depends on (spec §6).
// It is best-effort: Send failures are converted by the caller into a
// PeerSyncError(peerUnreachable); the core never retries inside MessagePort
// itself.
type MessagePort interface {
	Send(ctx context.Context, destination ids.NodeId, data []byte, priority Priority) error
	Incoming() <-chan IncomingMessage
	PendingSendCount(peer ids.NodeId) int
	TotalPendingSendCount() int
}
