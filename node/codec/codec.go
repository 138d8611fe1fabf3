// Package codec implements the wire encoding for the seven SWIM and
// anti-entropy message types (spec §4.7): a one-byte type tag followed by a
// JSON payload. Grounded on node/protocol.go's tagged-message idiom, with
// JSON substituted for the teacher's binary framing since the spec requires
// cross-implementation compatibility "by byte-exact tag + JSON-or-equivalent
// field names."
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/neutrinographics/meshsync/core/hlc"
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/logentry"
	"github.com/neutrinographics/meshsync/core/vvector"
	"github.com/neutrinographics/meshsync/node/channel"
	"github.com/neutrinographics/meshsync/ports"
)

// Tag identifies a message's wire type (spec §4.7 table).
type Tag byte

const (
	TagPing Tag = iota
	TagAck
	TagPingReq
	TagDigestRequest
	TagDigestResponse
	TagDeltaRequest
	TagDeltaResponse
)

func (t Tag) String() string {
	switch t {
	case TagPing:
		return "ping"
	case TagAck:
		return "ack"
	case TagPingReq:
		return "pingReq"
	case TagDigestRequest:
		return "digestRequest"
	case TagDigestResponse:
		return "digestResponse"
	case TagDeltaRequest:
		return "deltaRequest"
	case TagDeltaResponse:
		return "deltaResponse"
	default:
		return "unknown"
	}
}

// Ping probes a peer directly (spec §4.5 step 2). Incarnation piggybacks
// the sender's current incarnation so recipients can run the adoption rule
// of spec §4.2 off ordinary probe traffic, without a dedicated gossip
// message for membership state. Relayed is set when this Ping was sent by
// an intermediary on behalf of another node's PingReq (spec §4.5 step 5):
// receiving one is the target's only on-the-wire evidence that some peer
// currently doubts its reachability, and is what triggers incarnation
// refutation (spec §4.5 "Incarnation refutation").
type Ping struct {
	Sender      ids.NodeId `json:"sender"`
	Sequence    uint64     `json:"sequence"`
	Incarnation uint64     `json:"incarnation"`
	Relayed     bool       `json:"relayed,omitempty"`
}

// Ack answers a Ping or an intermediary's forwarded probe.
type Ack struct {
	Sender      ids.NodeId `json:"sender"`
	Sequence    uint64     `json:"sequence"`
	Incarnation uint64     `json:"incarnation"`
}

// PingReq asks an intermediary to probe target on the sender's behalf
// (spec §4.5 step 4).
type PingReq struct {
	Sender   ids.NodeId `json:"sender"`
	Sequence uint64     `json:"sequence"`
	Target   ids.NodeId `json:"target"`
}

// StreamDigestWire is one stream's version vector on the wire.
type StreamDigestWire struct {
	StreamId ids.StreamId      `json:"streamId"`
	Version  map[string]uint64 `json:"version"`
}

// ChannelDigestWire is one channel's set of stream digests on the wire.
type ChannelDigestWire struct {
	ChannelId ids.ChannelId      `json:"channelId"`
	Streams   []StreamDigestWire `json:"streams"`
}

// DigestRequest opens an anti-entropy round (spec §4.4 step 1).
type DigestRequest struct {
	Sender  ids.NodeId          `json:"sender"`
	Digests []ChannelDigestWire `json:"digests"`
}

// DigestResponse answers a DigestRequest with the responder's own digests
// (spec §4.4 step 2).
type DigestResponse struct {
	Sender  ids.NodeId          `json:"sender"`
	Digests []ChannelDigestWire `json:"digests"`
}

// DeltaRequest asks for the entries the sender is missing for one stream
// (spec §4.4 step 3).
type DeltaRequest struct {
	Sender    ids.NodeId        `json:"sender"`
	ChannelId ids.ChannelId     `json:"channelId"`
	StreamId  ids.StreamId      `json:"streamId"`
	Since     map[string]uint64 `json:"since"`
}

// TimestampWire is an Hlc on the wire.
type TimestampWire struct {
	PhysicalMs uint64 `json:"physicalMs"`
	Logical    uint16 `json:"logical"`
}

// EntryWire is a logentry.Entry on the wire.
type EntryWire struct {
	Author    ids.NodeId    `json:"author"`
	Sequence  uint64        `json:"sequence"`
	Timestamp TimestampWire `json:"timestamp"`
	Payload   []byte        `json:"payload"`
}

// DeltaResponse carries the entries satisfying a DeltaRequest (spec §4.4
// step 4).
type DeltaResponse struct {
	Sender    ids.NodeId    `json:"sender"`
	ChannelId ids.ChannelId `json:"channelId"`
	StreamId  ids.StreamId  `json:"streamId"`
	Entries   []EntryWire   `json:"entries"`
}

// Message is implemented by every decodable wire type; Tag reports its own
// type tag so Encode never has to duplicate the type switch.
type Message interface {
	Tag() Tag
}

func (Ping) Tag() Tag           { return TagPing }
func (Ack) Tag() Tag            { return TagAck }
func (PingReq) Tag() Tag        { return TagPingReq }
func (DigestRequest) Tag() Tag  { return TagDigestRequest }
func (DigestResponse) Tag() Tag { return TagDigestResponse }
func (DeltaRequest) Tag() Tag   { return TagDeltaRequest }
func (DeltaResponse) Tag() Tag  { return TagDeltaResponse }

// Priority classifies a message for transport backpressure (spec §4.7):
// SWIM's Ping/Ack/PingReq are High so they are never starved behind bulk
// deltas.
func Priority(m Message) ports.Priority {
	switch m.Tag() {
	case TagPing, TagAck, TagPingReq:
		return ports.High
	default:
		return ports.Normal
	}
}

// ErrCorrupted wraps any decode failure: a truncated buffer, an unknown
// tag, or malformed JSON (spec §7: maps to a PeerSyncError(messageCorrupted)
// at the caller).
type ErrCorrupted struct {
	Cause error
}

func (e *ErrCorrupted) Error() string { return fmt.Sprintf("codec: corrupted message: %v", e.Cause) }
func (e *ErrCorrupted) Unwrap() error  { return e.Cause }

// Encode serializes m as [tag byte][json payload].
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", m.Tag(), err)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(m.Tag())
	copy(out[1:], body)
	return out, nil
}

// Decode parses a tagged wire buffer back into its concrete Message type.
func Decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, &ErrCorrupted{Cause: fmt.Errorf("empty buffer")}
	}
	tag := Tag(data[0])
	body := data[1:]

	var (
		m   Message
		err error
	)
	switch tag {
	case TagPing:
		var v Ping
		err = json.Unmarshal(body, &v)
		m = v
	case TagAck:
		var v Ack
		err = json.Unmarshal(body, &v)
		m = v
	case TagPingReq:
		var v PingReq
		err = json.Unmarshal(body, &v)
		m = v
	case TagDigestRequest:
		var v DigestRequest
		err = json.Unmarshal(body, &v)
		m = v
	case TagDigestResponse:
		var v DigestResponse
		err = json.Unmarshal(body, &v)
		m = v
	case TagDeltaRequest:
		var v DeltaRequest
		err = json.Unmarshal(body, &v)
		m = v
	case TagDeltaResponse:
		var v DeltaResponse
		err = json.Unmarshal(body, &v)
		m = v
	default:
		return nil, &ErrCorrupted{Cause: fmt.Errorf("unknown tag %d", data[0])}
	}
	if err != nil {
		return nil, &ErrCorrupted{Cause: err}
	}
	return m, nil
}

// DigestToWire converts a channel.Digest to its wire representation.
func DigestToWire(d channel.Digest) ChannelDigestWire {
	w := ChannelDigestWire{ChannelId: d.Channel}
	for _, sd := range d.Streams {
		w.Streams = append(w.Streams, StreamDigestWire{StreamId: sd.Stream, Version: VersionToWire(sd.Version)})
	}
	return w
}

// DigestFromWire converts a wire digest back to a channel.Digest.
func DigestFromWire(w ChannelDigestWire) channel.Digest {
	d := channel.Digest{Channel: w.ChannelId}
	for _, sd := range w.Streams {
		d.Streams = append(d.Streams, channel.StreamDigest{Stream: sd.StreamId, Version: VersionFromWire(sd.Version)})
	}
	return d
}

// VersionToWire converts a version vector to its wire map form.
func VersionToWire(v vvector.VersionVector) map[string]uint64 {
	out := make(map[string]uint64)
	for author, seq := range v.Map() {
		out[author.String()] = seq
	}
	return out
}

// VersionFromWire converts a wire map back into a version vector.
func VersionFromWire(m map[string]uint64) vvector.VersionVector {
	converted := make(map[ids.NodeId]uint64, len(m))
	for author, seq := range m {
		converted[ids.NewNodeId(author)] = seq
	}
	return vvector.FromMap(converted)
}

// EntryToWire converts a logentry.Entry to its wire representation.
func EntryToWire(e logentry.Entry) EntryWire {
	return EntryWire{
		Author:   e.Author,
		Sequence: e.Sequence,
		Timestamp: TimestampWire{
			PhysicalMs: e.Timestamp.PhysicalMs,
			Logical:    e.Timestamp.Logical,
		},
		Payload: e.Payload,
	}
}

// EntryFromWire converts a wire entry back to a logentry.Entry.
func EntryFromWire(w EntryWire) logentry.Entry {
	return logentry.Entry{
		Author:   w.Author,
		Sequence: w.Sequence,
		Timestamp: hlc.Hlc{
			PhysicalMs: w.Timestamp.PhysicalMs,
			Logical:    w.Timestamp.Logical,
		},
		Payload: w.Payload,
	}
}
