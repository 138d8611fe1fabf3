// Package gossip implements the four-step anti-entropy cycle (spec §4.4):
// digest exchange, domination-gated delta requests with pending-request
// dedup, and delta application through the channel aggregate's merge
// algorithm. Grounded on the request/response stream idiom of
// node/protocol.go, adapted from synchronous stream RPCs to the
// asynchronous send/dispatch model ports.MessagePort exposes.
package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/neutrinographics/meshsync/config"
	"github.com/neutrinographics/meshsync/core/events"
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/logentry"
	"github.com/neutrinographics/meshsync/core/syncerror"
	"github.com/neutrinographics/meshsync/core/vvector"
	"github.com/neutrinographics/meshsync/corelog"
	"github.com/neutrinographics/meshsync/node/channel"
	"github.com/neutrinographics/meshsync/node/codec"
	"github.com/neutrinographics/meshsync/node/registry"
	"github.com/neutrinographics/meshsync/ports"
)

// ChannelAccessor is the coordinator-owned set of channel aggregates the
// gossip engine synchronizes (spec §4.4 "channel map"), defined on the
// consumer side so the coordinator's concrete map type never needs to
// import this package.
type ChannelAccessor interface {
	Get(id ids.ChannelId) (*channel.Channel, bool)
	All() []*channel.Channel
}

type pendingKey struct {
	channel ids.ChannelId
	stream  ids.StreamId
}

// Engine is the per-coordinator anti-entropy engine.
type Engine struct {
	mu sync.Mutex

	localNode ids.NodeId
	cfg       config.CoordinatorConfig
	time      ports.TimePort
	transport ports.MessagePort
	reg       *registry.Registry
	channels  ChannelAccessor
	repo      channel.EntryRepository
	receiveHLC func(max logentry.Entry)

	pending map[pendingKey]uint64 // requestedAtMs

	events *events.Stream
	errs   *syncerror.Stream
	log    corelog.Logger
}

// New constructs a gossip engine. receiveHLC is called with the maximum
// timestamp of any non-empty merged batch, so the caller's clock advances
// past remote writes (spec §4.3). log may be nil, in which case the engine
// logs nothing (corelog.DiscardLogger).
func New(
	localNode ids.NodeId,
	cfg config.CoordinatorConfig,
	time ports.TimePort,
	transport ports.MessagePort,
	reg *registry.Registry,
	channels ChannelAccessor,
	repo channel.EntryRepository,
	receiveHLC func(max logentry.Entry),
	evs *events.Stream,
	errs *syncerror.Stream,
	log corelog.Logger,
) *Engine {
	if log == nil {
		log = corelog.DiscardLogger
	}
	return &Engine{
		localNode:  localNode,
		cfg:        cfg,
		time:       time,
		transport:  transport,
		reg:        reg,
		channels:   channels,
		repo:       repo,
		receiveHLC: receiveHLC,
		pending:    make(map[pendingKey]uint64),
		events:     evs,
		errs:       errs,
		log:        log,
	}
}

func (e *Engine) publishErr(err syncerror.SyncError) {
	if e.errs != nil {
		e.errs.Publish(err)
	}
}

func (e *Engine) send(ctx context.Context, dest ids.NodeId, msg codec.Message) {
	body, err := codec.Encode(msg)
	if err != nil {
		return
	}
	if err := e.transport.Send(ctx, dest, body, codec.Priority(msg)); err != nil {
		e.publishErr(&syncerror.PeerSyncError{Peer: dest, Reason: syncerror.PeerUnreachable, Cause: err})
		return
	}
	e.reg.RecordMessageSent(dest, len(body))
}

// RunRound performs one anti-entropy round: skip on congestion, pick a
// random reachable peer, send it a DigestRequest (spec §4.4 "Peer
// selection"). The remaining three protocol steps happen asynchronously as
// responses arrive, via HandleIncoming.
func (e *Engine) RunRound(ctx context.Context) {
	if e.transport.TotalPendingSendCount() > e.cfg.CongestionThreshold {
		return
	}
	peer, ok := e.reg.SelectRandomReachablePeer(e.localNode)
	if !ok {
		return
	}
	req := codec.DigestRequest{Sender: e.localNode, Digests: e.localDigests()}
	e.log.Debugf("anti-entropy round: requesting digests from %s", peer)
	e.send(ctx, peer, req)
}

func (e *Engine) localDigests() []codec.ChannelDigestWire {
	var out []codec.ChannelDigestWire
	for _, ch := range e.channels.All() {
		out = append(out, codec.DigestToWire(ch.ComputeDigest(e.repo)))
	}
	return out
}

// HandleIncoming dispatches a decoded anti-entropy message from sender.
func (e *Engine) HandleIncoming(ctx context.Context, sender ids.NodeId, msg codec.Message) {
	switch m := msg.(type) {
	case codec.DigestRequest:
		e.handleDigestRequest(ctx, sender, m)
	case codec.DigestResponse:
		e.handleDigestResponse(ctx, sender, m)
	case codec.DeltaRequest:
		e.handleDeltaRequest(ctx, sender, m)
	case codec.DeltaResponse:
		e.handleDeltaResponse(m)
	}
}

// handleDigestRequest answers with digests for whichever requested
// channels the local node also knows (spec §4.4 step 2).
func (e *Engine) handleDigestRequest(ctx context.Context, sender ids.NodeId, req codec.DigestRequest) {
	e.reg.UpdateAntiEntropy(sender, e.time.NowMs())
	var out []codec.ChannelDigestWire
	for _, wireDigest := range req.Digests {
		ch, ok := e.channels.Get(wireDigest.ChannelId)
		if !ok {
			continue
		}
		out = append(out, codec.DigestToWire(ch.ComputeDigest(e.repo)))
	}
	e.send(ctx, sender, codec.DigestResponse{Sender: e.localNode, Digests: out})
}

// handleDigestResponse implements step 3: for every stream where the local
// version does not dominate the peer's, request the delta, deduping
// against any non-expired pending request.
func (e *Engine) handleDigestResponse(ctx context.Context, sender ids.NodeId, resp codec.DigestResponse) {
	nowMs := e.time.NowMs()
	e.reg.UpdateAntiEntropy(sender, nowMs)
	for _, wireDigest := range resp.Digests {
		ch, ok := e.channels.Get(wireDigest.ChannelId)
		if !ok {
			e.publishErr(&syncerror.ChannelSyncError{Channel: wireDigest.ChannelId, Reason: syncerror.ProtocolError})
			continue
		}
		ourDigest := ch.ComputeDigest(e.repo)
		ourVersions := make(map[ids.StreamId]vvector.VersionVector, len(ourDigest.Streams))
		for _, sd := range ourDigest.Streams {
			ourVersions[sd.Stream] = sd.Version
		}

		for _, theirStream := range wireDigest.Streams {
			theirVersion := codec.VersionFromWire(theirStream.Version)
			ourVersion := ourVersions[theirStream.StreamId] // zero value (empty vector) if we lack the stream

			if ourVersion.Dominates(theirVersion) {
				continue
			}
			key := pendingKey{wireDigest.ChannelId, theirStream.StreamId}
			if e.hasFreshPending(key, nowMs) {
				continue
			}
			e.markPending(key, nowMs)
			e.send(ctx, sender, codec.DeltaRequest{
				Sender:    e.localNode,
				ChannelId: wireDigest.ChannelId,
				StreamId:  theirStream.StreamId,
				Since:     codec.VersionToWire(ourVersion),
			})
		}
	}
}

func (e *Engine) hasFreshPending(key pendingKey, nowMs uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	requestedAt, have := e.pending[key]
	if !have {
		return false
	}
	ttl := uint64(e.cfg.PendingRequestTTL / time.Millisecond)
	if nowMs >= requestedAt+ttl {
		delete(e.pending, key)
		return false
	}
	return true
}

func (e *Engine) markPending(key pendingKey, nowMs uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[key] = nowMs
}

func (e *Engine) clearPending(key pendingKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, key)
}

// handleDeltaRequest answers with the entries the requester is missing
// (spec §4.4 step 4).
func (e *Engine) handleDeltaRequest(ctx context.Context, sender ids.NodeId, req codec.DeltaRequest) {
	ch, ok := e.channels.Get(req.ChannelId)
	if !ok {
		e.publishErr(&syncerror.ChannelSyncError{Channel: req.ChannelId, Stream: req.StreamId, Reason: syncerror.ProtocolError})
		return
	}
	since := codec.VersionFromWire(req.Since)
	delta, err := ch.ComputeDelta(req.StreamId, since, e.repo)
	if err != nil {
		return // ch.ComputeDelta already published the ChannelSyncError
	}
	wire := make([]codec.EntryWire, 0, len(delta.Entries))
	for _, ent := range delta.Entries {
		wire = append(wire, codec.EntryToWire(ent))
	}
	e.send(ctx, sender, codec.DeltaResponse{
		Sender:    e.localNode,
		ChannelId: req.ChannelId,
		StreamId:  req.StreamId,
		Entries:   wire,
	})
}

// handleDeltaResponse implements step 4's receiving half: clear the
// pending flag unconditionally, and if the batch is non-empty, advance the
// HLC and merge.
func (e *Engine) handleDeltaResponse(resp codec.DeltaResponse) {
	key := pendingKey{resp.ChannelId, resp.StreamId}
	e.clearPending(key)

	if len(resp.Entries) == 0 {
		return
	}
	entries := make([]logentry.Entry, 0, len(resp.Entries))
	for _, w := range resp.Entries {
		entries = append(entries, codec.EntryFromWire(w))
	}
	if maxEntry, ok := maxTimestampEntry(entries); ok && e.receiveHLC != nil {
		e.receiveHLC(maxEntry)
	}

	ch, ok := e.channels.Get(resp.ChannelId)
	if !ok {
		e.publishErr(&syncerror.ChannelSyncError{Channel: resp.ChannelId, Stream: resp.StreamId, Reason: syncerror.ProtocolError})
		return
	}
	if _, err := ch.MergeEntries(resp.StreamId, entries, e.repo); err != nil {
		e.publishErr(&syncerror.TransformSyncError{Channel: resp.ChannelId, Stream: resp.StreamId, Cause: err})
		return
	}
	e.log.Debugf("merged %d entries into %s/%s from %s", len(entries), resp.ChannelId, resp.StreamId, resp.Sender)
}

func maxTimestampEntry(entries []logentry.Entry) (logentry.Entry, bool) {
	if len(entries) == 0 {
		return logentry.Entry{}, false
	}
	max := entries[0]
	for _, e := range entries[1:] {
		if e.Timestamp.After(max.Timestamp) {
			max = e
		}
	}
	return max, true
}
