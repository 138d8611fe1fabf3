// Package swim implements the failure detector (spec §4.5): SWIM-style
// direct/indirect probing with a late-ack grace window, layered on the
// peer registry's status field. Grounded on node/peers/peers.go's
// reconnect-with-retry state handling, generalized from libp2p connection
// events into protocol-driven probe/ack exchanges.
package swim

import (
	"context"
	"sync"
	"time"

	"github.com/neutrinographics/meshsync/config"
	"github.com/neutrinographics/meshsync/core/events"
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/syncerror"
	"github.com/neutrinographics/meshsync/corelog"
	"github.com/neutrinographics/meshsync/node/codec"
	"github.com/neutrinographics/meshsync/node/registry"
	"github.com/neutrinographics/meshsync/node/rtt"
	"github.com/neutrinographics/meshsync/ports"
)

type pendingPing struct {
	target ids.NodeId
	ackCh  chan struct{}
	acked  bool
}

// Engine is the per-coordinator SWIM failure detector.
type Engine struct {
	mu sync.Mutex

	localNode ids.NodeId
	cfg       config.CoordinatorConfig
	time      ports.TimePort
	transport ports.MessagePort
	reg       *registry.Registry

	globalRtt rtt.GlobalEstimate
	bounds    rtt.Bounds

	nextSeq uint64
	round   uint64
	pending map[uint64]*pendingPing

	events *events.Stream
	errs   *syncerror.Stream
	log    corelog.Logger
}

// New constructs a SWIM engine bound to reg, which it mutates directly. log
// may be nil, in which case the engine logs nothing (corelog.DiscardLogger).
func New(localNode ids.NodeId, cfg config.CoordinatorConfig, time ports.TimePort, transport ports.MessagePort, reg *registry.Registry, evs *events.Stream, errs *syncerror.Stream, log corelog.Logger) *Engine {
	if log == nil {
		log = corelog.DiscardLogger
	}
	return &Engine{
		localNode: localNode,
		cfg:       cfg,
		time:      time,
		transport: transport,
		reg:       reg,
		globalRtt: rtt.NewGlobalEstimate(),
		bounds:    rtt.DefaultBounds(),
		pending:   make(map[uint64]*pendingPing),
		events:    evs,
		errs:      errs,
		log:       log,
	}
}

// GossipInterval exposes the current adaptive gossip interval so the
// coordinator can reuse this engine's RTT estimate for its own scheduling.
func (e *Engine) GossipInterval() (rtt.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.globalRtt.Snapshot(e.bounds), true
}

func (e *Engine) publish(ev events.Event) {
	if e.events != nil {
		e.events.Publish(ev)
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

func (e *Engine) allocSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSeq++
	return e.nextSeq
}

// RunRound performs one complete probe round (spec §4.5 "Probe round").
func (e *Engine) RunRound(ctx context.Context) {
	e.mu.Lock()
	e.round++
	round := e.round
	e.mu.Unlock()

	target, ok := e.selectTarget(round)
	if !ok {
		return
	}
	if e.inStartupGrace(target) {
		return
	}

	seq := e.allocSeq()
	ackCh := make(chan struct{}, 1)
	pp := &pendingPing{target: target, ackCh: ackCh}

	e.mu.Lock()
	e.pending[seq] = pp
	e.mu.Unlock()

	sentAtMs := e.time.NowMs()
	e.send(ctx, target, codec.Ping{Sender: e.localNode, Sequence: seq, Incarnation: e.reg.LocalIncarnation()})

	directTimeout := e.effectivePingTimeout(target)
	direct := e.awaitAck(ctx, ackCh, directTimeout)

	succeeded := direct
	if !succeeded {
		succeeded = e.runIndirectProbes(ctx, target, seq, ackCh)
	}

	// Late-ack grace: give the channel one more look before round cleanup
	// (spec §4.5 step 7 — pending pings are cleared only at round end).
	if !succeeded {
		select {
		case <-ackCh:
			succeeded = true
		default:
		}
	}

	if succeeded {
		e.onAckSucceeded(target, sentAtMs)
	} else {
		e.onProbeFailed(target)
	}

	e.mu.Lock()
	delete(e.pending, seq)
	e.mu.Unlock()
}

func (e *Engine) selectTarget(round uint64) (ids.NodeId, bool) {
	// Each round probes one eligible peer, picked round-robin by round
	// number. Reachable/Suspected peers are eligible every round; Unreachable
	// peers only on rounds that are a multiple of unreachableProbeInterval
	// (spec §4.5 table).
	candidates := e.reg.AllPeers()
	var eligible []ids.NodeId
	for _, p := range candidates {
		if p.Id == e.localNode {
			continue
		}
		if p.Status == registry.StatusUnreachable {
			if e.cfg.UnreachableProbeInterval > 0 && round%uint64(e.cfg.UnreachableProbeInterval) == 0 {
				eligible = append(eligible, p.Id)
			}
			continue
		}
		eligible = append(eligible, p.Id)
	}
	if len(eligible) == 0 {
		return "", false
	}
	return eligible[int(round)%len(eligible)], true
}

func (e *Engine) inStartupGrace(target ids.NodeId) bool {
	p, ok := e.reg.Get(target)
	if !ok {
		return false
	}
	return e.time.NowMs() < p.JoinedAtMs+uint64(e.cfg.StartupGracePeriod.Milliseconds())
}

func (e *Engine) effectivePingTimeout(target ids.NodeId) int64 {
	if p, ok := e.reg.Get(target); ok {
		est := p.Metrics.Rtt
		if est.SmoothedRttMs != 0 || est.RttVarianceMs != 0 {
			g := rtt.GlobalEstimate{SmoothedRttMs: est.SmoothedRttMs, RttVarianceMs: est.RttVarianceMs}
			return rtt.EffectivePingTimeout(g, e.bounds).Milliseconds()
		}
	}
	return rtt.EffectivePingTimeout(e.globalRtt, e.bounds).Milliseconds()
}

func (e *Engine) awaitAck(ctx context.Context, ackCh chan struct{}, timeoutMs int64) bool {
	done := make(chan struct{})
	go func() {
		_ = e.time.Delay(ctx, time.Duration(timeoutMs)*time.Millisecond)
		close(done)
	}()
	select {
	case <-ackCh:
		return true
	case <-done:
		return false
	}
}

func (e *Engine) runIndirectProbes(ctx context.Context, target ids.NodeId, seq uint64, ackCh chan struct{}) bool {
	intermediaries := e.reg.SelectRandomReachablePeers(target, e.cfg.IndirectProbeFanout)
	if len(intermediaries) == 0 {
		// 2-device case: await the same timeout again as a grace period so
		// a late direct ack can still land (spec §4.5 step 4).
		return e.awaitAck(ctx, ackCh, e.effectivePingTimeout(target))
	}
	for _, mid := range intermediaries {
		e.send(ctx, mid, codec.PingReq{Sender: e.localNode, Sequence: seq, Target: target})
	}
	return e.awaitAck(ctx, ackCh, e.effectivePingTimeout(target))
}

func (e *Engine) onAckSucceeded(target ids.NodeId, sentAtMs uint64) {
	nowMs := e.time.NowMs()
	if nowMs > sentAtMs {
		sampleMs := float64(nowMs - sentAtMs)
		e.mu.Lock()
		e.globalRtt.Record(sampleMs)
		e.mu.Unlock()
		e.reg.RecordPeerRtt(target, sampleMs)
	}
	e.reg.UpdateContact(target, nowMs)
	if p, ok := e.reg.Get(target); ok && p.Status != registry.StatusReachable {
		e.reg.UpdateStatus(target, registry.StatusReachable)
	}
}

func (e *Engine) onProbeFailed(target ids.NodeId) {
	count := e.reg.IncrementFailedProbeCount(target)
	p, ok := e.reg.Get(target)
	if !ok {
		return
	}
	switch p.Status {
	case registry.StatusReachable:
		if count >= e.cfg.SuspicionThreshold {
			e.log.Warnf("peer %s suspected after %d failed probes", target, count)
			e.reg.UpdateStatus(target, registry.StatusSuspected)
		}
	case registry.StatusSuspected:
		if count >= e.cfg.UnreachableThreshold {
			e.log.Warnf("peer %s marked unreachable after %d failed probes", target, count)
			e.reg.UpdateStatus(target, registry.StatusUnreachable)
		}
	}
}

// HandleIncoming dispatches a decoded SWIM message from sender.
func (e *Engine) HandleIncoming(ctx context.Context, sender ids.NodeId, msg codec.Message) {
	switch m := msg.(type) {
	case codec.Ping:
		e.handlePing(ctx, sender, m)
	case codec.Ack:
		e.handleAck(sender, m)
	case codec.PingReq:
		e.handlePingReq(ctx, sender, m)
	}
}

func (e *Engine) handlePing(ctx context.Context, sender ids.NodeId, p codec.Ping) {
	e.reg.UpdateIncarnation(sender, p.Incarnation)
	if p.Relayed {
		// Being pinged on another peer's behalf (spec §4.5 step 5) is our
		// only on-the-wire evidence that some node currently doubts our
		// reachability: refute by bumping our own incarnation so the next
		// message we send carries a value that wins adoption (spec §4.5
		// "Incarnation refutation").
		inc := e.reg.IncrementLocalIncarnation()
		e.log.Debugf("refuting suspicion from %s, incarnation now %d", sender, inc)
	}
	e.send(ctx, sender, codec.Ack{Sender: e.localNode, Sequence: p.Sequence, Incarnation: e.reg.LocalIncarnation()})
	// Receiving a ping from any known peer is itself evidence of
	// reachability, including for a peer currently marked Unreachable
	// (spec §4.5 table).
	e.reg.UpdateContact(sender, e.time.NowMs())
	if peer, ok := e.reg.Get(sender); ok && peer.Status != registry.StatusReachable {
		e.reg.UpdateStatus(sender, registry.StatusReachable)
	}
}

func (e *Engine) handleAck(sender ids.NodeId, a codec.Ack) {
	e.reg.UpdateIncarnation(sender, a.Incarnation)
	e.mu.Lock()
	pp, ok := e.pending[a.Sequence]
	e.mu.Unlock()
	if !ok || pp.acked {
		return
	}
	pp.acked = true
	select {
	case pp.ackCh <- struct{}{}:
	default:
	}
}

func (e *Engine) handlePingReq(ctx context.Context, sender ids.NodeId, pr codec.PingReq) {
	relaySeq := e.allocSeq()
	ackCh := make(chan struct{}, 1)
	e.mu.Lock()
	e.pending[relaySeq] = &pendingPing{target: pr.Target, ackCh: ackCh}
	e.mu.Unlock()

	e.send(ctx, pr.Target, codec.Ping{Sender: e.localNode, Sequence: relaySeq, Incarnation: e.reg.LocalIncarnation(), Relayed: true})
	timeout := rtt.EffectivePingTimeout(e.globalRtt, e.bounds)
	if e.awaitAck(ctx, ackCh, timeout.Milliseconds()) {
		e.send(ctx, sender, codec.Ack{Sender: pr.Target, Sequence: pr.Sequence})
	}

	e.mu.Lock()
	delete(e.pending, relaySeq)
	e.mu.Unlock()
}
