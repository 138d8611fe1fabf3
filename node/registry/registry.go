// Package registry implements the peer registry (spec §4.2): the single,
// per-node table of known peers, their reachability status and traffic
// metrics. Grounded on node/peers/peers.go's PeerMan: a mutex-guarded map,
// struct-held connection state, and "warn and continue" soft-fail handling
// generalized here into PeerOperationSkipped events instead of panics.
package registry

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/neutrinographics/meshsync/core/events"
	"github.com/neutrinographics/meshsync/core/ids"
)

// Status is a peer's place in the SWIM failure-detector lifecycle
// (spec §4.5).
type Status int

const (
	StatusReachable Status = iota
	StatusSuspected
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusReachable:
		return "reachable"
	case StatusSuspected:
		return "suspected"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// RttEstimate is the EWMA-smoothed round-trip estimate for one peer
// (spec §4.6, RFC 6298 style).
type RttEstimate struct {
	SmoothedRttMs float64
	RttVarianceMs float64
}

// Metrics tracks per-peer traffic counters and a windowed message rate,
// exposed via GetMetrics for host-side observability and congestion
// policy (spec §4.2 "getMetrics"); the gossip engine's own congestion
// gate (spec §4.4) keys off the transport's totalPendingSendCount instead.
type Metrics struct {
	MessagesReceived uint64
	MessagesSent     uint64
	BytesReceived    uint64
	BytesSent        uint64
	WindowStartMs    uint64
	MessagesInWindow uint64
	Rtt              RttEstimate
}

// Peer is one entry in the registry.
type Peer struct {
	Id                ids.NodeId
	Status            Status
	Incarnation       uint64
	JoinedAtMs        uint64
	LastContactMs     uint64
	LastAntiEntropyMs uint64
	FailedProbeCount  int
	Metrics           Metrics
}

// PeerRepository is the optional persistence contract for the registry's
// address book (spec §6), defined here (the consumer side) so an
// implementation package never needs to import registry.
type PeerRepository interface {
	SavePeers(peers []ids.NodeId) error
	LoadPeers() ([]ids.NodeId, error)
}

// Registry is the single, per-node peer table (spec §4.2: "exactly one
// registry instance exists per running node").
type Registry struct {
	mu    sync.Mutex
	peers map[ids.NodeId]*Peer

	localNode ids.NodeId

	localIncarnation atomic.Uint64
	onIncarnation    func(uint64) // optional persistence hook, see SetIncarnationSink

	events *events.Stream
	rng    *rand.Rand
}

// New constructs an empty Registry owned by localNode. evs may be nil in
// tests that don't care about emitted events.
func New(evs *events.Stream, localNode ids.NodeId) *Registry {
	return &Registry{
		peers:     make(map[ids.NodeId]*Peer),
		localNode: localNode,
		events:    evs,
		rng:       rand.New(rand.NewSource(1)),
	}
}

// LocalNode returns the node id this registry is local to.
func (r *Registry) LocalNode() ids.NodeId {
	return r.localNode
}

// SetIncarnationSink installs a callback invoked every time
// IncrementLocalIncarnation advances the local incarnation; restoring a
// value with SetLocalIncarnation does not invoke it (spec §4.3
// "Persistence": "the local incarnation should be persisted ... on write/
// increment so ... the SWIM incarnation is monotone across restarts"). A
// host wires this to hlc.LocalNodeState.SaveIncarnation; nil disables
// persistence.
func (r *Registry) SetIncarnationSink(fn func(uint64)) {
	r.onIncarnation = fn
}

func (r *Registry) publish(e events.Event) {
	if r.events != nil {
		r.events.Publish(e)
	}
}

func (r *Registry) skip(peer ids.NodeId, op string) {
	r.publish(events.PeerOperationSkipped{Peer: peer, Operation: op})
}

// AddPeer registers a new peer as Reachable, joining at nowMs so the
// startup grace period (spec §4.5) can be computed later. A no-op if
// already known. Fails (soft) if id is the registry's own local node: a node
// cannot be its own peer (spec §4.2).
func (r *Registry) AddPeer(id ids.NodeId, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.localNode {
		r.skip(id, "addPeer")
		return
	}
	if _, have := r.peers[id]; have {
		return
	}
	r.peers[id] = &Peer{Id: id, Status: StatusReachable, JoinedAtMs: nowMs}
	r.publish(events.PeerAdded{Peer: id})
}

// RemovePeer drops a peer from the registry entirely.
func (r *Registry) RemovePeer(id ids.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, have := r.peers[id]; !have {
		r.skip(id, "removePeer")
		return
	}
	delete(r.peers, id)
	r.publish(events.PeerRemoved{Peer: id})
}

// UpdateStatus transitions a known peer's Status, emitting
// PeerStatusChanged. Unknown peers are a soft-fail (spec §7).
func (r *Registry) UpdateStatus(id ids.NodeId, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	if !have {
		r.skip(id, "updateStatus")
		return
	}
	if p.Status == status {
		return
	}
	from := p.Status.String()
	p.Status = status
	r.publish(events.PeerStatusChanged{Peer: id, From: from, To: status.String()})
}

// UpdateContact records that a message was exchanged with id at nowMs,
// resetting its failed-probe count (spec §4.5).
func (r *Registry) UpdateContact(id ids.NodeId, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	if !have {
		r.skip(id, "updateContact")
		return
	}
	p.LastContactMs = nowMs
	p.FailedProbeCount = 0
}

// UpdateAntiEntropy records the time of the last completed anti-entropy
// round with id.
func (r *Registry) UpdateAntiEntropy(id ids.NodeId, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	if !have {
		r.skip(id, "updateAntiEntropy")
		return
	}
	p.LastAntiEntropyMs = nowMs
}

// UpdateIncarnation sets a peer's known incarnation number, used by SWIM's
// refutation logic (spec §4.5). Lower incoming incarnations are ignored.
func (r *Registry) UpdateIncarnation(id ids.NodeId, incarnation uint64) {
	r.mu.Lock()
	p, have := r.peers[id]
	if !have {
		r.mu.Unlock()
		r.skip(id, "updateIncarnation")
		return
	}
	if incarnation <= p.Incarnation {
		r.mu.Unlock()
		return
	}
	p.Incarnation = incarnation
	from := p.Status
	wasSuspected := p.Status == StatusSuspected || p.Status == StatusUnreachable
	if wasSuspected {
		p.Status = StatusReachable
		p.FailedProbeCount = 0
	}
	r.mu.Unlock()

	if wasSuspected {
		r.publish(events.PeerStatusChanged{Peer: id, From: from.String(), To: StatusReachable.String()})
	}
}

// IncrementFailedProbeCount bumps a peer's consecutive-failed-probe count
// and returns the new value.
func (r *Registry) IncrementFailedProbeCount(id ids.NodeId) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	if !have {
		r.skip(id, "incrementFailedProbeCount")
		return 0
	}
	p.FailedProbeCount++
	return p.FailedProbeCount
}

// IncrementLocalIncarnation bumps this node's own incarnation number
// (called when the local node is wrongly suspected, spec §4.5) and returns
// the new value.
func (r *Registry) IncrementLocalIncarnation() uint64 {
	next := r.localIncarnation.Add(1)
	if r.onIncarnation != nil {
		r.onIncarnation(next)
	}
	return next
}

// SetLocalIncarnation restores this node's own incarnation number from
// persisted state on startup (spec §4.3 "Persistence": "the SWIM
// incarnation is monotone across restarts"). A no-op if incarnation is not
// greater than the current value.
func (r *Registry) SetLocalIncarnation(incarnation uint64) {
	for {
		cur := r.localIncarnation.Load()
		if incarnation <= cur {
			return
		}
		if r.localIncarnation.CompareAndSwap(cur, incarnation) {
			return
		}
	}
}

// LocalIncarnation returns the current local incarnation number.
func (r *Registry) LocalIncarnation() uint64 {
	return r.localIncarnation.Load()
}

// RecordMessageReceived updates traffic counters and the windowed message
// rate reported by GetMetrics; the gossip engine's congestion gate does not
// read this rate.
func (r *Registry) RecordMessageReceived(id ids.NodeId, bytes int, nowMs uint64, windowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	if !have {
		r.skip(id, "recordMessageReceived")
		return
	}
	p.Metrics.MessagesReceived++
	p.Metrics.BytesReceived += uint64(bytes)
	r.bumpWindowLocked(p, nowMs, windowMs)
}

// RecordMessageSent updates traffic counters for a message sent to id.
func (r *Registry) RecordMessageSent(id ids.NodeId, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	if !have {
		r.skip(id, "recordMessageSent")
		return
	}
	p.Metrics.MessagesSent++
	p.Metrics.BytesSent += uint64(bytes)
}

func (r *Registry) bumpWindowLocked(p *Peer, nowMs, windowMs uint64) {
	if nowMs >= p.Metrics.WindowStartMs+windowMs {
		p.Metrics.WindowStartMs = nowMs
		p.Metrics.MessagesInWindow = 0
	}
	p.Metrics.MessagesInWindow++
}

// RecordPeerRtt folds a fresh round-trip sample into id's EWMA estimate
// (spec §4.6: α=1/8 for the mean, β=1/4 for the variance, RFC 6298 style).
func (r *Registry) RecordPeerRtt(id ids.NodeId, sampleMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	if !have {
		r.skip(id, "recordPeerRtt")
		return
	}
	est := &p.Metrics.Rtt
	if est.SmoothedRttMs == 0 && est.RttVarianceMs == 0 {
		est.SmoothedRttMs = sampleMs
		est.RttVarianceMs = sampleMs / 2
		return
	}
	delta := sampleMs - est.SmoothedRttMs
	est.RttVarianceMs += 0.25 * (absF(delta) - est.RttVarianceMs)
	est.SmoothedRttMs += 0.125 * delta
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// IsReachable reports whether id is known and currently Reachable.
func (r *Registry) IsReachable(id ids.NodeId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	return have && p.Status == StatusReachable
}

// Get returns a copy of the peer record for id, or false if unknown.
func (r *Registry) Get(id ids.NodeId) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	if !have {
		return Peer{}, false
	}
	return *p, true
}

// AllPeers returns a snapshot of every known peer.
func (r *Registry) AllPeers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// ReachablePeers returns a snapshot of every Reachable peer.
func (r *Registry) ReachablePeers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Status == StatusReachable {
			out = append(out, *p)
		}
	}
	return out
}

// SelectRandomReachablePeer picks a uniformly random Reachable peer other
// than exclude, used by the gossip engine's per-round peer selection
// (spec §4.4). ok is false if no candidate exists.
func (r *Registry) SelectRandomReachablePeer(exclude ids.NodeId) (id ids.NodeId, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []ids.NodeId
	for pid, p := range r.peers {
		if p.Status == StatusReachable && pid != exclude {
			candidates = append(candidates, pid)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[r.rng.Intn(len(candidates))], true
}

// SelectRandomReachablePeers picks up to n distinct uniformly random
// Reachable peers other than exclude, used by SWIM's indirect-probe fanout.
func (r *Registry) SelectRandomReachablePeers(exclude ids.NodeId, n int) []ids.NodeId {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []ids.NodeId
	for pid, p := range r.peers {
		if p.Status == StatusReachable && pid != exclude {
			candidates = append(candidates, pid)
		}
	}
	r.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// GetMetrics returns a copy of id's metrics, or false if unknown.
func (r *Registry) GetMetrics(id ids.NodeId) (Metrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, have := r.peers[id]
	if !have {
		return Metrics{}, false
	}
	return p.Metrics, true
}

// PeerCount returns the total number of known peers.
func (r *Registry) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// RestoreFromRepository seeds the registry's known-peer set (as Reachable
// with no metrics) from a PeerRepository's persisted address book, for use
// on startup.
func (r *Registry) RestoreFromRepository(repo PeerRepository, nowMs uint64) error {
	peers, err := repo.LoadPeers()
	if err != nil {
		return err
	}
	for _, id := range peers {
		r.AddPeer(id, nowMs)
	}
	return nil
}

// PersistToRepository writes every currently known peer id to repo's
// address book.
func (r *Registry) PersistToRepository(repo PeerRepository) error {
	r.mu.Lock()
	peerIDs := make([]ids.NodeId, 0, len(r.peers))
	for id := range r.peers {
		peerIDs = append(peerIDs, id)
	}
	r.mu.Unlock()
	return repo.SavePeers(peerIDs)
}
