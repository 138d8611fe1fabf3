// Package coordinator wires the channel aggregate, peer registry, HLC
// clock, gossip engine and SWIM detector into one per-node runtime (spec
// §5, §6, §9): a single-owner object that serializes every external entry
// point and owns the domain-event and error streams. Grounded on
// v2/node/node.go's functional-options construction and
// logger.New("SUBSYSTEM") scoping, generalized from a libp2p host/consensus
// wiring into the sync core's ports.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neutrinographics/meshsync/config"
	"github.com/neutrinographics/meshsync/core/events"
	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/logentry"
	"github.com/neutrinographics/meshsync/core/retention"
	"github.com/neutrinographics/meshsync/core/syncerror"
	"github.com/neutrinographics/meshsync/corelog"
	"github.com/neutrinographics/meshsync/node/channel"
	"github.com/neutrinographics/meshsync/node/codec"
	"github.com/neutrinographics/meshsync/node/entrystore"
	"github.com/neutrinographics/meshsync/node/gossip"
	"github.com/neutrinographics/meshsync/node/hlc"
	"github.com/neutrinographics/meshsync/node/registry"
	"github.com/neutrinographics/meshsync/node/rtt"
	"github.com/neutrinographics/meshsync/node/swim"
	"github.com/neutrinographics/meshsync/ports"
)

// State is the coordinator's lifecycle state (spec §6 "Coordinator
// lifecycle").
type State int

const (
	Stopped State = iota
	Running
	Paused
	Disposed
)

// congestionWindowMs is the rolling window RecordMessageReceived uses to
// compute the per-peer message rate reported in peer metrics. The gossip
// congestion gate uses the transport's pending-send count instead.
const congestionWindowMs = 1000

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is the fatal lifecycle error (spec §7): it is always
// raised as a panic, never returned, matching the fatal tier's
// "invalid state transition" example.
type ErrInvalidTransition struct {
	From, To State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("coordinator: invalid transition %s -> %s", e.From, e.To)
}

// ChannelRepository is the optional persistence contract for channel
// existence/metadata (spec §6 "Repositories ... Channel"), defined on the
// consumer side. Entry content persistence is a separate concern, handled
// by channel.EntryRepository.
type ChannelRepository interface {
	FindByID(id ids.ChannelId) (*channel.Channel, bool)
	Save(ch *channel.Channel) error
	Delete(id ids.ChannelId) error
	ListIDs() []ids.ChannelId
	Exists(id ids.ChannelId) bool
	Count() int
}

// sessionTokenProvider is implemented by hlc.LocalNodeState backends that
// can hand back an opaque per-file identifier (e.g. statestore.Store), used
// only to enrich the startup log line. Asserted for optionally, since the
// base LocalNodeState contract doesn't require it.
type sessionTokenProvider interface {
	SessionToken() (string, error)
}

// Snapshot is the read-only status view hosts can poll for observability
// (spec §4.6 "status snapshot", extended per SPEC_FULL.md §4 with peer and
// channel counts).
type Snapshot struct {
	State           State
	LocalNode       ids.NodeId
	Rtt             rtt.Snapshot
	PeerCount       int
	Reachable       int
	Suspected       int
	Unreachable     int
	ChannelCount    int
	LocalIncarnation uint64
}

// Coordinator is the single-owner runtime for one node's participation in
// the mesh (spec §5 "Shared-resource policy": channel aggregates, the
// registry, the pending-delta map, the HLC clock and the RTT trackers are
// owned by exactly one coordinator).
type Coordinator struct {
	mu    sync.Mutex
	state State

	localNode ids.NodeId
	cfg       config.CoordinatorConfig
	log       corelog.Logger

	time      ports.TimePort
	transport ports.MessagePort

	repo     channel.EntryRepository
	channels map[ids.ChannelId]*channel.Channel
	channelRepo ChannelRepository // optional

	reg   *registry.Registry
	clock *hlc.Clock

	gossipEngine *gossip.Engine
	swimEngine   *swim.Engine

	peerRepo registry.PeerRepository // optional
	state_   hlc.LocalNodeState      // optional, named state_ to avoid clashing with the state field

	events *events.Stream
	errs   *syncerror.Stream

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator built with New.
type Option func(*Coordinator)

func WithConfig(cfg config.CoordinatorConfig) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

func WithLogger(l corelog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithEntryRepository(repo channel.EntryRepository) Option {
	return func(c *Coordinator) { c.repo = repo }
}

func WithChannelRepository(repo ChannelRepository) Option {
	return func(c *Coordinator) { c.channelRepo = repo }
}

func WithPeerRepository(repo registry.PeerRepository) Option {
	return func(c *Coordinator) { c.peerRepo = repo }
}

func WithLocalNodeState(state hlc.LocalNodeState) Option {
	return func(c *Coordinator) { c.state_ = state }
}

func WithEventBuffer(bufSize int) Option {
	return func(c *Coordinator) {
		c.events = events.NewStream(bufSize, func(events.Event) {
			c.log.Warnln("event stream: slow subscriber dropped an event")
		})
	}
}

func WithErrorBuffer(bufSize int) Option {
	return func(c *Coordinator) {
		c.errs = syncerror.NewStream(bufSize, func(e syncerror.SyncError) {
			c.log.Warnf("error stream: slow subscriber dropped: %v", e)
		})
	}
}

// New constructs a Coordinator in state Stopped (spec §6: "create(...)
// returns a handle in state Stopped"). time and transport must not be nil.
func New(localNode ids.NodeId, time ports.TimePort, transport ports.MessagePort, opts ...Option) *Coordinator {
	c := &Coordinator{
		state:     Stopped,
		localNode: localNode,
		cfg:       config.Default(),
		log:       corelog.DiscardLogger,
		time:      time,
		transport: transport,
		channels:  make(map[ids.ChannelId]*channel.Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.repo == nil {
		c.repo = entrystore.New()
	}
	if c.events == nil {
		c.events = events.NewStream(256, nil)
	}
	if c.errs == nil {
		c.errs = syncerror.NewStream(256, nil)
	}

	c.reg = registry.New(c.events, c.localNode)
	if c.state_ != nil {
		c.reg.SetIncarnationSink(func(inc uint64) {
			if err := c.state_.SaveIncarnation(context.Background(), inc); err != nil {
				c.errs.Publish(&syncerror.StorageSyncError{Kind: syncerror.StorageFailure, Cause: err})
			}
		})
	}
	c.clock = hlc.New(c.time, c.state_, c.errs)
	receiveHLC := func(e logentry.Entry) { c.clock.Receive(e.Timestamp) }
	c.gossipEngine = gossip.New(c.localNode, c.cfg, c.time, c.transport, c.reg, c, c.repo, receiveHLC, c.events, c.errs, c.log.New("GOSSIP"))
	c.swimEngine = swim.New(c.localNode, c.cfg, c.time, c.transport, c.reg, c.events, c.errs, c.log.New("SWIM"))

	return c
}

// Get implements gossip.ChannelAccessor.
func (c *Coordinator) Get(id ids.ChannelId) (*channel.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// All implements gossip.ChannelAccessor.
func (c *Coordinator) All() []*channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Events returns the domain-event stream.
func (c *Coordinator) Events() *events.Stream { return c.events }

// Errors returns the recoverable-error stream.
func (c *Coordinator) Errors() *syncerror.Stream { return c.errs }

// LocalNode returns this coordinator's own node id.
func (c *Coordinator) LocalNode() ids.NodeId { return c.localNode }

// CreateChannel creates and registers a new channel aggregate owned by this
// coordinator, optionally persisting it via a configured ChannelRepository.
func (c *Coordinator) CreateChannel(id ids.ChannelId) *channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, have := c.channels[id]; have {
		return ch
	}
	ch := channel.New(id, c.localNode, c.events, c.errs)
	ch.SetBufferLimits(c.cfg.MaxBufferSizePerAuthor, c.cfg.MaxTotalBufferEntries, c.cfg.MaxPayloadBytes)
	c.channels[id] = ch
	if c.channelRepo != nil {
		if err := c.channelRepo.Save(ch); err != nil {
			c.log.Warnf("persist channel %s: %v", id, err)
		}
	}
	return ch
}

// RemoveChannel drops channelID from this coordinator entirely, deleting it
// from any configured ChannelRepository as well (spec §6 "Channel: ...
// delete"). A no-op if the channel is unknown.
func (c *Coordinator) RemoveChannel(channelID ids.ChannelId) {
	c.mu.Lock()
	_, have := c.channels[channelID]
	if have {
		delete(c.channels, channelID)
	}
	c.mu.Unlock()
	if !have {
		return
	}
	if c.channelRepo != nil {
		if err := c.channelRepo.Delete(channelID); err != nil {
			c.log.Warnf("delete persisted channel %s: %v", channelID, err)
		}
	}
	if c.repo != nil {
		if err := c.repo.ClearChannel(channelID); err != nil {
			c.log.Warnf("clear stored entries for channel %s: %v", channelID, err)
		}
	}
	c.events.Publish(events.ChannelRemoved{Channel: channelID})
}

// CreateStream registers a stream on an already-created channel with
// policy, defaulting to retention.KeepAll if policy is nil.
func (c *Coordinator) CreateStream(channelID ids.ChannelId, streamID ids.StreamId, policy retention.Policy) error {
	ch, ok := c.Get(channelID)
	if !ok {
		return syncerror.ErrChannelNotFound
	}
	if policy == nil {
		policy = retention.KeepAll{}
	}
	ch.CreateStream(streamID, policy)
	return nil
}

// Append performs a local write through the HLC clock into channelID/streamID.
func (c *Coordinator) Append(channelID ids.ChannelId, streamID ids.StreamId, payload []byte) error {
	ch, ok := c.Get(channelID)
	if !ok {
		return syncerror.ErrChannelNotFound
	}
	ts := c.clock.Now()
	_, err := ch.AppendEntry(streamID, payload, ts, c.repo)
	return err
}

// Entries returns every committed entry for channelID/streamID, in the
// stream's total order, directly off the configured EntryRepository. Ok is
// false if the channel is unknown.
func (c *Coordinator) Entries(channelID ids.ChannelId, streamID ids.StreamId) (entries []logentry.Entry, ok bool) {
	if _, have := c.Get(channelID); !have {
		return nil, false
	}
	return c.repo.GetAll(channelID, streamID), true
}

// AddPeer registers a peer with the registry, tracking its startup grace
// period from the current time.
func (c *Coordinator) AddPeer(id ids.NodeId) {
	c.reg.AddPeer(id, c.time.NowMs())
}

// RemovePeer removes a peer from the registry.
func (c *Coordinator) RemovePeer(id ids.NodeId) {
	c.reg.RemovePeer(id)
}

// Registry exposes the underlying peer registry for read-only queries.
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// Snapshot reports a read-only status view (SPEC_FULL.md §4).
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	state := c.state
	chCount := len(c.channels)
	c.mu.Unlock()

	rttSnap, _ := c.swimEngine.GossipInterval()
	var reachable, suspected, unreachable int
	for _, p := range c.reg.AllPeers() {
		switch p.Status {
		case registry.StatusReachable:
			reachable++
		case registry.StatusSuspected:
			suspected++
		case registry.StatusUnreachable:
			unreachable++
		}
	}
	return Snapshot{
		State:            state,
		LocalNode:        c.localNode,
		Rtt:              rttSnap,
		PeerCount:        c.reg.PeerCount(),
		Reachable:        reachable,
		Suspected:        suspected,
		Unreachable:      unreachable,
		ChannelCount:     chCount,
		LocalIncarnation: c.reg.LocalIncarnation(),
	}
}

// Start transitions Stopped -> Running (spec §6), restoring any configured
// persistence and re-arming the gossip/SWIM schedulers and the incoming
// dispatch loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Disposed {
		c.mu.Unlock()
		panic(ErrInvalidTransition{From: Disposed, To: Running})
	}
	if c.state == Running {
		c.mu.Unlock()
		panic(ErrInvalidTransition{From: Running, To: Running})
	}
	if c.state_ != nil {
		if err := c.clock.Restore(ctx); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("coordinator: restore clock state: %w", err)
		}
		if inc, ok, err := c.state_.LoadIncarnation(ctx); err == nil && ok {
			c.reg.SetLocalIncarnation(inc)
		}
	}
	if c.peerRepo != nil {
		if err := c.reg.RestoreFromRepository(c.peerRepo, c.time.NowMs()); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("coordinator: restore peer directory: %w", err)
		}
	}
	if c.channelRepo != nil {
		for _, id := range c.channelRepo.ListIDs() {
			if _, have := c.channels[id]; have {
				continue
			}
			if ch, ok := c.channelRepo.FindByID(id); ok {
				ch.SetBufferLimits(c.cfg.MaxBufferSizePerAuthor, c.cfg.MaxTotalBufferEntries, c.cfg.MaxPayloadBytes)
				c.channels[id] = ch
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = Running
	c.mu.Unlock()

	if provider, ok := c.state_.(sessionTokenProvider); ok {
		if token, err := provider.SessionToken(); err == nil {
			c.log.Info("coordinator started", "node", c.localNode.String(), "session", token)
		} else {
			c.log.Info("coordinator started", "node", c.localNode.String())
		}
	} else {
		c.log.Info("coordinator started", "node", c.localNode.String())
	}

	c.wg.Add(3)
	go c.dispatchLoop(runCtx)
	go c.gossipLoop(runCtx)
	go c.swimLoop(runCtx)

	return nil
}

// isActive reports whether scheduled rounds should currently run: Running
// runs them, Paused and Stopped skip them without tearing the loop down
// (spec §5 "Cancellation and timeouts": pause/resume re-arms in place).
func (c *Coordinator) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Running
}

func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	incoming := c.transport.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			c.handleIncoming(ctx, msg)
		}
	}
}

func (c *Coordinator) handleIncoming(ctx context.Context, msg ports.IncomingMessage) {
	if msg.Sender == c.localNode {
		// Self-discovery (e.g. a loopback transport's own broadcast) is
		// treated as corruption, matching spec §7's messageCorrupted
		// handling for malformed peers: it never reaches a handler.
		c.errs.Publish(&syncerror.PeerSyncError{Peer: msg.Sender, Reason: syncerror.MessageCorrupted})
		return
	}
	c.reg.RecordMessageReceived(msg.Sender, len(msg.Bytes), uint64(msg.ReceivedAt), congestionWindowMs)

	decoded, err := codec.Decode(msg.Bytes)
	if err != nil {
		c.errs.Publish(&syncerror.PeerSyncError{Peer: msg.Sender, Reason: syncerror.MessageCorrupted, Cause: err})
		return
	}

	switch decoded.(type) {
	case codec.Ping, codec.Ack, codec.PingReq:
		c.swimEngine.HandleIncoming(ctx, msg.Sender, decoded)
	default:
		c.gossipEngine.HandleIncoming(ctx, msg.Sender, decoded)
	}
}

func (c *Coordinator) gossipLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if !c.isActive() {
			if err := c.time.Delay(ctx, 50*time.Millisecond); err != nil {
				return
			}
			continue
		}
		c.log.Debugf("gossip round starting (%d channels)", len(c.All()))
		c.gossipEngine.RunRound(ctx)

		snap, _ := c.swimEngine.GossipInterval()
		if err := c.time.Delay(ctx, snap.GossipInterval); err != nil {
			return
		}
	}
}

func (c *Coordinator) swimLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if !c.isActive() {
			if err := c.time.Delay(ctx, 50*time.Millisecond); err != nil {
				return
			}
			continue
		}
		c.swimEngine.RunRound(ctx)

		snap, _ := c.swimEngine.GossipInterval()
		if err := c.time.Delay(ctx, snap.ProbeInterval); err != nil {
			return
		}
	}
}

// Pause transitions Running -> Paused: scheduled rounds stop firing, but the
// dispatch loop keeps answering incoming messages (spec §5: pause/resume
// are distinct from stop/start, which fully re-arm the schedulers).
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disposed {
		panic(ErrInvalidTransition{From: Disposed, To: Paused})
	}
	if c.state != Running {
		panic(ErrInvalidTransition{From: c.state, To: Paused})
	}
	c.state = Paused
}

// Resume transitions Paused -> Running.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disposed {
		panic(ErrInvalidTransition{From: Disposed, To: Running})
	}
	if c.state != Paused {
		panic(ErrInvalidTransition{From: c.state, To: Running})
	}
	c.state = Running
}

// Stop transitions Running or Paused -> Stopped: cancels every scheduled
// round and the dispatch loop, and persists the peer directory if
// configured (clock and incarnation state are written as they change).
// A subsequent Start re-arms everything (spec §5 "stop -> start re-arms
// schedulers").
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state == Disposed {
		c.mu.Unlock()
		panic(ErrInvalidTransition{From: Disposed, To: Stopped})
	}
	if c.state == Stopped {
		c.mu.Unlock()
		panic(ErrInvalidTransition{From: Stopped, To: Stopped})
	}
	cancel := c.cancel
	c.cancel = nil
	c.state = Stopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if c.peerRepo != nil {
		if err := c.reg.PersistToRepository(c.peerRepo); err != nil {
			c.log.Warnf("persist peer directory: %v", err)
		}
	}
	c.log.Info("coordinator stopped")
	return nil
}

// Dispose is the terminal, idempotent transition (spec §6): it stops the
// coordinator if still running, then closes the event/error streams.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	already := c.state == Disposed
	state := c.state
	c.mu.Unlock()
	if already {
		return
	}
	if state == Running || state == Paused {
		_ = c.Stop()
	}
	c.mu.Lock()
	c.state = Disposed
	c.mu.Unlock()
	c.events.Close()
	c.errs.Close()
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
