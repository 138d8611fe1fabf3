// Package hlc (node-level) is the stateful Hybrid Logical Clock wrapper
// (spec §4.3): it owns a single mutable hlc.Hlc value per node and exposes
// the now()/receive() operations the channel aggregate and gossip engine
// call on every local write and merge. The immutable value type and its
// ordering live in core/hlc; this package is the "one clock per
// coordinator" runtime state (spec §4.8 "Shared-resource policy").
package hlc

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"

	corehlc "github.com/neutrinographics/meshsync/core/hlc"
	"github.com/neutrinographics/meshsync/core/syncerror"
)

// LocalNodeState is the optional persistence contract for the clock's
// value and the local SWIM incarnation (spec §6 "Local node state"),
// defined on the consumer side so a host's persistence implementation
// never needs to import this package.
type LocalNodeState interface {
	SaveClockState(ctx context.Context, h corehlc.Hlc) error
	LoadClockState(ctx context.Context) (corehlc.Hlc, bool, error)
	SaveIncarnation(ctx context.Context, incarnation uint64) error
	LoadIncarnation(ctx context.Context) (uint64, bool, error)
}

// TimeSource supplies physical wall-clock milliseconds; ports.TimePort
// satisfies it directly.
type TimeSource interface {
	NowMs() uint64
}

// Clock is the stateful HLC wrapper. The zero value is not usable; use New.
type Clock struct {
	mu      sync.Mutex
	current corehlc.Hlc
	time    TimeSource
	state   LocalNodeState // optional, may be nil
	errs    *syncerror.Stream
}

// New constructs a Clock starting at the zero Hlc. time must not be nil;
// state may be nil to disable persistence. errs may be nil; if set,
// exhausted persistence retries are reported there instead of being
// dropped silently.
func New(time TimeSource, state LocalNodeState, errs *syncerror.Stream) *Clock {
	return &Clock{time: time, state: state, errs: errs}
}

// Restore loads a previously persisted Hlc from state, if present, so the
// clock never regresses across restarts (spec §4.3 "Persistence"). It is a
// no-op if state is nil or has nothing saved.
func (c *Clock) Restore(ctx context.Context) error {
	if c.state == nil {
		return nil
	}
	saved, ok, err := c.state.LoadClockState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.mu.Lock()
	if saved.After(c.current) {
		c.current = saved
	}
	c.mu.Unlock()
	return nil
}

// Now advances the clock for a local event (spec §4.3 now()) and returns
// the new reading.
func (c *Clock) Now() corehlc.Hlc {
	c.mu.Lock()
	physicalNow := c.time.NowMs()
	p := c.current.PhysicalMs
	if physicalNow > p {
		p = physicalNow
	}
	var l uint16
	if p == c.current.PhysicalMs {
		l = c.current.Logical + 1
	} else {
		l = 0
	}
	c.current = corehlc.Hlc{PhysicalMs: p, Logical: l}
	result := c.current
	c.mu.Unlock()

	c.persist(result)
	return result
}

// Receive advances the clock on accepting an incoming entry (spec §4.3
// receive()) and returns the new reading. Call with the maximum Hlc seen
// in a merged batch.
func (c *Clock) Receive(remote corehlc.Hlc) corehlc.Hlc {
	c.mu.Lock()
	physicalNow := c.time.NowMs()
	p := c.current.PhysicalMs
	if remote.PhysicalMs > p {
		p = remote.PhysicalMs
	}
	if physicalNow > p {
		p = physicalNow
	}

	var l uint16
	switch {
	case p == c.current.PhysicalMs && p == remote.PhysicalMs:
		l = c.current.Logical
		if remote.Logical > l {
			l = remote.Logical
		}
		l++
	case p == c.current.PhysicalMs:
		l = c.current.Logical + 1
	case p == remote.PhysicalMs:
		l = remote.Logical + 1
	default:
		l = 0
	}
	c.current = corehlc.Hlc{PhysicalMs: p, Logical: l}
	result := c.current
	c.mu.Unlock()

	c.persist(result)
	return result
}

// Current returns the clock's present value without advancing it.
func (c *Clock) Current() corehlc.Hlc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// persist writes h to the optional LocalNodeState, retrying transient
// failures with a bounded exponential backoff (spec §4.3: "should be
// persisted ... on write"; a host-supplied store may be a flaky disk or a
// remote KV, so persistence failures are retried rather than dropped
// silently).
func (c *Clock) persist(h corehlc.Hlc) {
	if c.state == nil {
		return
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	err := backoff.Retry(func() error {
		return c.state.SaveClockState(context.Background(), h)
	}, bo)
	if err != nil && c.errs != nil {
		c.errs.Publish(&syncerror.StorageSyncError{Kind: syncerror.StorageFailure, Cause: err})
	}
}
