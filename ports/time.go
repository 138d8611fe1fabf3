// Package ports holds the narrow collaborator interfaces the core depends
// on and never implements itself (spec §6): time and transport. A host or
// test supplies concrete implementations. The optional persistence
// repositories are declared beside the packages that consume them
// (channel, coordinator, registry, hlc).
package ports

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TimePort is the time abstraction every scheduled operation in the core
// goes through (spec §6). Handle.Cancel stops a periodic callback; overlap
// between cancellation and an in-flight firing must be tolerated.
type TimePort interface {
	NowMs() uint64
	SchedulePeriodic(interval time.Duration, callback func()) Handle
	Delay(ctx context.Context, d time.Duration) error
}

// Handle cancels a periodic schedule registered with SchedulePeriodic.
type Handle interface {
	Cancel()
}

// RealTime is the production TimePort, backed by github.com/benbjohnson/clock
// so the identical interface can be driven by clock.Mock in tests (spec
// SPEC_FULL.md §2.4).
type RealTime struct {
	Clock clock.Clock
}

// NewRealTime returns a TimePort backed by the real wall clock.
func NewRealTime() *RealTime { return &RealTime{Clock: clock.New()} }

// NewFromClock wraps an arbitrary clock.Clock (typically a *clock.Mock in
// tests) as a TimePort.
func NewFromClock(c clock.Clock) *RealTime { return &RealTime{Clock: c} }

func (t *RealTime) NowMs() uint64 {
	return uint64(t.Clock.Now().UnixMilli())
}

type periodicHandle struct {
	stop func()
}

func (h *periodicHandle) Cancel() { h.stop() }

func (t *RealTime) SchedulePeriodic(interval time.Duration, callback func()) Handle {
	ticker := t.Clock.Ticker(interval)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			ticker.Stop()
		})
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				callback()
			}
		}
	}()
	return &periodicHandle{stop: stop}
}

func (t *RealTime) Delay(ctx context.Context, d time.Duration) error {
	timer := t.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
