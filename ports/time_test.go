package ports

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowMsReflectsMockClock(t *testing.T) {
	mc := clock.NewMock()
	tp := NewFromClock(mc)
	assert.Equal(t, uint64(mc.Now().UnixMilli()), tp.NowMs())

	mc.Add(5 * time.Second)
	assert.Equal(t, uint64(mc.Now().UnixMilli()), tp.NowMs())
}

func TestDelayReturnsAfterDurationElapses(t *testing.T) {
	mc := clock.NewMock()
	tp := NewFromClock(mc)

	done := make(chan error, 1)
	go func() { done <- tp.Delay(context.Background(), time.Second) }()

	// Mirrors clock.Mock's documented idiom: give the goroutine a chance to
	// register its timer before advancing the mock, since Add only fires
	// timers that already exist.
	time.Sleep(10 * time.Millisecond)
	mc.Add(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Delay did not return after mock clock advanced")
	}
}

func TestDelayReturnsContextErrorOnCancellation(t *testing.T) {
	tp := NewFromClock(clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tp.Delay(ctx, time.Second), context.Canceled)
}

func TestSchedulePeriodicFiresOnEachTick(t *testing.T) {
	mc := clock.NewMock()
	tp := NewFromClock(mc)

	fired := make(chan struct{}, 8)
	h := tp.SchedulePeriodic(time.Second, func() { fired <- struct{}{} })
	defer h.Cancel()
	time.Sleep(10 * time.Millisecond)

	mc.Add(time.Second)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("periodic callback did not fire")
	}

	mc.Add(time.Second)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("periodic callback did not fire a second time")
	}
}

func TestSchedulePeriodicCancelStopsFutureTicks(t *testing.T) {
	mc := clock.NewMock()
	tp := NewFromClock(mc)

	fired := make(chan struct{}, 8)
	h := tp.SchedulePeriodic(time.Second, func() { fired <- struct{}{} })
	h.Cancel()

	mc.Add(5 * time.Second)
	select {
	case <-fired:
		t.Fatal("callback fired after cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}
