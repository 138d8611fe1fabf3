// Command meshdemo wires two in-process coordinators over a loopback
// transport and runs the two-peer-pair sync scenario from spec §8 seed #1:
// n1 appends an entry, and after a handful of gossip rounds n2 observes the
// identical payload. It replaces the teacher's cmd/kwil-cli (a
// payload-specific user-facing CLI, out of scope here) with a
// protocol-level demonstrator in the same cmd/ convention.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/neutrinographics/meshsync/core/ids"
	"github.com/neutrinographics/meshsync/core/retention"
	"github.com/neutrinographics/meshsync/corelog"
	"github.com/neutrinographics/meshsync/node/coordinator"
	"github.com/neutrinographics/meshsync/ports"
)

// loopbackBus is a minimal in-process MessagePort implementation: every
// node registers an inbound channel, and Send on one node's port delivers
// directly to the destination's channel. It exists only to drive this
// demo; real hosts implement ports.MessagePort over their own transport.
type loopbackBus struct {
	mu    sync.Mutex
	boxes map[ids.NodeId]chan ports.IncomingMessage
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{boxes: make(map[ids.NodeId]chan ports.IncomingMessage)}
}

func (b *loopbackBus) register(id ids.NodeId) *loopbackPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ports.IncomingMessage, 256)
	b.boxes[id] = ch
	return &loopbackPort{bus: b, self: id, inbox: ch}
}

type loopbackPort struct {
	bus   *loopbackBus
	self  ids.NodeId
	inbox chan ports.IncomingMessage
}

func (p *loopbackPort) Send(ctx context.Context, destination ids.NodeId, data []byte, _ ports.Priority) error {
	p.bus.mu.Lock()
	dest, ok := p.bus.boxes[destination]
	p.bus.mu.Unlock()
	if !ok {
		return fmt.Errorf("meshdemo: no such peer %s", destination)
	}
	msg := ports.IncomingMessage{Sender: p.self, Bytes: data, ReceivedAt: time.Now().UnixMilli()}
	select {
	case dest <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *loopbackPort) Incoming() <-chan ports.IncomingMessage { return p.inbox }
func (p *loopbackPort) PendingSendCount(ids.NodeId) int        { return 0 }
func (p *loopbackPort) TotalPendingSendCount() int             { return 0 }

func main() {
	log := corelog.New(corelog.WithLevel(corelog.LevelInfo))

	n1, n2 := ids.NewNodeId("n1"), ids.NewNodeId("n2")
	bus := newLoopbackBus()
	time1, time2 := ports.NewRealTime(), ports.NewRealTime()

	c1 := coordinator.New(n1, time1, bus.register(n1), coordinator.WithLogger(log.New("N1")))
	c2 := coordinator.New(n2, time2, bus.register(n2), coordinator.WithLogger(log.New("N2")))

	c1.AddPeer(n2)
	c2.AddPeer(n1)

	ch1 := ids.NewChannelId("ch1")
	st1 := ids.NewStreamId("st1")
	c1.CreateChannel(ch1)
	if err := c1.CreateStream(ch1, st1, retention.KeepAll{}); err != nil {
		fmt.Fprintln(os.Stderr, "create stream on n1:", err)
		os.Exit(1)
	}
	c2.CreateChannel(ch1)
	if err := c2.CreateStream(ch1, st1, retention.KeepAll{}); err != nil {
		fmt.Fprintln(os.Stderr, "create stream on n2:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c1.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start n1:", err)
		os.Exit(1)
	}
	if err := c2.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start n2:", err)
		os.Exit(1)
	}
	defer c1.Dispose()
	defer c2.Dispose()

	payload := []byte{0x01, 0x02, 0x03}
	if err := c1.Append(ch1, st1, payload); err != nil {
		fmt.Fprintln(os.Stderr, "append on n1:", err)
		os.Exit(1)
	}
	fmt.Println("n1 appended entry, waiting for anti-entropy to converge n2...")

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := c2.Entries(ch1, st1); ok && len(got) == 1 {
			fmt.Printf("n2 converged: 1 entry, payload=% x\n", got[0].Payload)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "timed out waiting for convergence")
	os.Exit(1)
}
