package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sslvision/internal/timeutil"
)

// forwardQueueSize is the number of datagrams buffered for relay.
const forwardQueueSize = 1000

// PacketForwarder relays raw vision datagrams to a unicast address without
// blocking the receive loop. Datagrams are dropped when the queue is full.
type PacketForwarder struct {
	conn        net.Conn
	channel     chan []byte
	logInterval time.Duration
	clock       timeutil.Clock
	address     string

	startOnce sync.Once
	forwarded atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewPacketForwarder dials address ("host:port") for relaying datagrams.
func NewPacketForwarder(address string, logInterval time.Duration) (*PacketForwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	return newPacketForwarder(conn, address, logInterval, timeutil.RealClock{}), nil
}

func newPacketForwarder(conn net.Conn, address string, logInterval time.Duration, clock timeutil.Clock) *PacketForwarder {
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, forwardQueueSize),
		logInterval: logInterval,
		clock:       clock,
		address:     address,
	}
}

// Address returns the relay destination.
func (f *PacketForwarder) Address() string { return f.address }

// Start launches the relay goroutine. Later calls are no-ops. The goroutine
// exits when ctx is cancelled.
func (f *PacketForwarder) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		go f.run(ctx)
		logf("forwarding datagrams to %s", f.address)
	})
}

func (f *PacketForwarder) run(ctx context.Context) {
	ticker := f.clock.NewTicker(f.logInterval)
	defer ticker.Stop()

	var lastDropped, lastFailed uint64
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return
		case packet := <-f.channel:
			if _, err := f.conn.Write(packet); err != nil {
				f.failed.Add(1)
				lastErr = err
				continue
			}
			f.forwarded.Add(1)
		case <-ticker.C():
			dropped, failed := f.dropped.Load(), f.failed.Load()
			if dropped > lastDropped || failed > lastFailed {
				logf("forwarder %s: %d dropped, %d failed in the last %v (latest error: %v)",
					f.address, dropped-lastDropped, failed-lastFailed, f.logInterval, lastErr)
			}
			lastDropped, lastFailed, lastErr = dropped, failed, nil
		}
	}
}

// ForwardAsync queues a copy of packet for relay. It never blocks.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		f.dropped.Add(1)
	}
}

// Counts returns how many datagrams were relayed, dropped on a full queue,
// and failed to send.
func (f *PacketForwarder) Counts() (forwarded, dropped, failed uint64) {
	return f.forwarded.Load(), f.dropped.Load(), f.failed.Load()
}

// Close closes the relay connection. Queued datagrams are discarded.
func (f *PacketForwarder) Close() error {
	return f.conn.Close()
}
