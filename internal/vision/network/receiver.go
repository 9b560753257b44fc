package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sslvision/internal/monitoring"
	"github.com/banshee-data/sslvision/internal/timeutil"
	"github.com/banshee-data/sslvision/internal/vision"
)

const (
	// DefaultBufferSize is the largest datagram read in full. Longer
	// datagrams are truncated and fail to decode.
	DefaultBufferSize = 1024

	// DefaultReadTimeout bounds how long Stop waits for an in-flight read.
	DefaultReadTimeout = 100 * time.Millisecond

	// decodeLogEvery limits decode error logging on a corrupted stream.
	decodeLogEvery = 100
)

var logf = monitoring.Component("vision")

// Decoder turns one datagram into a raw frame.
type Decoder interface {
	Decode(packet []byte) (*vision.RawFrame, error)
}

// ReceiverConfig contains configuration options for the Receiver.
type ReceiverConfig struct {
	Group     string // multicast group, e.g. "224.5.23.2"
	Port      int
	Interface string // optional interface name for the group membership
	RcvBuf    int    // OS receive buffer in bytes; 0 keeps the system default

	BufferSize  int           // defaults to DefaultBufferSize
	ReadTimeout time.Duration // defaults to DefaultReadTimeout
	RateWindow  int           // defaults to DefaultRateWindow

	Decoder       Decoder                // required
	SocketFactory MulticastSocketFactory // optional: defaults to real sockets
	Clock         timeutil.Clock         // optional: defaults to RealClock
	Forwarder     *PacketForwarder       // optional relay of raw datagrams

	// OnFrame is invoked synchronously on the receive goroutine after every
	// successfully decoded datagram. It must return quickly: while it runs
	// no datagrams are read.
	OnFrame func()
}

// ReceiverStats is a point-in-time snapshot of receiver counters.
type ReceiverStats struct {
	ID              string    `json:"id"`
	Group           string    `json:"group"`
	Packets         uint64    `json:"packets"`
	Bytes           uint64    `json:"bytes"`
	DecodeErrors    uint64    `json:"decode_errors"`
	Detections      uint64    `json:"detections"`
	GeometryPackets uint64    `json:"geometry_packets"`
	FPS             float64   `json:"fps"`
	JitterMs        float64   `json:"jitter_ms"`
	LastPacketAt    time.Time `json:"last_packet_at"`
}

// framePair is published as a unit so readers always see a current and
// previous frame that were adjacent in the stream.
type framePair struct {
	current  *vision.RawFrame
	previous *vision.RawFrame
}

// Receiver joins a vision multicast group and keeps the latest decoded
// detection frame. The receive loop is the only writer of frame state;
// accessors may be called from any goroutine.
type Receiver struct {
	id        string
	cfg       ReceiverConfig
	addr      string
	factory   MulticastSocketFactory
	clock     timeutil.Clock
	rate      *RateEstimator
	forwarder *PacketForwarder

	callback   atomic.Pointer[func()]
	inCallback atomic.Bool
	frames   atomic.Pointer[framePair]
	geometry atomic.Pointer[vision.Geometry]
	fps      atomic.Uint64 // math.Float64bits

	packets      atomic.Uint64
	bytes        atomic.Uint64
	decodeErrors atomic.Uint64
	detections   atomic.Uint64
	geometries   atomic.Uint64
	lastPacketNs atomic.Int64

	mu       sync.Mutex // guards lifecycle fields below
	started  bool
	stopOnce sync.Once
	sock     UDPSocket
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// NewReceiver creates a receiver. No network resource is touched until Start.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	factory := cfg.SocketFactory
	if factory == nil {
		factory = NewRealMulticastSocketFactory()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	r := &Receiver{
		id:        uuid.NewString(),
		cfg:       cfg,
		addr:      net.JoinHostPort(cfg.Group, strconv.Itoa(cfg.Port)),
		factory:   factory,
		clock:     clock,
		rate:      NewRateEstimator(cfg.RateWindow),
		forwarder: cfg.Forwarder,
		done:      make(chan struct{}),
	}
	r.SetCallback(cfg.OnFrame)
	return r
}

// ID returns the random identifier tagging this receiver's log lines.
func (r *Receiver) ID() string { return r.id }

// Addr returns the group:port the receiver listens on.
func (r *Receiver) Addr() string { return r.addr }

// SetCallback replaces the frame callback. Passing nil removes it.
func (r *Receiver) SetCallback(fn func()) {
	if fn == nil {
		r.callback.Store(nil)
		return
	}
	r.callback.Store(&fn)
}

// Start opens the multicast socket and launches the receive loop. Setup
// failures are returned as *BindError or *JoinError. The loop discards the
// first datagram it receives before processing any.
func (r *Receiver) Start(ctx context.Context) error {
	if r.cfg.Decoder == nil {
		return errors.New("receiver: no decoder configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	ip := net.ParseIP(r.cfg.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return &JoinError{Group: r.cfg.Group, Interface: r.cfg.Interface, Err: ErrNotMulticast}
	}
	var ifi *net.Interface
	if r.cfg.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(r.cfg.Interface); err != nil {
			return &JoinError{Group: r.cfg.Group, Interface: r.cfg.Interface, Err: err}
		}
	}

	sock, err := r.factory.ListenMulticast(&net.UDPAddr{IP: ip, Port: r.cfg.Port}, ifi)
	if err != nil {
		var be *BindError
		var je *JoinError
		if errors.As(err, &be) || errors.As(err, &je) {
			return err
		}
		return &BindError{Addr: r.addr, Err: err}
	}

	if r.cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(r.cfg.RcvBuf); err != nil {
			logf("Warning: failed to set receive buffer to %d bytes: %v", r.cfg.RcvBuf, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.started = true
	r.sock = sock
	r.cancel = cancel

	if r.forwarder != nil {
		r.forwarder.Start(loopCtx)
	}

	logf("receiver %s joined %s", r.id[:8], r.addr)
	go r.run(loopCtx, sock)
	return nil
}

// Stop ends the receive loop and releases the socket. It is idempotent and
// may be called from any goroutine. Once it returns no further callbacks
// are started. Stop called while a callback is running, including from
// inside the callback itself, returns without waiting; the loop exits as
// soon as that callback returns.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started, sock, cancel := r.started, r.sock, r.cancel
		r.started = true // a stopped receiver cannot be started
		r.mu.Unlock()
		if !started {
			close(r.done)
			return
		}
		cancel()
		sock.Close()
		if r.inCallback.Load() {
			return
		}

		select {
		case <-r.done:
		case <-time.After(r.cfg.ReadTimeout + time.Second):
			logf("receiver %s: stop timed out waiting for the receive loop", r.id[:8])
		}
	})
}

// Done is closed when the receive loop has exited.
func (r *Receiver) Done() <-chan struct{} { return r.done }

// Err returns the fatal error that ended the loop, if any. It is nil after
// a normal Stop.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// CurrentFrame returns the most recent frame with a detection section, or
// nil before the first one arrives.
func (r *Receiver) CurrentFrame() *vision.RawFrame {
	if p := r.frames.Load(); p != nil {
		return p.current
	}
	return nil
}

// PreviousFrame returns the detection frame received before CurrentFrame.
func (r *Receiver) PreviousFrame() *vision.RawFrame {
	if p := r.frames.Load(); p != nil {
		return p.previous
	}
	return nil
}

// Frames returns the current and previous frames as one consistent pair.
func (r *Receiver) Frames() (current, previous *vision.RawFrame) {
	if p := r.frames.Load(); p != nil {
		return p.current, p.previous
	}
	return nil, nil
}

// Geometry returns the latest geometry section seen, or nil.
func (r *Receiver) Geometry() *vision.Geometry {
	return r.geometry.Load()
}

// FPS returns the current arrival rate estimate.
func (r *Receiver) FPS() float64 {
	return math.Float64frombits(r.fps.Load())
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() ReceiverStats {
	s := ReceiverStats{
		ID:              r.id,
		Group:           r.addr,
		Packets:         r.packets.Load(),
		Bytes:           r.bytes.Load(),
		DecodeErrors:    r.decodeErrors.Load(),
		Detections:      r.detections.Load(),
		GeometryPackets: r.geometries.Load(),
		FPS:             r.FPS(),
		JitterMs:        float64(r.rate.Jitter()) / float64(time.Millisecond),
	}
	if ns := r.lastPacketNs.Load(); ns != 0 {
		s.LastPacketAt = time.Unix(0, ns)
	}
	return s
}

func (r *Receiver) run(ctx context.Context, sock UDPSocket) {
	defer close(r.done)
	defer sock.Close()

	buf := make([]byte, r.cfg.BufferSize)

	// The first datagram only marks that the vision system is sending.
	logf("waiting for first datagram on %s", r.addr)
	if _, err := r.receive(ctx, sock, buf); err != nil {
		r.finish(ctx, err)
		return
	}
	logf("receiver %s: vision stream detected", r.id[:8])

	for {
		n, err := r.receive(ctx, sock, buf)
		if err != nil {
			r.finish(ctx, err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.ingest(ctx, buf[:n], r.clock.Now())
	}
}

// receive blocks until a datagram arrives, the context is cancelled, or
// the socket fails. Read deadlines let it notice cancellation.
func (r *Receiver) receive(ctx context.Context, sock UDPSocket, buf []byte) (int, error) {
	var deadlineErrLogged bool
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := sock.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil && !deadlineErrLogged {
			logf("failed to set read deadline: %v", err)
			deadlineErrLogged = true
		}

		n, _, err := sock.ReadFromUDP(buf)
		if err == nil {
			return n, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return 0, fmt.Errorf("receive socket closed unexpectedly: %w", err)
		}
		logf("UDP read error on %s: %v", r.addr, err)
	}
}

// finish records why the loop ended. Cancellation is a normal stop.
func (r *Receiver) finish(ctx context.Context, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		logf("receiver %s stopped", r.id[:8])
		return
	}
	logf("receiver %s failed: %v", r.id[:8], err)
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Ingest runs one datagram through the receive path as if it had arrived at
// time at: rate tracking, forwarding, decode, frame publication and the
// callback. It is used for replaying captures and must not be called while
// the receive loop is running. Packets longer than the configured buffer
// size are truncated the way a socket read would truncate them.
func (r *Receiver) Ingest(packet []byte, at time.Time) {
	if len(packet) > r.cfg.BufferSize {
		packet = packet[:r.cfg.BufferSize]
	}
	r.ingest(context.Background(), packet, at)
}

func (r *Receiver) ingest(ctx context.Context, packet []byte, at time.Time) {
	r.packets.Add(1)
	r.bytes.Add(uint64(len(packet)))
	r.lastPacketNs.Store(at.UnixNano())
	r.fps.Store(math.Float64bits(r.rate.Add(at)))

	if r.forwarder != nil {
		r.forwarder.ForwardAsync(packet)
	}

	frame, err := r.cfg.Decoder.Decode(packet)
	if err != nil {
		if n := r.decodeErrors.Add(1); n == 1 || n%decodeLogEvery == 0 {
			logf("skipping undecodable datagram (%d so far): %v", n, err)
		}
		return
	}
	frame.ReceivedAt = at

	if frame.Geometry != nil {
		r.geometries.Add(1)
		r.geometry.Store(frame.Geometry)
	}
	if frame.HasDetection() {
		next := &framePair{current: frame}
		if prev := r.frames.Load(); prev != nil {
			next.previous = prev.current
		}
		r.detections.Add(1)
		r.frames.Store(next)
	}

	if ctx.Err() != nil {
		return
	}
	if cb := r.callback.Load(); cb != nil {
		r.inCallback.Store(true)
		defer r.inCallback.Store(false)
		(*cb)()
	}
}
