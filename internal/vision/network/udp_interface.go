package network

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// UDPSocket defines the socket operations the receiver needs.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket. It must be safe to call more than once.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// MulticastSocketFactory opens a socket bound to group and joined to it.
// Implementations return *BindError or *JoinError so callers can tell the
// two setup failures apart.
type MulticastSocketFactory interface {
	ListenMulticast(group *net.UDPAddr, ifi *net.Interface) (UDPSocket, error)
}

// RealUDPSocket wraps *net.UDPConn to implement UDPSocket.
type RealUDPSocket struct {
	conn *net.UDPConn
}

// NewRealUDPSocket wraps an existing *net.UDPConn.
func NewRealUDPSocket(conn *net.UDPConn) *RealUDPSocket {
	return &RealUDPSocket{conn: conn}
}

func (r *RealUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	return r.conn.ReadFromUDP(b)
}

func (r *RealUDPSocket) SetReadBuffer(bytes int) error     { return r.conn.SetReadBuffer(bytes) }
func (r *RealUDPSocket) SetReadDeadline(t time.Time) error { return r.conn.SetReadDeadline(t) }
func (r *RealUDPSocket) Close() error                      { return r.conn.Close() }
func (r *RealUDPSocket) LocalAddr() net.Addr               { return r.conn.LocalAddr() }

// RealMulticastSocketFactory opens IPv4 multicast sockets with address reuse
// enabled, bound to the group address itself.
type RealMulticastSocketFactory struct{}

// NewRealMulticastSocketFactory creates a new RealMulticastSocketFactory.
func NewRealMulticastSocketFactory() *RealMulticastSocketFactory {
	return &RealMulticastSocketFactory{}
}

// ListenMulticast binds to group and joins it on ifi (nil selects the
// system default interface).
func (f *RealMulticastSocketFactory) ListenMulticast(group *net.UDPAddr, ifi *net.Interface) (UDPSocket, error) {
	ifName := ""
	if ifi != nil {
		ifName = ifi.Name
	}
	if group.IP.To4() == nil || !group.IP.IsMulticast() {
		return nil, &JoinError{Group: group.IP.String(), Interface: ifName, Err: ErrNotMulticast}
	}

	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp4", group.String())
	if err != nil {
		return nil, &BindError{Addr: group.String(), Err: err}
	}
	conn := pc.(*net.UDPConn)

	if err := ipv4.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return nil, &JoinError{Group: group.IP.String(), Interface: ifName, Err: err}
	}
	return NewRealUDPSocket(conn), nil
}

// MockUDPSocket implements UDPSocket for testing. Packets may be pushed
// while a receiver is reading from it.
type MockUDPSocket struct {
	mu sync.Mutex

	packets        []MockUDPPacket
	reads          int
	closed         bool
	readBufferSize int
	readDeadline   time.Time
	readErr        error

	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// SetReadBufferError is returned by SetReadBuffer if set.
	SetReadBufferError error
}

// MockUDPPacket represents a packet for mock testing.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a new MockUDPSocket with the given packets queued.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	m := &MockUDPSocket{
		LocalAddress: &net.UDPAddr{IP: net.IPv4(224, 5, 23, 2), Port: 10006},
	}
	for _, p := range packets {
		m.Push(p)
	}
	return m
}

// Push queues a datagram for a later ReadFromUDP.
func (m *MockUDPSocket) Push(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, MockUDPPacket{
		Data: data,
		Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 10006},
	})
}

// FailNextRead makes the next ReadFromUDP return err.
func (m *MockUDPSocket) FailNextRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// ReadFromUDP returns the next queued packet, or a timeout after a short
// pause when the queue is empty.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.readErr != nil {
		err := m.readErr
		m.readErr = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if len(m.packets) == 0 {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	pkt := m.packets[0]
	m.packets = m.packets[1:]
	m.reads++
	m.mu.Unlock()

	n := copy(b, pkt.Data)
	return n, pkt.Addr, nil
}

// Pending returns the number of queued packets not yet read.
func (m *MockUDPSocket) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets)
}

// Reads returns the number of packets delivered so far.
func (m *MockUDPSocket) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetReadBufferError != nil {
		return m.SetReadBufferError
	}
	m.readBufferSize = bytes
	return nil
}

// ReadBufferSize returns the value set by SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadline = t
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// MockMulticastSocketFactory implements MulticastSocketFactory for testing.
type MockMulticastSocketFactory struct {
	mu sync.Mutex

	// Socket is the socket to return from ListenMulticast.
	Socket *MockUDPSocket
	// Error is returned by ListenMulticast if set.
	Error error
	// Calls records every group passed to ListenMulticast.
	Calls []*net.UDPAddr
}

// NewMockMulticastSocketFactory creates a new MockMulticastSocketFactory.
func NewMockMulticastSocketFactory(socket *MockUDPSocket) *MockMulticastSocketFactory {
	return &MockMulticastSocketFactory{Socket: socket}
}

// ListenMulticast returns the configured mock socket.
func (f *MockMulticastSocketFactory) ListenMulticast(group *net.UDPAddr, ifi *net.Interface) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, group)
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
