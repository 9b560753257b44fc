// Package feed streams normalized vision frames to websocket clients.
package feed

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/sslvision/internal/httputil"
	"github.com/banshee-data/sslvision/internal/monitoring"
	"github.com/banshee-data/sslvision/internal/vision"
)

var logf = monitoring.Component("feed")

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	// DefaultSendBuf is the number of frames queued per client before
	// frames are dropped for that client.
	DefaultSendBuf = 64
)

// Server fans normalized frames out to websocket clients. JSON frames are
// sent as text messages; clients connecting with ?format=cbor receive CBOR
// binary messages. A slow client loses frames, it never stalls Publish.
type Server struct {
	upgrader websocket.Upgrader
	sendBuf  int

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  *vision.NormalizedFrame
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

type client struct {
	conn     *websocket.Conn
	format   httputil.Format
	send     chan []byte
	closeOne sync.Once
}

// NewServer creates a feed. sendBuf <= 0 selects DefaultSendBuf.
func NewServer(sendBuf int) *Server {
	if sendBuf <= 0 {
		sendBuf = DefaultSendBuf
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendBuf: sendBuf,
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and streams frames until the client
// disconnects. The most recent frame, if any, is sent immediately.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format, err := httputil.FormatFromRequest(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &client{conn: conn, format: format, send: make(chan []byte, s.sendBuf)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	latest := s.latest
	s.mu.Unlock()

	if latest != nil {
		if payload, err := httputil.Marshal(format, latest); err == nil {
			c.trySend(payload)
		}
	}

	go c.writeLoop()
	c.readLoop()
	s.removeClient(c)
}

// Publish queues frame for every connected client and remembers it for
// clients that connect later. It never blocks.
func (s *Server) Publish(frame *vision.NormalizedFrame) {
	if frame == nil {
		return
	}
	s.mu.Lock()
	s.latest = frame
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	s.published.Add(1)

	encoded := make(map[httputil.Format][]byte, 2)
	for _, c := range clients {
		payload, ok := encoded[c.format]
		if !ok {
			var err error
			payload, err = httputil.Marshal(c.format, frame)
			if err != nil {
				logf("failed to encode frame as %s: %v", c.format, err)
				continue
			}
			encoded[c.format] = payload
		}
		if !c.trySend(payload) {
			s.dropped.Add(1)
		}
	}
}

// Latest returns the most recently published frame, or nil.
func (s *Server) Latest() *vision.NormalizedFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Counts returns how many frames were published and how many per-client
// deliveries were dropped on a full queue.
func (s *Server) Counts() (published, dropped uint64) {
	return s.published.Load(), s.dropped.Load()
}

// Close disconnects every client. Later connections are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// readLoop drains control frames so pongs are processed. Client messages
// are ignored.
func (c *client) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logf("client %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	messageType := websocket.TextMessage
	if c.format == httputil.FormatCBOR {
		messageType = websocket.BinaryMessage
	}
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				c.conn.Close()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(messageType, msg); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// trySend queues msg without blocking. It reports false when the message
// was dropped.
func (c *client) trySend(msg []byte) (sent bool) {
	defer func() {
		// send is closed once the client is gone
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOne.Do(func() { close(c.send) })
}
