package ws

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/heartbeat"
)

// Connection represents a single WebSocket client connection with its
// associated metadata. Outbound data messages pass through a bounded queue
// drained by a writer goroutine, inbound data messages through a bounded
// inbox drained by the session's handler goroutine. It is the
// presence.Session of the transport.
type Connection struct {
	id            string
	conn          net.Conn // underlying TCP connection, used for writes and close
	pollConn      net.Conn // key under which the connection is registered with epoll
	identity      auth.Identity
	authenticated bool
	remoteAddr    string
	createdAt     time.Time
	writeTimeout  time.Duration

	heartbeat *heartbeat.Monitor

	send    chan []byte // outbound text messages, drained by writeLoop
	inbox   chan []byte // inbound data messages, in arrival order
	closing chan struct{}
	fail    func(error) // removes the session; set by run

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
	closeOnce  sync.Once
}

// connLimits sizes the per-connection queues.
type connLimits struct {
	writeTimeout time.Duration
	sendQueue    int
	inbox        int
}

var (
	errConnClosed    = errors.New("ws: connection closed")
	errSendQueueFull = errors.New("ws: send queue full")
	errInboxFull     = errors.New("ws: inbox full")
)

func newConnection(id string, conn net.Conn, identity auth.Identity, authenticated bool, limits connLimits) *Connection {
	return &Connection{
		id:            id,
		conn:          conn,
		pollConn:      conn,
		identity:      identity,
		authenticated: authenticated,
		remoteAddr:    conn.RemoteAddr().String(),
		createdAt:     time.Now(),
		writeTimeout:  limits.writeTimeout,
		send:          make(chan []byte, max(limits.sendQueue, 1)),
		inbox:         make(chan []byte, max(limits.inbox, 1)),
		closing:       make(chan struct{}),
	}
}

// run starts the writer goroutine. fail is called on a write failure or a
// send queue overflow, possibly more than once, and must remove the session.
func (c *Connection) run(fail func(error)) {
	c.fail = fail
	go c.writeLoop()
}

// ID returns the session id.
func (c *Connection) ID() string { return c.id }

// Identity returns the identity resolved at handshake, if any.
func (c *Connection) Identity() (auth.Identity, bool) {
	return c.identity, c.authenticated
}

// RemoteAddr returns the client address.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Send queues a text message for the writer goroutine and never blocks. A
// full queue means the peer is not keeping up: the message is refused and the
// session is removed.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closing:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
	}
	if c.fail != nil {
		// Send may run under the broadcaster lock, which removal takes too.
		go c.fail(errSendQueueFull)
	}
	return errSendQueueFull
}

// enqueue hands an inbound data message to the session's handler goroutine
// without blocking the read path.
func (c *Connection) enqueue(data []byte) error {
	select {
	case c.inbox <- data:
		return nil
	default:
		return errInboxFull
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closing:
			return
		case data := <-c.send:
			if err := c.writeMessage(data); err != nil {
				select {
				case <-c.closing:
				default:
					c.fail(err)
				}
				return
			}
		}
	}
}

func (c *Connection) writeMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// writeFrame writes a single control frame directly. It shares the write
// mutex with the writer goroutine so frames never interleave.
func (c *Connection) writeFrame(f ws.Frame) error {
	return c.writeFrameWithin(f, c.writeTimeout)
}

func (c *Connection) writeFrameWithin(f ws.Frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// clearWriteDeadline keeps an expired deadline from failing later writes.
func (c *Connection) clearWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
}

// Close stops the writer and handler goroutines and closes the underlying
// network connection. Queued messages are discarded. Only the first call has
// an effect.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	return err
}

// ConnectionManager maps the connections handed out by epoll back to their
// Connection. It only serves the read path; the presence registry is the
// authoritative set of live sessions.
type ConnectionManager struct {
	mu     sync.RWMutex
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add indexes c under its epoll key.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byConn[c.pollConn] = c
	cm.mu.Unlock()
}

// Remove drops c from the index. It returns false if c was not indexed.
func (cm *ConnectionManager) Remove(c *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.byConn[c.pollConn] != c {
		return false
	}
	delete(cm.byConn, c.pollConn)
	return true
}

// Get returns the connection for a conn returned by epoll, or nil.
func (cm *ConnectionManager) Get(conn net.Conn) *Connection {
	cm.mu.RLock()
	c := cm.byConn[conn]
	cm.mu.RUnlock()
	return c
}

// Count returns the number of indexed connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byConn)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all indexed connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byConn))
	for _, c := range cm.byConn {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
