// Package client provides a reusable WebSocket load test client for the
// direct chat server. It connects using gobwas/ws (the same library the
// server uses), presents a signed identity cookie, answers heartbeat pings
// and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/golang-jwt/jwt/v5"
)

// ---------------------------------------------------------------------------
// Wire messages (local equivalents of internal/protocol)
// ---------------------------------------------------------------------------

// Identity is one entry of the online list.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Push is a chat message delivered by the server.
type Push struct {
	ID        string  `json:"_id"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Text      *string `json:"text"`
	File      *string `json:"file"`
}

type serverMessage struct {
	Online *[]Identity `json:"online"`
	Push
}

// ---------------------------------------------------------------------------
// Identity tokens
// ---------------------------------------------------------------------------

// Token signs an HS256 identity token the server accepts when it runs with
// the same JWT secret.
func Token(secret, userID, username string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"userId":   userID,
		"username": username,
		"exp":      time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	PresenceLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	PingsAnswered    int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the chat server.
// It manages the WebSocket lifecycle and dispatches incoming presence lists
// and chat messages to registered handlers.
type Client struct {
	conn   net.Conn
	reader io.Reader
	userID string
	start  time.Time

	writeMu sync.Mutex // serializes outbound frames

	mu         sync.Mutex
	metrics    Metrics
	online     []Identity
	onPresence func([]Identity)
	onMessage  func(Push)

	presenceReady chan struct{}
	readyOnce     sync.Once
	done          chan struct{}
	closeOnce     sync.Once
}

// New connects to the given WebSocket URL. token may be empty for an
// anonymous session. A background goroutine begins reading immediately.
func New(ctx context.Context, url, cookie, token, userID string) (*Client, error) {
	d := ws.Dialer{}
	if token != "" {
		d.Header = ws.HandshakeHeaderHTTP(http.Header{"Cookie": []string{cookie + "=" + token}})
	}

	start := time.Now()
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:          conn,
		reader:        conn,
		userID:        userID,
		start:         start,
		presenceReady: make(chan struct{}),
		done:          make(chan struct{}),
	}
	if br != nil {
		c.reader = br
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// UserID returns the user the client signed in as, or "" when anonymous.
func (c *Client) UserID() string { return c.userID }

// SendText sends a text chat event to recipient. It is goroutine-safe.
func (c *Client) SendText(recipient, text string) error {
	data, err := json.Marshal(map[string]string{"recipient": recipient, "text": text})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := c.writeFrame(ws.NewTextFrame(data)); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// OnPresence registers the handler for online lists. Handlers run on the read
// loop goroutine and should not block for extended periods.
func (c *Client) OnPresence(fn func([]Identity)) {
	c.mu.Lock()
	c.onPresence = fn
	c.mu.Unlock()
}

// OnMessage registers the handler for delivered chat messages.
func (c *Client) OnMessage(fn func(Push)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// WaitForPresence blocks until the first online list has arrived, which the
// server sends once the session is registered.
func (c *Client) WaitForPresence(ctx context.Context) error {
	select {
	case <-c.presenceReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before presence arrived")
	}
}

// Online returns the most recent online list.
func (c *Client) Online() []Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Identity(nil), c.online...)
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.conn, ws.MaskFrameInPlace(f))
}

// readLoop reads frames until the connection is closed. Pings are answered
// here so the server's heartbeat keeps the session alive.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		h, err := ws.ReadHeader(c.reader)
		if err == nil {
			payload := make([]byte, h.Length)
			if _, err = io.ReadFull(c.reader, payload); err == nil {
				err = c.handleFrame(h, payload)
			}
		}
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}
	}
}

func (c *Client) handleFrame(h ws.Header, payload []byte) error {
	switch h.OpCode {
	case ws.OpPing:
		if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
			return err
		}
		c.mu.Lock()
		c.metrics.PingsAnswered++
		c.mu.Unlock()
	case ws.OpClose:
		return io.EOF
	case ws.OpText:
		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil
		}
		c.dispatch(msg)
	}
	return nil
}

func (c *Client) dispatch(msg serverMessage) {
	c.mu.Lock()
	if msg.Online != nil {
		c.online = *msg.Online
		fn := c.onPresence
		c.mu.Unlock()

		c.readyOnce.Do(func() {
			c.mu.Lock()
			c.metrics.PresenceLatency = time.Since(c.start)
			c.mu.Unlock()
			close(c.presenceReady)
		})
		if fn != nil {
			fn(*msg.Online)
		}
		return
	}

	if msg.ID == "" {
		c.mu.Unlock()
		return
	}
	c.metrics.MessagesReceived++
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(msg.Push)
	}
}
