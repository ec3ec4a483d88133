// Package ws handles WebSocket connection management: it upgrades HTTP
// connections, resolves the identity presented at the handshake, keeps every
// session under a liveness probe and feeds incoming messages to the router.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/heartbeat"
	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/ratelimit"
	"github.com/whisper/directchat/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":4040"
	WorkerPoolSize  int           // max concurrent read-worker goroutines
	MaxConnections  int           // hard cap on total connections
	ReadTimeout     time.Duration // timeout for reading one frame once data is ready
	WriteTimeout    time.Duration // timeout for WebSocket write operations
	HandlerTimeout  time.Duration // deadline for routing one message
	AuthTimeout     time.Duration // deadline for verifying the handshake token
	MaxMessageBytes int64         // largest accepted data message
	SendQueueSize   int           // outbound messages buffered per session
	InboxSize       int           // inbound messages buffered per session
	TokenCookie     string        // cookie carrying the identity token
	Heartbeat       heartbeat.Config
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":4040",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		HandlerTimeout:  15 * time.Second,
		AuthTimeout:     3 * time.Second,
		MaxMessageBytes: 16 << 20,
		SendQueueSize:   256,
		InboxSize:       64,
		TokenCookie:     "token",
		Heartbeat:       heartbeat.DefaultConfig(),
	}
}

// Deps are the collaborators of the server. Sessions and Limiter are
// optional.
type Deps struct {
	Auth        auth.Gateway
	Registry    presence.Registry
	Broadcaster *presence.Broadcaster
	Handler     MessageHandler
	Sessions    *session.Store
	Limiter     *ratelimit.Limiter
	Log         zerolog.Logger
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config      ServerConfig
	auth        auth.Gateway
	registry    presence.Registry
	broadcaster *presence.Broadcaster
	handler     MessageHandler
	sessions    *session.Store     // Redis session mirror, nil when disabled
	limiter     *ratelimit.Limiter // connect rate limiting, nil when disabled
	scheduler   heartbeat.Scheduler
	log         zerolog.Logger

	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	mux        *http.ServeMux
	httpServer *http.Server

	ctx       context.Context // canceled on shutdown
	cancel    context.CancelFunc
	done      chan struct{}
	loopDone  chan struct{}
	running   atomic.Bool
	stopOnce  sync.Once
	startedAt time.Time // server start time for uptime calculation
}

// NewServer creates a Server and its epoll instance. Routes beyond /ws and
// /health are added with Handle before the server starts.
func NewServer(config ServerConfig, deps Deps) (*Server, error) {
	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      config,
		auth:        deps.Auth,
		registry:    deps.Registry,
		broadcaster: deps.Broadcaster,
		handler:     deps.Handler,
		sessions:    deps.Sessions,
		limiter:     deps.Limiter,
		scheduler:   heartbeat.SystemScheduler,
		log:         deps.Log,
		epoll:       ep,
		conns:       NewConnectionManager(),
		workerPool:  make(chan struct{}, config.WorkerPoolSize),
		mux:         http.NewServeMux(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		startedAt:   time.Now(),
	}
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s, nil
}

// Handle registers an additional HTTP route.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve starts the event loop in the background and blocks serving HTTP on l.
// It may be called once.
func (s *Server) Serve(l net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("ws: server already started")
	}

	go s.startEventLoop()

	s.log.Info().
		Str("addr", l.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade resolves the identity token, upgrades the HTTP request with
// the gobwas/ws zero-copy upgrader and registers the new session. A missing
// or rejected token yields an anonymous session.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip := clientIP(r)
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	identity, authenticated := s.resolveIdentity(r)

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	// The hijacked conn may still carry the HTTP server's header deadline.
	_ = conn.SetDeadline(time.Time{})

	c := newConnection(uuid.NewString(), conn, identity, authenticated, connLimits{
		writeTimeout: s.config.WriteTimeout,
		sendQueue:    s.config.SendQueueSize,
		inbox:        s.config.InboxSize,
	})
	log := s.log.With().Str("session", c.id).Str("user", identity.UserID).Logger()

	// Everything another goroutine may read through the registry is set
	// before the session is published there.
	c.pollConn = s.epoll.Wrap(conn)
	c.heartbeat = s.newHeartbeat(c)
	c.run(func(err error) { s.RemoveConnection(c, err) })

	s.registry.Add(c)
	metrics.ConnectionsTotal.Inc()
	s.conns.Add(c)
	go s.serveInbox(c)
	c.heartbeat.Start()

	if err := s.epoll.Add(c.pollConn); err != nil {
		log.Error().Err(err).Msg("epoll add failed")
		s.RemoveConnection(c, err)
		return
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.id, identity, c.remoteAddr); err != nil {
			log.Warn().Err(err).Msg("failed to create redis session")
		}
		cancel()
	}

	log.Info().Bool("authenticated", authenticated).Int("total", s.registry.Count()).Msg("new connection")

	s.broadcaster.BroadcastOnlineList()
}

// resolveIdentity verifies the token cookie, if present.
func (s *Server) resolveIdentity(r *http.Request) (auth.Identity, bool) {
	token := auth.TokenFromRequest(r, s.config.TokenCookie)
	if token == "" {
		return auth.Identity{}, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.AuthTimeout)
	defer cancel()
	identity, err := s.auth.Verify(ctx, token)
	if err != nil {
		metrics.HandshakeRejections.Inc()
		s.log.Info().Err(fmt.Errorf("%w: %v", chat.ErrHandshakeIdentityInvalid, err)).
			Str("remote", r.RemoteAddr).Msg("continuing as anonymous session")
		return auth.Identity{}, false
	}
	return identity, true
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Online      int    `json:"online"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Online:      len(s.registry.Snapshot()),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// EINTR is expected during signal handling.
			if !isEINTR(err) {
				s.log.Error().Err(err).Msg("epoll wait error")
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
// Otherwise the connection is re-armed for its next frame.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.Get(netConn)
	if c == nil {
		return
	}

	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}

	removed := false
	defer func() {
		_ = netConn.SetReadDeadline(time.Time{})
		atomic.StoreInt32(&c.processing, 0)
		if !removed && s.conns.Get(netConn) == c {
			if err := s.epoll.Resume(netConn); err != nil {
				s.RemoveConnection(c, err)
			}
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err == nil {
		err = s.dispatchFrame(c, header, reader)
	}
	if err != nil {
		removed = true
		s.RemoveConnection(c, err)
	}
}

// RemoveConnection removes a session from the registry, stops its liveness
// probe, unregisters it from epoll, closes the network connection and
// re-broadcasts presence. Only the first call for a session has an effect, so
// a read error racing with a heartbeat timeout cleans up once.
func (s *Server) RemoveConnection(c *Connection, reason error) {
	if !s.registry.Remove(c) {
		return
	}

	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	_ = s.epoll.Remove(c.pollConn)
	s.conns.Remove(c)
	_ = c.Close()

	metrics.ConnectionsTotal.Dec()
	if errors.Is(reason, chat.ErrLivenessTimeout) {
		metrics.HeartbeatTimeouts.Inc()
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.id); err != nil {
			s.log.Warn().Err(err).Str("session", c.id).Msg("failed to delete redis session")
		}
		cancel()
	}

	s.log.Info().
		Str("session", c.id).
		Str("user", c.identity.UserID).
		AnErr("reason", reason).
		Int("total", s.registry.Count()).
		Msg("connection closed")

	s.broadcaster.BroadcastOnlineList()
}

// Connections returns the epoll-side connection index.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down server")

		// Signal the event loop and in-flight handlers to stop.
		close(s.done)
		s.cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("ws: http shutdown: %w", err)
		}

		if s.running.Load() {
			select {
			case <-s.loopDone:
			case <-ctx.Done():
			}
		}

		// A session whose writer is stuck on a slow peer holds its write
		// lock until the write deadline; close sessions concurrently.
		var wg sync.WaitGroup
		for _, sess := range s.registry.All() {
			if c, ok := sess.(*Connection); ok {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.closeOnShutdown(c)
				}()
			}
		}
		closed := make(chan struct{})
		go func() {
			wg.Wait()
			close(closed)
		}()
		select {
		case <-closed:
		case <-ctx.Done():
			shutdownErr = errors.Join(shutdownErr, ctx.Err())
		}

		_ = s.epoll.Close()
		s.log.Info().Msg("server stopped, all connections closed")
	})
	return shutdownErr
}

const shutdownWriteTimeout = time.Second

// closeOnShutdown drops a session without re-broadcasting presence to
// sessions that are about to be closed as well.
func (s *Server) closeOnShutdown(c *Connection) {
	if !s.registry.Remove(c) {
		return
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	_ = s.epoll.Remove(c.pollConn)
	s.conns.Remove(c)
	// Cut short a data write stuck on a slow peer before taking the lock.
	_ = c.conn.SetWriteDeadline(time.Now().Add(shutdownWriteTimeout))
	_ = c.writeFrameWithin(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "")), shutdownWriteTimeout)
	_ = c.Close()
	metrics.ConnectionsTotal.Dec()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.sessions.Delete(ctx, c.id)
		cancel()
	}
}

// clientIP returns the request's remote IP without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
