//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux, this is replaced by the real epoll implementation. This fallback
// allows developers on macOS/Windows to run the server without the epoll
// optimization.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn // channel that receives connections with pending data
	done    chan struct{}
	closed  sync.Once
}

// peekConn buffers reads so the monitor can wait for data without consuming
// it. The server reads frames through the same buffer.
type peekConn struct {
	net.Conn
	br *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) { return p.br.Read(b) }

type watch struct {
	resume chan struct{}
	stop   chan struct{}
}

// NewEpoll creates a new fallback epoll instance that uses goroutines to
// monitor each connection for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns the conn the server must read from and register.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, br: bufio.NewReader(conn)}
}

// Add starts watching a conn returned by Wrap for one readiness event.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return errors.New("ws: conn was not wrapped by Epoll.Wrap")
	}
	w := &watch{resume: make(chan struct{}, 1), stop: make(chan struct{})}

	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(pc, w)
	return nil
}

// monitor blocks on a one-byte peek until data (or an error) is available,
// signals readiness, then waits for Resume before peeking again.
func (e *Epoll) monitor(pc *peekConn, w *watch) {
	for {
		_, err := pc.br.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Resume re-arms a connection after its event has been handled.
func (e *Epoll) Resume(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return net.ErrClosed
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
	return nil
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.closed.Do(func() { close(e.done) })
	return nil
}

// isEINTR is always false: the fallback makes no system calls.
func isEINTR(error) bool { return false }
