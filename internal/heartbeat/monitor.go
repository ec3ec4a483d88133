// Package heartbeat implements the per-session liveness probe: a ping on a
// fixed interval, and termination when the pong does not arrive in time.
package heartbeat

import (
	"sync"
	"time"
)

// State is the liveness state of one session.
type State int32

const (
	Alive State = iota
	AwaitingPong
	Terminated
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case AwaitingPong:
		return "awaiting_pong"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config holds heartbeat tuning parameters.
type Config struct {
	Interval time.Duration // time between pings
	Timeout  time.Duration // how long a ping may stay unanswered
}

// DefaultConfig returns the reference probe cadence.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  1 * time.Second,
	}
}

// Monitor owns the liveness state machine and the two timers of a single
// session. Transitions: Alive -> AwaitingPong -> {Alive, Terminated}.
// Terminated is absorbing.
type Monitor struct {
	cfg       Config
	sched     Scheduler
	ping      func() error
	onTimeout func()
	onPingErr func(error)

	mu     sync.Mutex
	state  State
	probe  Timer
	expiry Timer
	// gen invalidates expiry callbacks that fired after a pong or a stop;
	// Timer.Stop cannot recall a callback that is already running.
	gen uint64
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithScheduler replaces the system scheduler.
func WithScheduler(s Scheduler) Option {
	return func(m *Monitor) { m.sched = s }
}

// WithPingErrorHandler is called when sending a ping fails. The session is
// still terminated by the expiry check.
func WithPingErrorHandler(fn func(error)) Option {
	return func(m *Monitor) { m.onPingErr = fn }
}

// New creates a monitor in the Alive state. ping sends the transport probe;
// onTimeout runs once, outside the monitor lock, when the session is
// terminated for a missed pong.
func New(cfg Config, ping func() error, onTimeout func(), opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		sched:     SystemScheduler,
		ping:      ping,
		onTimeout: onTimeout,
		state:     Alive,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start schedules the first probe. Calling Start on a terminated monitor is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Terminated || m.probe != nil {
		return
	}
	m.scheduleProbeLocked()
}

// State returns the current liveness state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pong records a probe answer. It cancels the pending expiry check and returns
// the session to Alive. Pongs in any other state are ignored.
func (m *Monitor) Pong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AwaitingPong {
		return
	}
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
	m.gen++
	m.state = Alive
}

// Stop terminates the monitor without invoking onTimeout. It is called when
// the session is removed for any other reason and is idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateLocked()
}

func (m *Monitor) scheduleProbeLocked() {
	m.probe = m.sched.AfterFunc(m.cfg.Interval, m.tick)
}

func (m *Monitor) tick() {
	m.mu.Lock()
	if m.state == Terminated {
		m.mu.Unlock()
		return
	}
	m.scheduleProbeLocked()
	if m.state == AwaitingPong {
		// Previous ping still unanswered; its expiry check decides.
		m.mu.Unlock()
		return
	}

	m.gen++
	gen := m.gen
	m.state = AwaitingPong
	m.expiry = m.sched.AfterFunc(m.cfg.Timeout, func() { m.expire(gen) })
	m.mu.Unlock()

	// The transition happens before the write so a fast pong is never lost.
	if err := m.ping(); err != nil && m.onPingErr != nil {
		m.onPingErr(err)
	}
}

func (m *Monitor) expire(gen uint64) {
	m.mu.Lock()
	if m.state != AwaitingPong || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.terminateLocked()
	m.mu.Unlock()

	if m.onTimeout != nil {
		m.onTimeout()
	}
}

func (m *Monitor) terminateLocked() {
	if m.state == Terminated {
		return
	}
	m.state = Terminated
	m.gen++
	if m.probe != nil {
		m.probe.Stop()
		m.probe = nil
	}
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
}
