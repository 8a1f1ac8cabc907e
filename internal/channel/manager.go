// Package channel manages the lifecycle of the push channel connection.
//
// The manager is a small state machine: connecting → open → {closed,
// errored}. A transport failure it did not initiate schedules a retry
// after a fixed delay until MaxAttempts consecutive failures, after which
// it parks in errored until Reconnect is called. A clean open resets the
// attempt counter. Close ends the session with a normal close code and no
// retry.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sbenjam1n/gatesync/internal/ctl"
)

const (
	// DefaultMaxAttempts is the number of retries after a failure.
	DefaultMaxAttempts = 5
	// DefaultDelay is the fixed wait before each retry.
	DefaultDelay = 3 * time.Second
)

// Conn is one live transport connection.
type Conn interface {
	// ReadMessage blocks for the next frame.
	ReadMessage() ([]byte, error)
	// Close releases the connection. clean requests a normal closure
	// handshake so the peer can tell a deliberate end from a failure.
	Close(clean bool) error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// FrameHandler consumes raw inbound frames in arrival order.
type FrameHandler interface {
	HandleFrame(ctx context.Context, data []byte)
}

// Options configures a Manager.
type Options struct {
	URL         string
	Dialer      Dialer
	Handler     FrameHandler
	MaxAttempts int
	Delay       time.Duration
	// Jitter adds up to this much random time to each retry delay.
	Jitter time.Duration
	// OnState receives every state change. It is called with the manager
	// lock held and must not call back into the manager.
	OnState func(ctl.ConnectionState)
	Logger  *slog.Logger
}

// Manager owns at most one live connection.
type Manager struct {
	opts   Options
	logger *slog.Logger
	after  func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	state  ctl.ConnectionState
	gen    uint64
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager in the closed state.
func NewManager(opts Options) *Manager {
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		logger: logger.With("component", "channel", "url", opts.URL),
		after:  time.After,
		state:  ctl.ConnectionState{Status: ctl.StatusClosed},
	}
}

// State returns a copy of the current connection state.
func (m *Manager) State() ctl.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens a connection, first tearing down any existing one.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	prev := m.teardownLocked()
	gen := m.gen
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.setLocked(ctl.StatusConnecting, m.state.LastError)
	m.mu.Unlock()

	waitDone(prev)
	go m.run(runCtx, gen, done)
}

// Reconnect resets the attempt counter and connects again.
func (m *Manager) Reconnect(ctx context.Context) {
	m.mu.Lock()
	m.state.ReconnectAttempt = 0
	m.mu.Unlock()
	m.logger.Info("manual reconnect requested")
	m.Connect(ctx)
}

// Close ends the session cleanly. No retry follows. It waits for the
// connection goroutine to exit and must not be called from a FrameHandler.
func (m *Manager) Close() {
	m.mu.Lock()
	prev := m.teardownLocked()
	m.setLocked(ctl.StatusClosed, "")
	m.mu.Unlock()

	waitDone(prev)
	m.logger.Info("channel closed")
}

// teardownLocked invalidates the running generation and closes its
// connection cleanly. It returns the done channel of the old goroutine.
func (m *Manager) teardownLocked() chan struct{} {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(true); err != nil {
			m.logger.Debug("close connection", "error", err)
		}
		m.conn = nil
	}
	prev := m.done
	m.done = nil
	return prev
}

func waitDone(done chan struct{}) {
	if done != nil {
		<-done
	}
}

func (m *Manager) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL)
		if err != nil {
			if !m.retry(ctx, gen, fmt.Errorf("dial: %w", err)) {
				return
			}
			continue
		}
		if !m.opened(gen, conn) {
			conn.Close(true)
			return
		}

		err = m.readLoop(ctx, conn)
		conn.Close(false)
		if !m.retry(ctx, gen, err) {
			return
		}
	}
}

func (m *Manager) opened(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.conn = conn
	m.state.ReconnectAttempt = 0
	m.setLocked(ctl.StatusOpen, "")
	m.logger.Info("channel open")
	return true
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.dispatch(ctx, data)
	}
}

// dispatch isolates the manager from handler panics.
func (m *Manager) dispatch(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("frame handler panicked; frame dropped", "panic", r)
		}
	}()
	if m.opts.Handler != nil {
		m.opts.Handler.HandleFrame(ctx, data)
	}
}

// retry records a failure of generation gen and waits out the delay. It
// reports whether the caller should dial again.
func (m *Manager) retry(ctx context.Context, gen uint64, cause error) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	if m.state.ReconnectAttempt >= m.opts.MaxAttempts {
		m.setLocked(ctl.StatusErrored, cause.Error())
		attempts := m.state.ReconnectAttempt
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted; waiting for manual reconnect",
			"attempts", attempts, "error", cause)
		return false
	}
	m.state.ReconnectAttempt++
	attempt := m.state.ReconnectAttempt
	m.setLocked(ctl.StatusClosed, cause.Error())
	m.mu.Unlock()

	delay := m.delay()
	m.logger.Warn("channel lost; reconnect scheduled",
		"attempt", attempt, "max_attempts", m.opts.MaxAttempts, "delay", delay, "error", cause)

	select {
	case <-ctx.Done():
		return false
	case <-m.after(delay):
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || ctx.Err() != nil {
		return false
	}
	m.setLocked(ctl.StatusConnecting, m.state.LastError)
	return true
}

func (m *Manager) delay() time.Duration {
	d := m.opts.Delay
	if m.opts.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(m.opts.Jitter)))
	}
	return d
}

func (m *Manager) setLocked(status ctl.ConnectionStatus, lastErr string) {
	m.state.Status = status
	m.state.LastError = lastErr
	if m.opts.OnState != nil {
		m.opts.OnState(m.state)
	}
}
