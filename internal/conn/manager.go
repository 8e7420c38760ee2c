// Package conn manages the live connection lifecycle: a reconnecting state
// machine around a single transport socket, plus the outbound queue for
// frames sent while disconnected.
package conn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aposine/chatsync/internal/transport"
	"github.com/aposine/chatsync/pkg/protocol"
)

// DefaultReconnectDelay is the fixed backoff before re-dialing a dropped
// connection.
const DefaultReconnectDelay = 3 * time.Second

// State is the observable connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config configures a Manager.
type Config struct {
	// Address is the live-connection base URL; the user id is appended as
	// the final path segment on dial.
	Address string

	// ReconnectDelay is the fixed backoff between reconnect attempts.
	// Zero means DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// Dialer opens sockets. Nil means a websocket dialer.
	Dialer transport.Dialer

	Logger *zap.Logger
}

// Manager owns the single live socket for a signed-in session. It reconnects
// indefinitely with a fixed delay until Close is called, and queues outbound
// frames while disconnected, flushing them in order right after the
// handshake on reconnect.
type Manager struct {
	address string
	delay   time.Duration
	dialer  transport.Dialer
	log     *zap.Logger

	mu      sync.Mutex
	state   State
	lastErr error
	userID  string
	sock    transport.Socket
	queue   [][]byte
	timer   *time.Timer
	gen     int
	closed  bool
	onState func(State)
	onFrame func([]byte)
}

// NewManager creates a Manager. It stays idle until Connect.
func NewManager(cfg Config) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.WebSocketDialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		address: cfg.Address,
		delay:   cfg.ReconnectDelay,
		dialer:  cfg.Dialer,
		log:     cfg.Logger,
	}
}

// OnFrame registers the inbound frame handler. Must be set before Connect.
func (m *Manager) OnFrame(fn func(data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = fn
}

// OnStateChange registers the state observer. Must be set before Connect.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// Connect starts the connection cycle for userID. It returns immediately;
// progress is observable through OnStateChange. Calling Connect twice, with
// an empty user id, or after Close is an error.
func (m *Manager) Connect(userID string) error {
	if userID == "" {
		return fmt.Errorf("user id must not be empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("connection manager is closed")
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("already connecting")
	}
	m.userID = userID
	m.state = StateConnecting
	notify := m.onState
	m.mu.Unlock()

	if notify != nil {
		notify(StateConnecting)
	}
	go m.dial()
	return nil
}

// Send writes the frame immediately when connected, otherwise queues it.
// Queued frames survive until flushed on reconnect or dropped by Close.
func (m *Manager) Send(frame []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.state != StateConnected || m.sock == nil {
		m.queue = append(m.queue, frame)
		m.mu.Unlock()
		return
	}
	sock := m.sock
	if err := sock.Send(frame); err != nil {
		// The socket is dead. Drop it immediately so every later Send takes
		// the queue path behind this frame; the queue is empty while
		// connected, so appending keeps enqueue order for the reconnect
		// flush. The transport's close callback drives the reconnect.
		m.sock = nil
		m.queue = append(m.queue, frame)
		m.lastErr = err
		m.mu.Unlock()
		m.log.Warn("send failed, frame queued for reconnect", zap.Error(err))
		return
	}
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport error, or nil. It is the
// "errored" indicator the UI may display; control flow never branches on it.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Close tears the manager down: it cancels any pending reconnect, closes the
// live socket and returns to idle. The manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	sock := m.sock
	m.sock = nil
	m.queue = nil
	m.state = StateIdle
	notify := m.onState
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close(1000, "client torn down")
	}
	if notify != nil {
		notify(StateIdle)
	}
}

// dial performs one connection attempt for the current generation. On
// success it sends the handshake, flushes the queue in enqueue order and
// enters connected; on failure it schedules the next attempt.
func (m *Manager) dial() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	userID := m.userID
	m.mu.Unlock()

	ev := transport.Events{
		OnFrame: m.handleFrame,
		OnError: m.handleError,
		OnClose: func(code int, reason string) { m.handleClose(gen, code, reason) },
	}

	sock, err := m.dialer.Dial(context.Background(), m.dialAddress(userID), ev)
	if err != nil {
		m.log.Warn("dial failed", zap.String("address", m.address), zap.Error(err))
		m.handleClose(gen, 1006, err.Error())
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		_ = sock.Close(1000, "superseded")
		return
	}
	m.sock = sock

	// Handshake first, then the queued frames in enqueue order. Holding the
	// lock here keeps concurrent Send calls from slipping in between.
	if err := sock.Send(protocol.HandshakeFrame(userID)); err != nil {
		m.lastErr = err
		m.mu.Unlock()
		m.log.Warn("handshake failed", zap.Error(err))
		return
	}
	for len(m.queue) > 0 {
		frame := m.queue[0]
		if err := sock.Send(frame); err != nil {
			m.lastErr = err
			m.mu.Unlock()
			m.log.Warn("queue flush interrupted", zap.Error(err))
			return
		}
		m.queue = m.queue[1:]
	}
	m.state = StateConnected
	m.lastErr = nil
	notify := m.onState
	m.mu.Unlock()

	m.log.Info("connected", zap.String("user_id", userID))
	if notify != nil {
		notify(StateConnected)
	}
}

// handleClose reacts to the socket closing (remote close, read error or
// failed dial): it enters disconnected and schedules the reconnect.
func (m *Manager) handleClose(gen int, code int, reason string) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.sock = nil
	m.state = StateDisconnected
	m.timer = time.AfterFunc(m.delay, m.reconnect)
	notify := m.onState
	m.mu.Unlock()

	m.log.Info("disconnected",
		zap.Int("code", code), zap.String("reason", reason),
		zap.Duration("retry_in", m.delay))
	if notify != nil {
		notify(StateDisconnected)
	}
}

// reconnect fires from the backoff timer.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	notify := m.onState
	m.mu.Unlock()

	if notify != nil {
		notify(StateConnecting)
	}
	m.dial()
}

func (m *Manager) handleFrame(data []byte) {
	m.mu.Lock()
	fn := m.onFrame
	m.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (m *Manager) handleError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.log.Warn("transport error", zap.Error(err))
}

func (m *Manager) dialAddress(userID string) string {
	return strings.TrimSuffix(m.address, "/") + "/" + userID
}
