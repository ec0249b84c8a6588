// Package channel maintains the single authenticated push-channel
// connection for a client session and mediates room membership for the
// conversation currently in view.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/fleetgrid/ordertalk/pkg/events"
	"github.com/fleetgrid/ordertalk/pkg/logger"
)

var (
	// ErrClosed is returned after an explicit Close; the manager never
	// reconnects past it.
	ErrClosed = errors.New("channel manager closed")

	// ErrNotConnected is returned by room operations while the channel is
	// down. Join requests are not queued; the caller re-joins once a
	// Connected event fires.
	ErrNotConnected = errors.New("channel not connected")
)

// State is the connection state: disconnected -> connecting -> connected,
// back to disconnected on transport error, with bounded automatic retry.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds the push-channel endpoint and retry policy. The retry policy
// is deliberately bounded with a fixed delay: the user can always force a
// reconnect by re-opening the conversation.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Manager owns one push-channel connection. It is an injectable value, one
// per client session; events surface on the bus passed to NewManager.
type Manager struct {
	cfg Config
	bus *events.Bus

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	room   string
	gen    uint64
	closed bool

	writeMu sync.Mutex
}

func NewManager(cfg Config, bus *events.Bus) *Manager {
	return &Manager{cfg: cfg.withDefaults(), bus: bus}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Room returns the currently joined conversation id, if any.
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Connect establishes the push-channel connection. Idempotent: a no-op while
// already connecting or connected. Without a credential no attempt is made;
// that is logged, not an error, so a logged-out view never spins the retry
// loop. The dial runs asynchronously and completes via Connected /
// Disconnected events on the bus.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if credential == "" {
		m.mu.Unlock()
		logger.WarnC("channel", "No credential available, skipping connect")
		return nil
	}
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	go m.run(ctx, credential, gen)
	return nil
}

// ForceReconnect tears down any existing connection and reconnects with a
// fresh credential. Used when the credential is known to have rotated.
func (m *Manager) ForceReconnect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.room = ""
	m.mu.Unlock()

	return m.Connect(ctx, credential)
}

// JoinRoom subscribes the session to one conversation's events. The room is
// recorded only once the control frame was written; a failed write leaves
// the manager not-joined.
func (m *Manager) JoinRoom(conversationID string) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	m.mu.Unlock()

	if !connected {
		logger.InfoCF("channel", "join-room skipped: not connected", map[string]any{
			"conversation": conversationID,
		})
		return ErrNotConnected
	}

	if err := m.writeEnvelope(conn, typeJoinRoom, roomPayload{ConversationID: conversationID}); err != nil {
		return err
	}

	m.mu.Lock()
	if m.conn == conn {
		m.room = conversationID
	}
	m.mu.Unlock()
	return nil
}

// LeaveRoom unsubscribes from a conversation's events.
func (m *Manager) LeaveRoom(conversationID string) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	if connected && m.room == conversationID {
		m.room = ""
	}
	m.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return m.writeEnvelope(conn, typeLeaveRoom, roomPayload{ConversationID: conversationID})
}

// Close disconnects and makes the manager terminal. Called by the owning
// session on logout.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.room = ""
	m.mu.Unlock()

	logger.InfoC("channel", "Channel connection closed")
}

// run owns one connect generation: dial with bounded retry, pump events
// until the transport drops, retry, until closed or superseded by a
// ForceReconnect.
func (m *Manager) run(ctx context.Context, credential string, gen uint64) {
	for {
		conn, err := m.dialWithRetry(ctx, credential, gen)
		if err != nil {
			m.mu.Lock()
			if m.gen == gen && !m.closed {
				m.state = StateDisconnected
			}
			m.mu.Unlock()
			logger.ErrorCF("channel", "Connection attempts exhausted", map[string]any{
				"error": err.Error(),
			})
			return
		}

		m.mu.Lock()
		if m.gen != gen || m.closed {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.state = StateConnected
		m.mu.Unlock()

		stop := make(chan struct{})
		go m.pingLoop(conn, stop)

		m.bus.Publish(ctx, events.Connected{})
		logger.InfoC("channel", "Push channel connected")

		reason := m.readLoop(ctx, conn)
		close(stop)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		stale := m.gen != gen || m.closed
		if !stale {
			m.state = StateConnecting
			m.room = ""
		}
		m.mu.Unlock()
		conn.Close()

		m.bus.Publish(ctx, events.Disconnected{Reason: reason})

		if stale || ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}

// dialWithRetry makes up to ReconnectAttempts dial attempts with a fixed
// delay between them.
func (m *Manager) dialWithRetry(ctx context.Context, credential string, gen uint64) (*websocket.Conn, error) {
	var lastErr error
	for i := 0; i < m.cfg.ReconnectAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.ReconnectDelay):
			}
		}
		if !m.active(gen) {
			return nil, ErrClosed
		}

		conn, err := m.dial(ctx, credential)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.WarnCF("channel", "Dial failed", map[string]any{
			"attempt": i + 1,
			"error":   err.Error(),
		})
	}
	return nil, fmt.Errorf("connect failed after %d attempts: %w", m.cfg.ReconnectAttempts, lastErr)
}

// dial opens the websocket and performs the auth handshake: send an auth
// envelope with the bearer token, require an auth-ack reply.
func (m *Manager) dial(ctx context.Context, credential string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	frame, err := marshalEnvelope(typeAuth, authPayload{Token: credential})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	if got := gjson.GetBytes(reply, "type").String(); got != typeAuthAck {
		conn.Close()
		return nil, fmt.Errorf("auth handshake: expected %s, got %q", typeAuthAck, got)
	}

	return conn, nil
}

// readLoop pumps server frames onto the event bus until the transport fails
// or the server sends a disconnect envelope. Returns the disconnect reason.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) string {
	conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if m.isClosed() {
				return "closed by client"
			}
			return err.Error()
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

		ev, err := decodeEvent(data)
		if err != nil {
			var srv errServerDisconnect
			if errors.As(err, &srv) {
				return srv.reason
			}
			logger.WarnCF("channel", "Dropping malformed frame", map[string]any{
				"error": err.Error(),
			})
			continue
		}
		if ev == nil {
			logger.DebugCF("channel", "Skipping unknown frame", map[string]any{
				"type": gjson.GetBytes(data, "type").String(),
			})
			continue
		}

		if err := m.bus.Publish(ctx, ev); err != nil {
			return "event bus closed"
		}
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) writeEnvelope(conn *websocket.Conn, typ string, payload any) error {
	frame, err := marshalEnvelope(typ, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) active(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.gen == gen
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
