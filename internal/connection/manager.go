// Package connection owns the single realtime connection of a session. It
// drives the connection state machine and republishes inbound frames on the
// bus as domain events, in the order the transport delivers them.
//
// Joins are fire-and-forget: there is no acknowledgment, so a message sent by
// another participant before the server processes the join may never be
// pushed to this client. Callers that need the full history load it over REST
// after joining.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
)

// ErrTransportUnavailable is returned by actions attempted while the
// connection is not open. The action is dropped, not queued.
var ErrTransportUnavailable = errors.New("transport unavailable")

// errAborted is returned by Connect when Disconnect ran during the dial.
var errAborted = errors.New("connect aborted")

// Manager owns the lifecycle of one persistent connection.
type Manager struct {
	dialer  transport.Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	// mu orders state transitions against conn. attempt is bumped by every
	// Connect and Disconnect so a dial that was overtaken can tell.
	mu      sync.Mutex
	conn    transport.Conn
	attempt uint64
	wg      sync.WaitGroup
}

// NewManager creates a manager in the Disconnected state.
func NewManager(d transport.Dialer, m *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer:  d,
		machine: m,
		bus:     b,
		logger:  logger,
	}
}

// Connect opens the connection with cred as the only authentication
// artifact. It is a no-op when already connecting or connected, and returns
// credential.ErrUnauthenticated without dialing when cred is empty.
func (m *Manager) Connect(ctx context.Context, cred credential.Credential) error {
	if cred == "" {
		return credential.ErrUnauthenticated
	}
	m.mu.Lock()
	if !m.machine.CompareAndTransition(status.Disconnected, status.Connecting) {
		m.mu.Unlock()
		return nil
	}
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	m.logger.Info("connecting", zap.String("token", cred.Mask()))
	conn, err := m.dialer.Dial(ctx, string(cred))
	if err != nil {
		m.mu.Lock()
		dropped := m.attempt == attempt && m.toDisconnectedLocked()
		m.mu.Unlock()
		if dropped {
			m.emitDisconnected(err.Error())
		}
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	if m.attempt != attempt || !m.machine.CompareAndTransition(status.Connecting, status.Connected) {
		m.mu.Unlock()
		_ = conn.Close()
		return errAborted
	}
	m.conn = conn
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("connected")
	m.bus.Emit(bus.KindConnected, nil)
	go m.readLoop(conn)
	return nil
}

// Disconnect closes the connection, or aborts a dial in progress.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.attempt++
	dropped := m.toDisconnectedLocked()
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close connection", zap.Error(err))
		}
	}
	if dropped {
		m.emitDisconnected("")
	}
}

// Close disconnects and waits for the read goroutine to exit.
func (m *Manager) Close() {
	m.Disconnect()
	m.wg.Wait()
}

// IsConnected reports whether the connection is open.
func (m *Manager) IsConnected() bool {
	return m.machine.Current() == status.Connected
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Join sends a join intent for the conversation.
func (m *Manager) Join(conversationID int64) error {
	return m.emit(transport.EventJoinConversation, joinPayload{ConversationID: conversationID})
}

// Send emits a plain text message with no client id.
func (m *Manager) Send(conversationID int64, content string) error {
	return m.SendMessage(OutboundMessage{ConversationID: conversationID, Content: content, Type: conversation.TypeText})
}

// SendMessage emits msg. No durable id is returned; it arrives later as a
// new_message echo.
func (m *Manager) SendMessage(msg OutboundMessage) error {
	return m.emit(transport.EventSendMessage, msg)
}

// SetTyping emits a presence signal.
func (m *Manager) SetTyping(conversationID int64, isTyping bool) error {
	return m.emit(transport.EventTyping, typingPayload{ConversationID: conversationID, IsTyping: isTyping})
}

func (m *Manager) emit(event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrTransportUnavailable
	}

	f, err := transport.NewFrame(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.Emit(f); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// toDisconnectedLocked moves the machine to Disconnected and reports whether
// it changed. Callers hold m.mu.
func (m *Manager) toDisconnectedLocked() bool {
	return m.machine.CompareAndTransition(status.Connected, status.Disconnected) ||
		m.machine.CompareAndTransition(status.Connecting, status.Disconnected)
}

func (m *Manager) emitDisconnected(reason string) {
	m.bus.Emit(bus.KindDisconnected, DisconnectEvent{Reason: reason})
}

func (m *Manager) readLoop(conn transport.Conn) {
	defer m.wg.Done()
	for {
		f, err := conn.Receive()
		if errors.Is(err, transport.ErrMalformedFrame) {
			continue
		}
		if err != nil {
			m.mu.Lock()
			current := m.conn == conn
			dropped := false
			if current {
				m.conn = nil
				dropped = m.toDisconnectedLocked()
			}
			m.mu.Unlock()

			if current {
				m.logger.Error("connection lost", zap.Error(err))
				_ = conn.Close()
				if dropped {
					m.emitDisconnected(err.Error())
				}
			}
			return
		}
		m.dispatch(f)
	}
}

func (m *Manager) dispatch(f transport.Frame) {
	switch f.Event {
	case transport.EventNewMessage:
		var msg conversation.Message
		if err := f.Decode(&msg); err != nil || msg.ConversationID == 0 {
			m.logger.Debug("dropping new_message", zap.Error(err))
			return
		}
		m.bus.Emit(bus.KindMessageReceived, msg)
	case transport.EventTyping:
		var evt TypingEvent
		if err := f.Decode(&evt); err != nil || evt.Username == "" {
			m.logger.Debug("dropping typing", zap.Error(err))
			return
		}
		m.bus.Emit(bus.KindTypingReceived, evt)
	case transport.EventMessageDelivered, transport.EventMessageRead:
		var evt ReceiptEvent
		if err := f.Decode(&evt); err != nil || evt.MessageID == 0 {
			m.logger.Debug("dropping receipt", zap.String("event", f.Event), zap.Error(err))
			return
		}
		kind := bus.KindDeliveryReceived
		if f.Event == transport.EventMessageRead {
			kind = bus.KindReadReceived
		}
		m.bus.Emit(kind, evt)
	default:
		m.logger.Debug("ignoring frame", zap.String("event", f.Event))
	}
}
