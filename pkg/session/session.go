// Package session ties one open conversation together: it owns the message
// store, submits sends through the gateway, and reconciles gateway results
// with push-channel events so that every user-initiated send produces
// exactly one message, whatever order the confirmations arrive in.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetgrid/ordertalk/pkg/chat"
	"github.com/fleetgrid/ordertalk/pkg/events"
	"github.com/fleetgrid/ordertalk/pkg/gateway"
	"github.com/fleetgrid/ordertalk/pkg/logger"
	"github.com/fleetgrid/ordertalk/pkg/store"
)

var (
	// ErrNoRecipient is returned when the conversation has no usable contact
	// address for the recipient.
	ErrNoRecipient = errors.New("recipient has no contact address")

	// ErrClosed is returned by Send after the session was closed.
	ErrClosed = errors.New("session closed")
)

// Gateway submits one outbound message. Implemented by gateway.Client.
type Gateway interface {
	Send(ctx context.Context, conversationID string, req gateway.SendRequest) (*chat.Message, error)
}

// RoomManager scopes push-channel event delivery to one conversation.
// Implemented by channel.Manager.
type RoomManager interface {
	JoinRoom(conversationID string) error
	LeaveRoom(conversationID string) error
}

// Config describes the conversation a session is opened for.
type Config struct {
	ConversationID    string
	SenderRole        string
	RecipientAddress  string
	MaxAttachmentSize int64
}

// SendInput is one user-initiated send.
type SendInput struct {
	Content    string
	Kind       chat.Kind
	Attachment *chat.Attachment
}

// Session is the reconciliation coordinator for one open conversation.
// Create one when the conversation is opened, run its event loop, close it
// when the user navigates away; the store is discarded with it.
type Session struct {
	cfg   Config
	store *store.Store
	gw    Gateway
	rooms RoomManager
	bus   *events.Bus

	now func() time.Time

	mu       sync.Mutex
	closed   bool
	onUpdate func()
}

func New(cfg Config, gw Gateway, rooms RoomManager, bus *events.Bus) *Session {
	return &Session{
		cfg:   cfg,
		store: store.New(cfg.ConversationID),
		gw:    gw,
		rooms: rooms,
		bus:   bus,
		now:   time.Now,
	}
}

// Store exposes the conversation state for rendering. Mutations still only
// happen through the session.
func (s *Session) Store() *store.Store {
	return s.store
}

// SetUpdateHandler registers a callback invoked after every store mutation.
func (s *Session) SetUpdateHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Send validates the input, inserts an optimistic message with a temporary
// id, and submits it through the gateway asynchronously. Returns the
// temporary id. Validation failures are returned directly and the message
// never enters the store.
func (s *Session) Send(ctx context.Context, in SendInput) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if in.Kind == "" {
		in.Kind = chat.KindText
	}
	if in.Content == "" && in.Attachment == nil {
		return "", gateway.ErrEmptyMessage
	}
	if s.cfg.RecipientAddress == "" {
		return "", ErrNoRecipient
	}
	if in.Kind == chat.KindFile {
		if err := chat.ValidateAttachment(in.Attachment, s.cfg.MaxAttachmentSize); err != nil {
			return "", err
		}
	}

	msg := chat.Message{
		ID:             chat.NewTemporaryID(),
		ConversationID: s.cfg.ConversationID,
		Direction:      chat.DirectionOutbound,
		Content:        in.Content,
		Kind:           in.Kind,
		Attachment:     in.Attachment,
		DeliveryStatus: chat.StatusSending,
		CreatedAt:      s.now(),
	}
	if msg.Kind == chat.KindFile && msg.Content == "" {
		msg.Content = "[file] " + in.Attachment.Name
	}

	s.store.Insert(msg)
	s.notify()

	go s.submit(ctx, msg.ID, in)
	return msg.ID, nil
}

// submit performs the single gateway attempt for one optimistic message.
func (s *Session) submit(ctx context.Context, temporaryID string, in SendInput) {
	req := gateway.SendRequest{
		SenderRole:       s.cfg.SenderRole,
		Content:          in.Content,
		Kind:             in.Kind,
		RecipientAddress: s.cfg.RecipientAddress,
	}
	if in.Attachment != nil {
		req.AttachmentName = in.Attachment.Name
	}

	confirmed, err := s.gw.Send(ctx, s.cfg.ConversationID, req)
	if err != nil {
		logger.WarnCF("session", "Send failed", map[string]any{
			"conversation": s.cfg.ConversationID,
			"temporary_id": temporaryID,
			"error":        err.Error(),
		})
		// The id stays temporary: a failed message is never reconciled.
		// Resend is a fresh Send with a new temporary id.
		if s.store.Patch(temporaryID, func(m *chat.Message) bool {
			if m.DeliveryStatus == chat.StatusFailed {
				return false
			}
			m.DeliveryStatus = chat.StatusFailed
			return true
		}) {
			s.notify()
		}
		return
	}

	s.reconcile(temporaryID, *confirmed)
}

// reconcile replaces the optimistic entry with the confirmed message.
// Idempotent: whichever of the gateway result and the push event arrives
// first wins; once the temporary id is gone the second arrival is a no-op.
func (s *Session) reconcile(temporaryID string, confirmed chat.Message) {
	if confirmed.ConversationID != "" && confirmed.ConversationID != s.cfg.ConversationID {
		logger.DebugCF("session", "Discarding confirmation for other conversation", map[string]any{
			"conversation": confirmed.ConversationID,
		})
		return
	}
	if s.store.Reconcile(temporaryID, confirmed) {
		s.notify()
	}
}

// Run is the session's event loop. It re-joins the conversation room on
// every Connected event (join requests are not queued while disconnected)
// and dispatches push events until the bus closes or ctx is done.
func (s *Session) Run(ctx context.Context) {
	// Best-effort initial join; if the channel is down the Connected event
	// will trigger the re-join.
	if err := s.rooms.JoinRoom(s.cfg.ConversationID); err != nil {
		logger.DebugCF("session", "Initial join deferred", map[string]any{
			"conversation": s.cfg.ConversationID,
		})
	}

	for {
		ev, ok := s.bus.Consume(ctx)
		if !ok {
			return
		}

		switch e := ev.(type) {
		case events.Connected:
			if err := s.rooms.JoinRoom(s.cfg.ConversationID); err != nil {
				logger.WarnCF("session", "Re-join failed", map[string]any{
					"conversation": s.cfg.ConversationID,
					"error":        err.Error(),
				})
			}
		case events.Disconnected:
			logger.InfoCF("session", "Channel disconnected", map[string]any{
				"reason": e.Reason,
			})
		case events.MessageConfirmed:
			s.reconcile(e.TemporaryID, e.Message)
		case events.NewMessage:
			s.handleNewMessage(e)
		case events.StatusChanged:
			s.applyStatus(e)
		}
	}
}

// handleNewMessage appends an unsolicited message, deduplicated by permanent
// id. When the event carries a temporary-id correlation it doubles as a
// reconciliation signal; message-updated remains the canonical one, so both
// paths stay idempotent.
func (s *Session) handleNewMessage(e events.NewMessage) {
	if e.Message.ConversationID != s.cfg.ConversationID {
		// Transport should scope delivery by room already; filter anyway.
		return
	}

	if e.TemporaryID != "" && s.store.Reconcile(e.TemporaryID, e.Message) {
		s.notify()
		return
	}

	if s.store.Insert(e.Message) {
		s.notify()
	}
}

// applyStatus is the delivery status reducer: it applies a status event to
// an existing message, enforcing lifecycle monotonicity. Events for unknown
// ids (not yet reconciled, or another conversation) and stale or duplicate
// updates are discarded, which makes reduction commutative over reordered
// carrier callbacks.
func (s *Session) applyStatus(e events.StatusChanged) {
	applied := s.store.Patch(e.MessageID, func(m *chat.Message) bool {
		if m.DeliveryStatus == chat.StatusFailed {
			return false
		}
		if e.Patch.DeliveryStatus != "" {
			if !chat.CanTransition(m.DeliveryStatus, e.Patch.DeliveryStatus) {
				return false
			}
			m.DeliveryStatus = e.Patch.DeliveryStatus
		}
		if e.Patch.CarrierRef != "" {
			m.CarrierRef = e.Patch.CarrierRef
		}
		if e.Patch.ReadAt != nil {
			m.ReadAt = e.Patch.ReadAt
		}
		return true
	})

	if applied {
		s.notify()
	} else {
		logger.DebugCF("session", "Discarding stale status event", map[string]any{
			"message_id": e.MessageID,
			"status":     string(e.Patch.DeliveryStatus),
		})
	}
}

// Close leaves the room and stops accepting sends. In-flight sends are not
// cancelled; their completions reconcile only while the session is open.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.rooms.LeaveRoom(s.cfg.ConversationID); err != nil {
		logger.DebugCF("session", "Leave room skipped", map[string]any{
			"conversation": s.cfg.ConversationID,
		})
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
