package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetgrid/ordertalk/pkg/chat"
	"github.com/fleetgrid/ordertalk/pkg/events"
	"github.com/fleetgrid/ordertalk/pkg/gateway"
)

// fakeGateway lets tests decide when and how a send completes.
type fakeGateway struct {
	mu      sync.Mutex
	reqs    []gateway.SendRequest
	gate    chan struct{} // when non-nil, Send blocks until closed
	respond func(req gateway.SendRequest) (*chat.Message, error)
}

func (g *fakeGateway) Send(ctx context.Context, conversationID string, req gateway.SendRequest) (*chat.Message, error) {
	if g.gate != nil {
		<-g.gate
	}
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	return g.respond(req)
}

type fakeRooms struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
	err    error
}

func (r *fakeRooms) JoinRoom(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.joins = append(r.joins, id)
	return nil
}

func (r *fakeRooms) LeaveRoom(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.leaves = append(r.leaves, id)
	return nil
}

func (r *fakeRooms) joinCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.joins)
}

func confirmed(id, content string, status chat.DeliveryStatus) *chat.Message {
	return &chat.Message{
		ID:             id,
		ConversationID: "ORD-1",
		Direction:      chat.DirectionOutbound,
		Content:        content,
		Kind:           chat.KindText,
		DeliveryStatus: status,
		CreatedAt:      time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestSession(gw Gateway) (*Session, *fakeRooms, *events.Bus) {
	rooms := &fakeRooms{}
	bus := events.NewBus()
	s := New(Config{
		ConversationID:   "ORD-1",
		SenderRole:       "dispatcher",
		RecipientAddress: "+4915112345678",
	}, gw, rooms, bus)
	return s, rooms, bus
}

func TestSend_OptimisticInsert(t *testing.T) {
	gw := &fakeGateway{
		gate: make(chan struct{}), // held until test end: stay optimistic
		respond: func(gateway.SendRequest) (*chat.Message, error) {
			return nil, &gateway.SendError{Reason: "released at test end"}
		},
	}
	defer close(gw.gate)
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	tmpID, err := s.Send(context.Background(), SendInput{Content: "Hello"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !chat.IsTemporaryID(tmpID) {
		t.Fatalf("Send() returned %q, want a temporary id", tmpID)
	}

	m, ok := s.Store().Get(tmpID)
	if !ok {
		t.Fatal("optimistic message missing from store")
	}
	if m.DeliveryStatus != chat.StatusSending {
		t.Errorf("DeliveryStatus = %s, want sending", m.DeliveryStatus)
	}
	if !m.IsOptimistic() {
		t.Error("message should be optimistic before confirmation")
	}
}

func TestSend_ValidationNeverEntersStore(t *testing.T) {
	gw := &fakeGateway{respond: func(gateway.SendRequest) (*chat.Message, error) { return nil, nil }}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	if _, err := s.Send(context.Background(), SendInput{}); !errors.Is(err, gateway.ErrEmptyMessage) {
		t.Fatalf("empty send = %v, want ErrEmptyMessage", err)
	}

	oversized := &chat.Attachment{Name: "site.mp4", ContentType: "video/mp4", Size: 64 << 20}
	if _, err := s.Send(context.Background(), SendInput{Kind: chat.KindFile, Attachment: oversized}); !errors.Is(err, chat.ErrAttachmentTooLarge) {
		t.Fatalf("oversized attachment = %v, want ErrAttachmentTooLarge", err)
	}

	if s.Store().Len() != 0 {
		t.Fatal("validation failures must never enter the store")
	}
}

func TestSend_MissingRecipient(t *testing.T) {
	gw := &fakeGateway{respond: func(gateway.SendRequest) (*chat.Message, error) { return nil, nil }}
	bus := events.NewBus()
	defer bus.Close()
	s := New(Config{ConversationID: "ORD-1", SenderRole: "dispatcher"}, gw, &fakeRooms{}, bus)

	if _, err := s.Send(context.Background(), SendInput{Content: "Hello"}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("Send() = %v, want ErrNoRecipient", err)
	}
}

// Gateway response first, push confirmation second: one message, permanent
// id, second arrival is a no-op.
func TestReconcile_GatewayFirst(t *testing.T) {
	gw := &fakeGateway{
		respond: func(gateway.SendRequest) (*chat.Message, error) {
			return confirmed("m42", "Hello", chat.StatusPending), nil
		},
	}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	tmpID, _ := s.Send(ctx, SendInput{Content: "Hello"})

	waitFor(t, func() bool {
		_, ok := s.Store().Get("m42")
		return ok
	})

	// Late push confirmation for the same temporary id.
	bus.Publish(ctx, events.MessageConfirmed{TemporaryID: tmpID, Message: *confirmed("m42", "Hello", chat.StatusPending)})

	waitFor(t, func() bool { return s.Store().Len() == 1 })
	time.Sleep(50 * time.Millisecond) // allow the duplicate to (not) land

	if n := s.Store().Len(); n != 1 {
		t.Fatalf("store has %d messages, want 1", n)
	}
	if _, ok := s.Store().Get(tmpID); ok {
		t.Fatal("temporary id still present after reconciliation")
	}
}

// Push confirmation first, gateway response second: same outcome.
func TestReconcile_ChannelFirst(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{
		gate: gate,
		respond: func(gateway.SendRequest) (*chat.Message, error) {
			return confirmed("m42", "Hello", chat.StatusPending), nil
		},
	}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	tmpID, _ := s.Send(ctx, SendInput{Content: "Hello"})

	bus.Publish(ctx, events.MessageConfirmed{TemporaryID: tmpID, Message: *confirmed("m42", "Hello", chat.StatusPending)})
	waitFor(t, func() bool {
		_, ok := s.Store().Get("m42")
		return ok
	})

	close(gate) // now let the gateway response land
	time.Sleep(50 * time.Millisecond)

	if n := s.Store().Len(); n != 1 {
		t.Fatalf("store has %d messages, want 1", n)
	}
	m, _ := s.Store().Get("m42")
	if m.DeliveryStatus != chat.StatusPending {
		t.Errorf("DeliveryStatus = %s, want pending", m.DeliveryStatus)
	}
}

func TestSend_FailureIsIsolated(t *testing.T) {
	gw := &fakeGateway{
		respond: func(req gateway.SendRequest) (*chat.Message, error) {
			if req.Content == "fails" {
				return nil, &gateway.SendError{Reason: "recipient unreachable"}
			}
			return confirmed("m50", req.Content, chat.StatusSent), nil
		},
	}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx := context.Background()
	okID, _ := s.Send(ctx, SendInput{Content: "survives"})
	failID, _ := s.Send(ctx, SendInput{Content: "fails"})

	waitFor(t, func() bool {
		m, ok := s.Store().Get(failID)
		return ok && m.DeliveryStatus == chat.StatusFailed
	})
	waitFor(t, func() bool {
		_, ok := s.Store().Get("m50")
		return ok
	})

	failed, _ := s.Store().Get(failID)
	if failed.DeliveryStatus != chat.StatusFailed {
		t.Errorf("failed message status = %s", failed.DeliveryStatus)
	}
	if !chat.IsTemporaryID(failed.ID) {
		t.Error("a failed message must keep its temporary id")
	}
	if _, ok := s.Store().Get(okID); ok {
		t.Error("the successful send should have been reconciled away from its temporary id")
	}
}

// A gateway timeout marks the message failed; the server may still have
// accepted the send and push its confirmation afterwards. The failed entry
// must not be resurrected: it keeps its temporary id, and resend stays a
// fresh Send.
func TestReconcile_LateConfirmationAfterFailure(t *testing.T) {
	gw := &fakeGateway{
		respond: func(gateway.SendRequest) (*chat.Message, error) {
			return nil, &gateway.SendError{Reason: "timeout", Retryable: true}
		},
	}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	tmpID, _ := s.Send(ctx, SendInput{Content: "Hello"})
	waitFor(t, func() bool {
		m, _ := s.Store().Get(tmpID)
		return m.DeliveryStatus == chat.StatusFailed
	})

	bus.Publish(ctx, events.MessageConfirmed{TemporaryID: tmpID, Message: *confirmed("m42", "Hello", chat.StatusPending)})
	time.Sleep(50 * time.Millisecond)

	if _, ok := s.Store().Get("m42"); ok {
		t.Fatal("late confirmation must not reconcile a failed message")
	}
	m, ok := s.Store().Get(tmpID)
	if !ok {
		t.Fatal("failed message should keep its temporary id")
	}
	if m.DeliveryStatus != chat.StatusFailed {
		t.Fatalf("DeliveryStatus = %s, want failed", m.DeliveryStatus)
	}
	if n := s.Store().Len(); n != 1 {
		t.Fatalf("store has %d messages, want 1", n)
	}
}

func TestStatus_NoRegressionAfterFailed(t *testing.T) {
	gw := &fakeGateway{
		respond: func(gateway.SendRequest) (*chat.Message, error) {
			return nil, &gateway.SendError{Reason: "timeout", Retryable: true}
		},
	}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	tmpID, _ := s.Send(ctx, SendInput{Content: "Hello"})
	waitFor(t, func() bool {
		m, _ := s.Store().Get(tmpID)
		return m.DeliveryStatus == chat.StatusFailed
	})

	bus.Publish(ctx, events.StatusChanged{MessageID: tmpID, Patch: events.StatusPatch{DeliveryStatus: chat.StatusDelivered}})
	time.Sleep(50 * time.Millisecond)

	m, _ := s.Store().Get(tmpID)
	if m.DeliveryStatus != chat.StatusFailed {
		t.Fatalf("DeliveryStatus = %s, want failed to stick", m.DeliveryStatus)
	}
}

func TestStatus_OutOfOrderEvents(t *testing.T) {
	gw := &fakeGateway{
		respond: func(gateway.SendRequest) (*chat.Message, error) {
			return confirmed("m42", "Hello", chat.StatusPending), nil
		},
	}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Send(ctx, SendInput{Content: "Hello"})
	waitFor(t, func() bool {
		_, ok := s.Store().Get("m42")
		return ok
	})

	// read arrives before delivered: delivered must be discarded.
	now := time.Now()
	bus.Publish(ctx, events.StatusChanged{MessageID: "m42", Patch: events.StatusPatch{DeliveryStatus: chat.StatusRead, ReadAt: &now}})
	waitFor(t, func() bool {
		m, _ := s.Store().Get("m42")
		return m.DeliveryStatus == chat.StatusRead
	})

	bus.Publish(ctx, events.StatusChanged{MessageID: "m42", Patch: events.StatusPatch{DeliveryStatus: chat.StatusDelivered}})
	time.Sleep(50 * time.Millisecond)

	m, _ := s.Store().Get("m42")
	if m.DeliveryStatus != chat.StatusRead {
		t.Fatalf("DeliveryStatus = %s, want read", m.DeliveryStatus)
	}
	if m.ReadAt == nil {
		t.Error("ReadAt should be set by the read event")
	}
}

func TestStatus_UnknownIDDiscarded(t *testing.T) {
	gw := &fakeGateway{respond: func(gateway.SendRequest) (*chat.Message, error) { return nil, nil }}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	bus.Publish(ctx, events.StatusChanged{MessageID: "m99", Patch: events.StatusPatch{DeliveryStatus: chat.StatusDelivered}})
	time.Sleep(50 * time.Millisecond)

	if s.Store().Len() != 0 {
		t.Fatal("status events for unknown ids must not create messages")
	}
}

func TestNewMessage_Deduplicated(t *testing.T) {
	gw := &fakeGateway{respond: func(gateway.SendRequest) (*chat.Message, error) { return nil, nil }}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	inbound := chat.Message{
		ID:             "m7",
		ConversationID: "ORD-1",
		Direction:      chat.DirectionInbound,
		Content:        "On my way",
		Kind:           chat.KindText,
		CreatedAt:      time.Now(),
	}

	bus.Publish(ctx, events.NewMessage{Message: inbound})
	bus.Publish(ctx, events.NewMessage{Message: inbound}) // replayed
	waitFor(t, func() bool { return s.Store().Len() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if n := s.Store().Len(); n != 1 {
		t.Fatalf("store has %d messages, want 1", n)
	}
}

func TestNewMessage_OtherConversationFiltered(t *testing.T) {
	gw := &fakeGateway{respond: func(gateway.SendRequest) (*chat.Message, error) { return nil, nil }}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	bus.Publish(ctx, events.NewMessage{Message: chat.Message{
		ID:             "m8",
		ConversationID: "ORD-2",
		Direction:      chat.DirectionInbound,
		Content:        "wrong room",
		CreatedAt:      time.Now(),
	}})
	time.Sleep(50 * time.Millisecond)

	if s.Store().Len() != 0 {
		t.Fatal("events for other conversations must be discarded")
	}
}

func TestRun_RejoinsOnConnected(t *testing.T) {
	gw := &fakeGateway{respond: func(gateway.SendRequest) (*chat.Message, error) { return nil, nil }}
	s, rooms, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool { return rooms.joinCount() == 1 })

	bus.Publish(ctx, events.Connected{})
	waitFor(t, func() bool { return rooms.joinCount() == 2 })
}

func TestClose_LeavesRoomAndStopsSends(t *testing.T) {
	gw := &fakeGateway{respond: func(gateway.SendRequest) (*chat.Message, error) { return nil, nil }}
	s, rooms, bus := newTestSession(gw)
	defer bus.Close()

	s.Close()

	rooms.mu.Lock()
	leaves := len(rooms.leaves)
	rooms.mu.Unlock()
	if leaves != 1 {
		t.Fatalf("leaves = %d, want 1", leaves)
	}

	if _, err := s.Send(context.Background(), SendInput{Content: "Hello"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() after Close = %v, want ErrClosed", err)
	}
}

// The end-to-end scenario: optimistic send, gateway confirmation, delivered
// status, then a stale duplicate that must not regress the lifecycle.
func TestScenario_HelloEndToEnd(t *testing.T) {
	gw := &fakeGateway{
		respond: func(gateway.SendRequest) (*chat.Message, error) {
			return confirmed("m42", "Hello", chat.StatusPending), nil
		},
	}
	s, _, bus := newTestSession(gw)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	tmpID, err := s.Send(ctx, SendInput{Content: "Hello"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	m, _ := s.Store().Get(tmpID)
	if m.DeliveryStatus != chat.StatusSending {
		t.Fatalf("optimistic status = %s, want sending", m.DeliveryStatus)
	}

	waitFor(t, func() bool {
		m, ok := s.Store().Get("m42")
		return ok && m.DeliveryStatus == chat.StatusPending
	})
	if n := s.Store().Len(); n != 1 {
		t.Fatalf("store has %d messages, want 1", n)
	}

	bus.Publish(ctx, events.StatusChanged{MessageID: "m42", Patch: events.StatusPatch{DeliveryStatus: chat.StatusDelivered}})
	waitFor(t, func() bool {
		m, _ := s.Store().Get("m42")
		return m.DeliveryStatus == chat.StatusDelivered
	})

	// Stale duplicate arrives late.
	bus.Publish(ctx, events.StatusChanged{MessageID: "m42", Patch: events.StatusPatch{DeliveryStatus: chat.StatusPending}})
	time.Sleep(50 * time.Millisecond)

	m, _ = s.Store().Get("m42")
	if m.DeliveryStatus != chat.StatusDelivered {
		t.Fatalf("DeliveryStatus = %s, want delivered", m.DeliveryStatus)
	}
}
