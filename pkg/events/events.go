// Package events defines the typed event surface of the push channel and the
// bounded bus that carries events from the connection manager to the
// conversation session.
package events

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/fleetgrid/ordertalk/pkg/chat"
)

// ErrBusClosed is returned when publishing to a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

// Event is the tagged union of push-channel events. Consumers dispatch with
// a type switch; the set of variants below is closed.
type Event interface {
	isEvent()
}

// Connected fires when the channel connection is established and
// authenticated.
type Connected struct{}

// Disconnected fires when the channel connection is lost or closed.
type Disconnected struct {
	Reason string
}

// NewMessage carries a full message pushed by the backend. TemporaryID is
// the optional correlation field set when the message echoes a send made by
// this client.
type NewMessage struct {
	Message     chat.Message
	TemporaryID string
}

// MessageConfirmed is the explicit reconciliation event: the backend-assigned
// message for a client-generated temporary id.
type MessageConfirmed struct {
	TemporaryID string
	Message     chat.Message
}

// StatusPatch is the mutable part of a delivery-status update.
type StatusPatch struct {
	DeliveryStatus chat.DeliveryStatus
	CarrierRef     string
	ReadAt         *time.Time
}

// StatusChanged carries a delivery-status update for an existing message.
type StatusChanged struct {
	MessageID string
	Patch     StatusPatch
}

func (Connected) isEvent()        {}
func (Disconnected) isEvent()     {}
func (NewMessage) isEvent()       {}
func (MessageConfirmed) isEvent() {}
func (StatusChanged) isEvent()    {}

// Bus is a bounded single-consumer event queue.
type Bus struct {
	events chan Event
	done   chan struct{}
	closed atomic.Bool
}

func NewBus() *Bus {
	return &Bus{
		events: make(chan Event, 100),
		done:   make(chan struct{}),
	}
}

// Publish enqueues ev, blocking while the bus is full. Returns ErrBusClosed
// after Close.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume dequeues the next event. The second return is false when the bus
// is closed or ctx is done.
func (b *Bus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev := <-b.events:
		return ev, true
	case <-b.done:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
