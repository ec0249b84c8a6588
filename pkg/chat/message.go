// Package chat defines the message model for order-scoped conversations:
// the message entity, its delivery lifecycle, and the client-side
// attachment rules.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message was sent by this client or received
// from the other party.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Kind is the message payload kind. Attachment variants (image, video,
// audio, document) are carried as attachment metadata, not separate kinds.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// Attachment is the metadata for a file message. The file content itself is
// stored elsewhere; this subsystem only carries the descriptor.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Message is the central entity of a conversation.
//
// ID is either a temporary identifier (client-generated, "tmp-" prefixed,
// used only until reconciliation) or a permanent identifier assigned by the
// backend. DeliveryStatus is only meaningful for outbound messages.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Direction      Direction      `json:"direction"`
	Content        string         `json:"content"`
	Kind           Kind           `json:"kind"`
	Attachment     *Attachment    `json:"attachment,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status,omitempty"`
	CarrierRef     string         `json:"carrier_ref,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
}

const temporaryIDPrefix = "tmp-"

// NewTemporaryID generates a client-side message identifier used until the
// backend assigns a permanent one.
func NewTemporaryID() string {
	return temporaryIDPrefix + uuid.New().String()
}

// IsTemporaryID reports whether id is a client-generated temporary id.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, temporaryIDPrefix)
}

// IsOptimistic reports whether the message is a local optimistic entry that
// has not yet been confirmed by the backend.
func (m *Message) IsOptimistic() bool {
	return IsTemporaryID(m.ID) || m.DeliveryStatus == StatusSending
}
