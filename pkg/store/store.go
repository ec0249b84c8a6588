// Package store holds the in-memory message collection for the one
// conversation that is currently open. It is the single mutation surface for
// conversation state: every other component only reads snapshots or goes
// through Insert, Reconcile and Patch.
package store

import (
	"sync"

	"github.com/fleetgrid/ordertalk/pkg/chat"
)

// Store is an ordered message collection for one conversation. Messages are
// totally ordered by CreatedAt with ties broken by insertion order; existing
// entries are never reordered, only replaced or patched in place.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	messages       []chat.Message
	index          map[string]int // message id -> slot in messages
}

func New(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		index:          make(map[string]int),
	}
}

// ConversationID returns the owning conversation id.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Insert adds a message in CreatedAt order. Returns false without modifying
// the store when a message with the same id already exists, which is the
// dedup rule for replayed push events.
func (s *Store) Insert(msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[msg.ID]; exists {
		return false
	}

	// Insertion point: after every entry with CreatedAt <= msg.CreatedAt,
	// so equal timestamps keep insertion order.
	pos := len(s.messages)
	for pos > 0 && s.messages[pos-1].CreatedAt.After(msg.CreatedAt) {
		pos--
	}

	s.messages = append(s.messages, chat.Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = msg

	for i := pos + 1; i < len(s.messages); i++ {
		s.index[s.messages[i].ID] = i
	}
	s.index[msg.ID] = pos
	return true
}

// Reconcile replaces the entry with the given temporary id by the confirmed
// message, in place: the slot keeps its position so reconciliation never
// reorders the conversation. Returns false when no entry with temporaryID
// exists, which makes a second reconciliation for the same id a no-op.
func (s *Store) Reconcile(temporaryID string, confirmed chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[temporaryID]
	if !ok {
		return false
	}

	// A failed send keeps its temporary id; a late confirmation must not
	// resurrect it. Resend is a fresh send with a new temporary id.
	if s.messages[pos].DeliveryStatus == chat.StatusFailed {
		return false
	}

	delete(s.index, temporaryID)

	// The confirmed message may already be present when its push echo beat
	// the gateway response; drop the optimistic entry instead of
	// duplicating the permanent id.
	if existing, dup := s.index[confirmed.ID]; dup && existing != pos {
		s.messages = append(s.messages[:pos], s.messages[pos+1:]...)
		for i := pos; i < len(s.messages); i++ {
			s.index[s.messages[i].ID] = i
		}
		return true
	}

	s.messages[pos] = confirmed
	s.index[confirmed.ID] = pos
	return true
}

// Patch applies fn to the message with the given id under the store lock.
// fn reports whether it modified the message; Patch returns false when the
// id is unknown or fn declined the update.
func (s *Store) Patch(id string, fn func(*chat.Message) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return false
	}
	return fn(&s.messages[pos])
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[id]
	if !ok {
		return chat.Message{}, false
	}
	return s.messages[pos], true
}

// Snapshot returns a copy of the ordered message list.
func (s *Store) Snapshot() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
