// Package mock provides an in-memory test double for [store.Store].
//
// The mock records appended messages and created conversations for assertion
// in tests, and exposes exported *Err fields that control what it returns.
// It is safe for concurrent use via an internal [sync.Mutex].
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/avrillon/liveterp/internal/store"
)

// Store is a configurable test double for [store.Store]. All exported *Err
// fields default to nil (success).
type Store struct {
	mu sync.Mutex

	conversations []store.Conversation
	messages      []store.Message
	nextID        int64

	// CreateConversationErr is returned by CreateConversation when non-nil.
	CreateConversationErr error

	// AppendErr is returned by AppendMessage when non-nil.
	AppendErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// CloseCalls counts Close invocations.
	CloseCalls int
}

var _ store.Store = (*Store)(nil)

// CreateConversation implements [store.Store].
func (m *Store) CreateConversation(_ context.Context, title string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateConversationErr != nil {
		return store.Conversation{}, m.CreateConversationErr
	}
	m.nextID++
	conv := store.Conversation{ID: m.nextID, Title: title, CreatedAt: time.Now()}
	m.conversations = append(m.conversations, conv)
	return conv, nil
}

// LastConversation implements [store.Store].
func (m *Store) LastConversation(context.Context) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conversations) == 0 {
		return store.Conversation{}, store.ErrNoConversations
	}
	return m.conversations[len(m.conversations)-1], nil
}

// Conversations implements [store.Store]. Newest first.
func (m *Store) Conversations(context.Context) ([]store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Conversation, 0, len(m.conversations))
	for i := len(m.conversations) - 1; i >= 0; i-- {
		out = append(out, m.conversations[i])
	}
	return out, nil
}

// AppendMessage implements [store.Store].
func (m *Store) AppendMessage(_ context.Context, conversationID int64, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	msg.ConversationID = conversationID
	msg.ID = int64(len(m.messages) + 1)
	m.messages = append(m.messages, msg)
	return nil
}

// MessagesByConversation implements [store.Store]. Chronological order.
func (m *Store) MessagesByConversation(_ context.Context, conversationID int64) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Ping implements [store.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// Close implements [store.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// AppendedMessages returns a copy of every message appended so far.
func (m *Store) AppendedMessages() []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// CreatedConversations returns a copy of every conversation created so far.
func (m *Store) CreatedConversations() []store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Conversation, len(m.conversations))
	copy(out, m.conversations)
	return out
}
