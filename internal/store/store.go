// Package store defines the persistence boundary for transcript history.
//
// The hub consumes this interface as an append-only write plus chronological
// reads; it never inspects storage internals. Implementations live in the
// postgres and badger subpackages, with a hand-rolled test double in mock.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNoConversations is returned by LastConversation when the store holds no
// conversations yet.
var ErrNoConversations = errors.New("store: no conversations")

// Conversation is the externally owned unit of persistence grouping
// transcript messages. The hub treats the ID as opaque.
type Conversation struct {
	ID        int64
	Title     string
	CreatedAt time.Time
}

// Message is one finalised transcript line as persisted.
type Message struct {
	ID             int64
	ConversationID int64
	SourceText     string
	TargetText     string
	SourceLanguage string
	Timestamp      time.Time
}

// Store is the durable transcript log. All methods are safe for concurrent
// use and must respect context cancellation.
type Store interface {
	// CreateConversation opens a new conversation with the given title and
	// returns it with its assigned ID.
	CreateConversation(ctx context.Context, title string) (Conversation, error)

	// LastConversation returns the most recently created conversation, or
	// [ErrNoConversations] when the store is empty.
	LastConversation(ctx context.Context) (Conversation, error)

	// Conversations returns all conversations, newest first.
	Conversations(ctx context.Context) ([]Conversation, error)

	// AppendMessage appends one finalised message to a conversation.
	AppendMessage(ctx context.Context, conversationID int64, msg Message) error

	// MessagesByConversation returns a conversation's messages in
	// chronological order (oldest first).
	MessagesByConversation(ctx context.Context, conversationID int64) ([]Message, error)

	// Ping probes the underlying storage. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}
