// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store].
//
// Conversations and messages live in two tables created by [Migrate], which
// runs automatically on [NewStore] and is idempotent, so it is safe to call
// on every application start.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	conv, _ := st.CreateConversation(ctx, "Conversation du 14/03 10:30")
//	_ = st.AppendMessage(ctx, conv.ID, msg)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avrillon/liveterp/internal/store"
)

var _ store.Store = (*Store)(nil)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          BIGSERIAL    PRIMARY KEY,
    title       TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_created_at
    ON conversations (created_at);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id               BIGSERIAL    PRIMARY KEY,
    conversation_id  BIGINT       NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    source_text      TEXT         NOT NULL,
    target_text      TEXT         NOT NULL,
    source_language  TEXT         NOT NULL DEFAULT '',
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id
    ON messages (conversation_id);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_timestamp
    ON messages (conversation_id, timestamp);
`

// Store implements [store.Store] on top of a single [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, and runs [Migrate] to ensure all required
// tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates or ensures all required database tables exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversations, ddlMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

// CreateConversation implements [store.Store].
func (s *Store) CreateConversation(ctx context.Context, title string) (store.Conversation, error) {
	const q = `
		INSERT INTO conversations (title)
		VALUES ($1)
		RETURNING id, title, created_at`

	var conv store.Conversation
	err := s.pool.QueryRow(ctx, q, title).Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("postgres store: create conversation: %w", err)
	}
	return conv, nil
}

// LastConversation implements [store.Store].
func (s *Store) LastConversation(ctx context.Context) (store.Conversation, error) {
	const q = `
		SELECT id, title, created_at
		FROM   conversations
		ORDER  BY id DESC
		LIMIT  1`

	var conv store.Conversation
	err := s.pool.QueryRow(ctx, q).Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Conversation{}, store.ErrNoConversations
	}
	if err != nil {
		return store.Conversation{}, fmt.Errorf("postgres store: last conversation: %w", err)
	}
	return conv, nil
}

// Conversations implements [store.Store]. Newest first.
func (s *Store) Conversations(ctx context.Context) ([]store.Conversation, error) {
	const q = `
		SELECT id, title, created_at
		FROM   conversations
		ORDER  BY id DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list conversations: %w", err)
	}
	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Conversation, error) {
		var c store.Conversation
		err := row.Scan(&c.ID, &c.Title, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan conversations: %w", err)
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	return convs, nil
}

// AppendMessage implements [store.Store].
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, msg store.Message) error {
	const q = `
		INSERT INTO messages
		    (conversation_id, source_text, target_text, source_language, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		conversationID,
		msg.SourceText,
		msg.TargetText,
		msg.SourceLanguage,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append message: %w", err)
	}
	return nil
}

// MessagesByConversation implements [store.Store]. Chronological order.
func (s *Store) MessagesByConversation(ctx context.Context, conversationID int64) ([]store.Message, error) {
	const q = `
		SELECT id, conversation_id, source_text, target_text, source_language, timestamp
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var m store.Message
		err := row.Scan(&m.ID, &m.ConversationID, &m.SourceText, &m.TargetText, &m.SourceLanguage, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close implements [store.Store]. It releases all connections held by the
// underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
