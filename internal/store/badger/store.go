// Package badger provides an embedded implementation of [store.Store] backed
// by a Badger key-value database.
//
// It suits single-host deployments where running a PostgreSQL server is
// overkill. Conversations and messages are stored as JSON values under
// big-endian numeric keys so that byte-ordered iteration yields insertion
// order:
//
//	conv/<id>            -> conversation JSON
//	msg/<convID>/<msgID> -> message JSON
//
// IDs come from Badger sequences and are monotonically increasing.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/avrillon/liveterp/internal/store"
)

var _ store.Store = (*Store)(nil)

const (
	convPrefix = "conv/"
	msgPrefix  = "msg/"

	// sequenceBandwidth is how many IDs each sequence lease claims at once.
	// Unused IDs in a lease are lost on Close, leaving gaps, which is fine.
	sequenceBandwidth = 64
)

// Store implements [store.Store] on an embedded Badger database.
// All operations are safe for concurrent use.
type Store struct {
	db      *badger.DB
	convSeq *badger.Sequence
	msgSeq  *badger.Sequence
}

// Open opens (or creates) the Badger database at dir and prepares the ID
// sequences. The returned Store must be closed with [Store.Close] to release
// the database lock.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger store: open %q: %w", dir, err)
	}

	convSeq, err := db.GetSequence([]byte("seq/conversations"), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger store: conversation sequence: %w", err)
	}
	msgSeq, err := db.GetSequence([]byte("seq/messages"), sequenceBandwidth)
	if err != nil {
		_ = convSeq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("badger store: message sequence: %w", err)
	}

	return &Store{db: db, convSeq: convSeq, msgSeq: msgSeq}, nil
}

// convKey returns the key for a conversation record.
func convKey(id int64) []byte {
	key := make([]byte, len(convPrefix)+8)
	copy(key, convPrefix)
	binary.BigEndian.PutUint64(key[len(convPrefix):], uint64(id))
	return key
}

// msgKey returns the key for a message record within a conversation.
func msgKey(conversationID, msgID int64) []byte {
	key := make([]byte, len(msgPrefix)+17)
	copy(key, msgPrefix)
	binary.BigEndian.PutUint64(key[len(msgPrefix):], uint64(conversationID))
	key[len(msgPrefix)+8] = '/'
	binary.BigEndian.PutUint64(key[len(msgPrefix)+9:], uint64(msgID))
	return key
}

// msgConvPrefix returns the key prefix covering every message of one
// conversation.
func msgConvPrefix(conversationID int64) []byte {
	prefix := make([]byte, len(msgPrefix)+9)
	copy(prefix, msgPrefix)
	binary.BigEndian.PutUint64(prefix[len(msgPrefix):], uint64(conversationID))
	prefix[len(msgPrefix)+8] = '/'
	return prefix
}

// CreateConversation implements [store.Store].
func (s *Store) CreateConversation(_ context.Context, title string) (store.Conversation, error) {
	next, err := s.convSeq.Next()
	if err != nil {
		return store.Conversation{}, fmt.Errorf("badger store: next conversation id: %w", err)
	}
	conv := store.Conversation{
		ID:        int64(next) + 1, // sequences start at 0; IDs start at 1
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}

	val, err := json.Marshal(conv)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("badger store: marshal conversation: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(convKey(conv.ID), val)
	})
	if err != nil {
		return store.Conversation{}, fmt.Errorf("badger store: create conversation: %w", err)
	}
	return conv, nil
}

// LastConversation implements [store.Store].
func (s *Store) LastConversation(_ context.Context) (store.Conversation, error) {
	var conv store.Conversation
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(convPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible conversation key, then step back.
		seek := convKey(-1) // all 0xff id bytes
		for it.Seek(seek); it.Valid(); it.Next() {
			found = true
			return it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &conv)
			})
		}
		return nil
	})
	if err != nil {
		return store.Conversation{}, fmt.Errorf("badger store: last conversation: %w", err)
	}
	if !found {
		return store.Conversation{}, store.ErrNoConversations
	}
	return conv, nil
}

// Conversations implements [store.Store]. Newest first.
func (s *Store) Conversations(_ context.Context) ([]store.Conversation, error) {
	convs := []store.Conversation{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(convPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(convKey(-1)); it.Valid(); it.Next() {
			var conv store.Conversation
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &conv)
			})
			if err != nil {
				return err
			}
			convs = append(convs, conv)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger store: list conversations: %w", err)
	}
	return convs, nil
}

// AppendMessage implements [store.Store].
func (s *Store) AppendMessage(_ context.Context, conversationID int64, msg store.Message) error {
	next, err := s.msgSeq.Next()
	if err != nil {
		return fmt.Errorf("badger store: next message id: %w", err)
	}
	msg.ID = int64(next) + 1
	msg.ConversationID = conversationID

	val, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("badger store: marshal message: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(msgKey(conversationID, msg.ID), val)
	})
	if err != nil {
		return fmt.Errorf("badger store: append message: %w", err)
	}
	return nil
}

// MessagesByConversation implements [store.Store]. Message IDs are monotonic,
// so byte-ordered iteration returns messages in append order, which is
// chronological for a live transcript.
func (s *Store) MessagesByConversation(_ context.Context, conversationID int64) ([]store.Message, error) {
	msgs := []store.Message{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgConvPrefix(conversationID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var msg store.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger store: messages: %w", err)
	}
	return msgs, nil
}

// Ping implements [store.Store]. Badger is in-process, so a closed database
// is the only unhealthy state worth reporting.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger store: database is closed")
	}
	return nil
}

// Close implements [store.Store]. It releases the ID sequences and the
// database lock.
func (s *Store) Close() error {
	_ = s.convSeq.Release()
	_ = s.msgSeq.Release()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badger store: close: %w", err)
	}
	return nil
}
