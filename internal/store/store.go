package store

import (
	"database/sql"

	"github.com/zjrosen/easync/internal/pubsub"
)

// ChangeEvent describes a store mutation. Observers subscribe to the
// per-table brokers; the payload identifies the changed row.
type ChangeEvent struct {
	Table     string
	ID        int64
	AccountID int64
}

// Store wraps the database and the change brokers.
type Store struct {
	db *sql.DB

	accounts  *pubsub.Broker[ChangeEvent]
	mailboxes *pubsub.Broker[ChangeEvent]
	// messages fires for every message mutation; syncedMessages fires
	// only for local edits/deletes that require an upsync.
	messages       *pubsub.Broker[ChangeEvent]
	syncedMessages *pubsub.Broker[ChangeEvent]
}

// New wraps an open database. Callers own the database lifetime; Close
// shuts the brokers but not the connection.
func New(db *sql.DB) *Store {
	return &Store{
		db:             db,
		accounts:       pubsub.NewBroker[ChangeEvent](),
		mailboxes:      pubsub.NewBroker[ChangeEvent](),
		messages:       pubsub.NewBroker[ChangeEvent](),
		syncedMessages: pubsub.NewBroker[ChangeEvent](),
	}
}

// Close shuts down the change brokers.
func (s *Store) Close() {
	s.accounts.Close()
	s.mailboxes.Close()
	s.messages.Close()
	s.syncedMessages.Close()
}

// Accounts returns the broker publishing account-table changes.
func (s *Store) Accounts() *pubsub.Broker[ChangeEvent] { return s.accounts }

// Mailboxes returns the broker publishing mailbox-table changes.
func (s *Store) Mailboxes() *pubsub.Broker[ChangeEvent] { return s.mailboxes }

// Messages returns the broker publishing all message-table changes.
func (s *Store) Messages() *pubsub.Broker[ChangeEvent] { return s.messages }

// SyncedMessages returns the broker publishing local message edits that
// are pending upsync (dirty or deleted marks).
func (s *Store) SyncedMessages() *pubsub.Broker[ChangeEvent] { return s.syncedMessages }

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }
