package store

import (
	"errors"
	"sync"
)

// ErrConversationBusy is returned when a turn is already in progress on a
// conversation.
var ErrConversationBusy = errors.New("a turn is already in progress on this conversation")

// turnLocks enforces a single writer per conversation. Readers are
// unrestricted; only message-appending turns take the lock.
type turnLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newTurnLocks() *turnLocks {
	return &turnLocks{held: make(map[string]bool)}
}

// AcquireTurn claims the writer lock for a conversation. It fails
// immediately with ErrConversationBusy rather than queueing: concurrent
// turns on one conversation are a caller bug.
func (db *DB) AcquireTurn(conversationID string) error {
	db.locks.mu.Lock()
	defer db.locks.mu.Unlock()
	if db.locks.held[conversationID] {
		return ErrConversationBusy
	}
	db.locks.held[conversationID] = true
	return nil
}

// ReleaseTurn releases the writer lock. Releasing an unheld lock is a no-op.
func (db *DB) ReleaseTurn(conversationID string) {
	db.locks.mu.Lock()
	defer db.locks.mu.Unlock()
	delete(db.locks.held, conversationID)
}
