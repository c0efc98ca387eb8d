package facts

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("fact not found")

// Store persists versioned fact records. Upserts for the same
// (conversation, key) are serialized by the implementation; distinct keys
// and distinct conversations proceed independently.
type Store interface {
	// Upsert records an assertion. If a current record exists for the key
	// it is superseded at the assertion's sequence; the assertion becomes
	// current. Replaying the same (key, sequence) is idempotent and returns
	// the existing record.
	Upsert(ctx context.Context, a Assertion) (FactRecord, error)

	// Current returns the unsuperseded record for key.
	Current(ctx context.Context, conversationID, key string) (FactRecord, error)

	// CurrentAsOf returns the record whose validity interval contains asOf.
	// A sequence before the first record yields ErrNotFound, never an
	// adjacent value.
	CurrentAsOf(ctx context.Context, conversationID, key string, asOf uint64) (FactRecord, error)

	// History returns all records for key ordered by effective sequence.
	History(ctx context.Context, conversationID, key string) ([]FactRecord, error)

	// Snapshot captures all current records for a conversation.
	Snapshot(ctx context.Context, conversationID string) (Snapshot, error)

	// SetPinned toggles the pin on the current record for key.
	SetPinned(ctx context.Context, conversationID, key string, pinned bool) error

	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
