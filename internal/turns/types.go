package turns

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("turn not found")

// TurnRecord stores one conversational exchange. Immutable once written;
// Sequence is the authoritative ordering, Timestamp is display only.
type TurnRecord struct {
	TurnID         string    `json:"turn_id"`
	ConversationID string    `json:"conversation_id"`
	BlockID        string    `json:"block_id"`
	Sequence       uint64    `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
	Text           string    `json:"text"`
	EmbeddingRef   string    `json:"embedding_ref,omitempty"`
}

// Store persists the turn log.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	Get(ctx context.Context, conversationID, turnID string) (TurnRecord, error)
	// ListByBlock returns a block's turns in ascending sequence order.
	ListByBlock(ctx context.Context, conversationID, blockID string) ([]TurnRecord, error)
	// Recent returns the newest turns of a conversation in ascending
	// sequence order.
	Recent(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error)
	Close() error
}
