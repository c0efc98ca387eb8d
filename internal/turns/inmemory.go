package turns

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process turn log for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	byConv  map[string][]TurnRecord
	byID    map[string]TurnRecord
	byBlock map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byConv:  make(map[string][]TurnRecord),
		byID:    make(map[string]TurnRecord),
		byBlock: make(map[string][]TurnRecord),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.TurnID == "" {
		record.TurnID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if _, ok := s.byID[record.TurnID]; ok {
		// Retried turns reuse their id; the first write wins.
		return nil
	}
	s.byID[record.TurnID] = record
	s.byConv[record.ConversationID] = insertBySequence(s.byConv[record.ConversationID], record)
	s.byBlock[record.BlockID] = insertBySequence(s.byBlock[record.BlockID], record)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, conversationID, turnID string) (TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[turnID]
	if !ok || rec.ConversationID != conversationID {
		return TurnRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) ListByBlock(_ context.Context, conversationID, blockID string) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.byBlock[blockID]
	out := make([]TurnRecord, 0, len(arr))
	for _, rec := range arr {
		if rec.ConversationID == conversationID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Recent(_ context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.byConv[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func insertBySequence(arr []TurnRecord, rec TurnRecord) []TurnRecord {
	pos := sort.Search(len(arr), func(i int) bool { return arr[i].Sequence > rec.Sequence })
	arr = append(arr, TurnRecord{})
	copy(arr[pos+1:], arr[pos:])
	arr[pos] = rec
	return arr
}
