package facts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process fact store for local/dev use. Each key
// carries its own lock, so writers to different keys never contend.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversationFacts
}

type conversationFacts struct {
	mu           sync.RWMutex
	keys         map[string]*keyHistory
	lastSequence uint64
}

type keyHistory struct {
	mu      sync.Mutex
	records []*FactRecord // ordered by EffectiveFromSequence
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{conversations: make(map[string]*conversationFacts)}
}

func (s *InMemoryStore) Upsert(_ context.Context, a Assertion) (FactRecord, error) {
	conv := s.conversation(a.ConversationID)

	conv.mu.Lock()
	if a.Sequence > conv.lastSequence {
		conv.lastSequence = a.Sequence
	}
	hist, ok := conv.keys[a.Key]
	if !ok {
		hist = &keyHistory{}
		conv.keys[a.Key] = hist
	}
	conv.mu.Unlock()

	hist.mu.Lock()
	defer hist.mu.Unlock()

	// Idempotent replay: a retried turn reuses its sequence.
	for _, rec := range hist.records {
		if rec.EffectiveFromSequence == a.Sequence {
			rec.Value = a.Value
			rec.SourceTurnID = a.SourceTurnID
			rec.Pinned = a.Pinned
			rec.PolicyFlagged = a.PolicyFlagged
			return *rec, nil
		}
	}

	observedAt := a.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	rec := &FactRecord{
		FactID:                uuid.NewString(),
		ConversationID:        a.ConversationID,
		Key:                   a.Key,
		Value:                 a.Value,
		EffectiveFromSequence: a.Sequence,
		SourceTurnID:          a.SourceTurnID,
		Pinned:                a.Pinned,
		PolicyFlagged:         a.PolicyFlagged,
		CreatedAt:             observedAt,
	}

	pos := sort.Search(len(hist.records), func(i int) bool {
		return hist.records[i].EffectiveFromSequence > a.Sequence
	})
	if pos < len(hist.records) {
		// Late-arriving write: its interval ends where the next record begins.
		next := hist.records[pos].EffectiveFromSequence
		rec.SupersededAtSequence = &next
	}
	if pos > 0 {
		seq := a.Sequence
		hist.records[pos-1].SupersededAtSequence = &seq
	}

	hist.records = append(hist.records, nil)
	copy(hist.records[pos+1:], hist.records[pos:])
	hist.records[pos] = rec

	return *rec, nil
}

func (s *InMemoryStore) Current(_ context.Context, conversationID, key string) (FactRecord, error) {
	hist := s.history(conversationID, key)
	if hist == nil {
		return FactRecord{}, ErrNotFound
	}
	hist.mu.Lock()
	defer hist.mu.Unlock()
	if len(hist.records) == 0 {
		return FactRecord{}, ErrNotFound
	}
	last := hist.records[len(hist.records)-1]
	if !last.Current() {
		return FactRecord{}, ErrNotFound
	}
	return *last, nil
}

func (s *InMemoryStore) CurrentAsOf(_ context.Context, conversationID, key string, asOf uint64) (FactRecord, error) {
	hist := s.history(conversationID, key)
	if hist == nil {
		return FactRecord{}, ErrNotFound
	}
	hist.mu.Lock()
	defer hist.mu.Unlock()
	for i := len(hist.records) - 1; i >= 0; i-- {
		if hist.records[i].Covers(asOf) {
			return *hist.records[i], nil
		}
	}
	return FactRecord{}, ErrNotFound
}

func (s *InMemoryStore) History(_ context.Context, conversationID, key string) ([]FactRecord, error) {
	hist := s.history(conversationID, key)
	if hist == nil {
		return nil, nil
	}
	hist.mu.Lock()
	defer hist.mu.Unlock()
	out := make([]FactRecord, 0, len(hist.records))
	for _, rec := range hist.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *InMemoryStore) Snapshot(_ context.Context, conversationID string) (Snapshot, error) {
	snap := Snapshot{
		ConversationID:   conversationID,
		Current:          make(map[string]FactRecord),
		StaleSourceTurns: make(map[string]bool),
	}

	s.mu.RLock()
	conv, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if !ok {
		return snap, nil
	}

	conv.mu.RLock()
	snap.AsOfSequence = conv.lastSequence
	hists := make([]*keyHistory, 0, len(conv.keys))
	for _, hist := range conv.keys {
		hists = append(hists, hist)
	}
	conv.mu.RUnlock()

	sourced := make(map[string]bool)
	hasCurrent := make(map[string]bool)
	for _, hist := range hists {
		hist.mu.Lock()
		for _, rec := range hist.records {
			sourced[rec.SourceTurnID] = true
			if rec.Current() {
				snap.Current[rec.Key] = *rec
				hasCurrent[rec.SourceTurnID] = true
			}
		}
		hist.mu.Unlock()
	}
	for turnID := range sourced {
		if turnID != "" && !hasCurrent[turnID] {
			snap.StaleSourceTurns[turnID] = true
		}
	}
	return snap, nil
}

func (s *InMemoryStore) SetPinned(_ context.Context, conversationID, key string, pinned bool) error {
	hist := s.history(conversationID, key)
	if hist == nil {
		return ErrNotFound
	}
	hist.mu.Lock()
	defer hist.mu.Unlock()
	if len(hist.records) == 0 {
		return ErrNotFound
	}
	last := hist.records[len(hist.records)-1]
	if !last.Current() {
		return ErrNotFound
	}
	last.Pinned = pinned
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) conversation(conversationID string) *conversationFacts {
	s.mu.RLock()
	conv, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if ok {
		return conv
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return conv
	}
	conv = &conversationFacts{keys: make(map[string]*keyHistory)}
	s.conversations[conversationID] = conv
	return conv
}

func (s *InMemoryStore) history(conversationID, key string) *keyHistory {
	s.mu.RLock()
	conv, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	return conv.keys[key]
}
