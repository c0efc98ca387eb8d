package profile

import (
	"context"
	"sync"
)

// InMemoryStore is an in-process profile store for local/dev use.
type InMemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{scopes: make(map[string]map[string]Entry)}
}

func (s *InMemoryStore) Apply(_ context.Context, scopeID, attribute, value string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.scopes[scopeID]
	if !ok {
		attrs = make(map[string]Entry)
		s.scopes[scopeID] = attrs
	}
	if existing, ok := attrs[attribute]; ok && existing.UpdatedSequence > sequence {
		return nil
	}
	attrs[attribute] = Entry{Value: value, UpdatedSequence: sequence}
	return nil
}

func (s *InMemoryStore) Snapshot(_ context.Context, scopeID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Profile{ScopeID: scopeID, Attributes: make(map[string]Entry)}
	for k, v := range s.scopes[scopeID] {
		out.Attributes[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
