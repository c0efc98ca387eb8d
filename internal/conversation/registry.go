package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

var (
	ErrNotFound = errors.New("conversation not found")
	ErrClosed   = errors.New("conversation closed")
)

// Conversation is the per-conversation bookkeeping record. Sequence is the
// ordering authority for everything downstream; wall clock is display only.
type Conversation struct {
	ID             string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	LastSequence   uint64    `json:"last_sequence"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type conversationState struct {
	record Conversation
	// writer serializes per-conversation mutation; different conversations
	// never contend.
	writer sync.Mutex
	// turnSequences remembers the sequence assigned to each turn id so a
	// retried turn reuses it instead of minting a new one.
	turnSequences map[string]uint64
}

// Registry tracks open conversations, assigns monotonic sequences, and
// expires idle conversations in the background.
type Registry struct {
	mu                sync.RWMutex
	conversations     map[string]*conversationState
	inactivityTimeout time.Duration
	onExpire          func(Conversation)
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Registry{
		conversations:     make(map[string]*conversationState),
		inactivityTimeout: inactivityTimeout,
	}
}

func (r *Registry) SetExpireHook(hook func(Conversation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) Create(userID string) Conversation {
	now := time.Now().UTC()
	state := &conversationState{
		record: Conversation{
			ID:             uuid.NewString(),
			UserID:         userID,
			Status:         StatusOpen,
			StartedAt:      now,
			LastActivityAt: now,
		},
		turnSequences: make(map[string]uint64),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[state.record.ID] = state
	return state.record
}

func (r *Registry) Get(conversationID string) (Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.conversations[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return state.record, nil
}

// Begin locks the conversation for one turn and assigns its sequence. A
// turn id seen before gets its original sequence back, which keeps retries
// idempotent. The returned release func must be called when the turn's
// mutations are done.
func (r *Registry) Begin(conversationID, turnID string) (uint64, func(), error) {
	r.mu.RLock()
	state, ok := r.conversations[conversationID]
	var status Status
	if ok {
		status = state.record.Status
	}
	r.mu.RUnlock()
	if !ok {
		return 0, nil, ErrNotFound
	}
	if status != StatusOpen {
		return 0, nil, ErrClosed
	}

	state.writer.Lock()
	if seq, ok := state.turnSequences[turnID]; ok {
		return seq, state.writer.Unlock, nil
	}

	r.mu.Lock()
	state.record.LastSequence++
	state.record.TurnCount++
	state.record.LastActivityAt = time.Now().UTC()
	seq := state.record.LastSequence
	r.mu.Unlock()

	state.turnSequences[turnID] = seq
	return seq, state.writer.Unlock, nil
}

func (r *Registry) Close(conversationID string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conversations[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	state.record.Status = StatusClosed
	state.record.LastActivityAt = time.Now().UTC()
	return state.record, nil
}

func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, state := range r.conversations {
		if state.record.Status == StatusOpen {
			count++
		}
	}
	return count
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle()
			}
		}
	}()
}

func (r *Registry) expireIdle() {
	now := time.Now().UTC()
	var expired []Conversation

	r.mu.Lock()
	for _, state := range r.conversations {
		if state.record.Status != StatusOpen {
			continue
		}
		if now.Sub(state.record.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		state.record.Status = StatusClosed
		state.record.LastActivityAt = now
		expired = append(expired, state.record)
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}
