package facts

import (
	"sort"
	"time"
)

// FactRecord is a versioned key/value assertion. A record is current while
// SupersededAtSequence is nil; superseded records keep their validity
// interval [EffectiveFromSequence, SupersededAtSequence) forever.
type FactRecord struct {
	FactID                string  `json:"fact_id"`
	ConversationID        string  `json:"conversation_id"`
	Key                   string  `json:"key"`
	Value                 string  `json:"value"`
	EffectiveFromSequence uint64  `json:"effective_from_sequence"`
	SupersededAtSequence  *uint64 `json:"superseded_at_sequence,omitempty"`
	SourceTurnID          string  `json:"source_turn_id"`
	Pinned                bool    `json:"pinned"`
	PolicyFlagged         bool    `json:"policy_flagged"`
	// CreatedAt is wall clock for display only; sequence is the ordering
	// authority.
	CreatedAt time.Time `json:"created_at"`
}

// Current reports whether the record is the unsuperseded value for its key.
func (r FactRecord) Current() bool {
	return r.SupersededAtSequence == nil
}

// Covers reports whether the record's validity interval contains seq.
func (r FactRecord) Covers(seq uint64) bool {
	if seq < r.EffectiveFromSequence {
		return false
	}
	if r.SupersededAtSequence != nil && seq >= *r.SupersededAtSequence {
		return false
	}
	return true
}

// Assertion is the input to Upsert: one extracted key/value claim.
type Assertion struct {
	ConversationID string
	Key            string
	Value          string
	SourceTurnID   string
	Sequence       uint64
	Pinned         bool
	PolicyFlagged  bool
	ObservedAt     time.Time
}

// Snapshot is a point-in-time view of one conversation's current facts,
// taken under the store lock and safe to read concurrently afterwards.
type Snapshot struct {
	ConversationID string
	AsOfSequence   uint64
	// Current maps key to its unsuperseded record.
	Current map[string]FactRecord
	// StaleSourceTurns holds turn ids that sourced at least one fact and
	// no longer source any current fact.
	StaleSourceTurns map[string]bool
}

// Pinned returns the pinned current records ordered by key.
func (s Snapshot) Pinned() []FactRecord {
	out := make([]FactRecord, 0, len(s.Current))
	for _, rec := range s.Current {
		if rec.Pinned {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Get returns the current record for key, if any.
func (s Snapshot) Get(key string) (FactRecord, bool) {
	rec, ok := s.Current[key]
	return rec, ok
}
