package profile

import (
	"context"
	"sort"
	"strings"
)

// Entry is one profile attribute value with the sequence that last wrote it.
type Entry struct {
	Value           string `json:"value"`
	UpdatedSequence uint64 `json:"updated_sequence"`
}

// Profile is a point-in-time snapshot of a scope's attributes. The scope id
// is a conversation id or a user id depending on how the caller partitions
// profiles.
type Profile struct {
	ScopeID    string           `json:"scope_id"`
	Attributes map[string]Entry `json:"attributes"`
}

// Summary renders the profile deterministically, attributes ordered by name.
func (p Profile) Summary() string {
	if len(p.Attributes) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(p.Attributes[k].Value)
	}
	return b.String()
}

// Store persists profile attributes with last-write-by-sequence semantics:
// an Apply carrying a sequence older than the stored one is a no-op, so
// replays and out-of-order background updates are safe.
type Store interface {
	Apply(ctx context.Context, scopeID, attribute, value string, sequence uint64) error
	Snapshot(ctx context.Context, scopeID string) (Profile, error)
	Close() error
}
