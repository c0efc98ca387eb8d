package hydrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lmoretti/mnemosyne/internal/facts"
	"github.com/lmoretti/mnemosyne/internal/governor"
	"github.com/lmoretti/mnemosyne/internal/turns"
)

// ErrBudgetTooSmall means the pinned and policy-flagged content alone
// exceeds the token budget. The caller gets the error instead of a bundle
// with invariants silently dropped.
var ErrBudgetTooSmall = errors.New("token budget below pinned minimum")

// Config holds the assembly budget.
type Config struct {
	TokenBudget int
}

// Input is everything assembly reads. All of it is snapshot data; the
// hydrator holds no state and reads no stores.
type Input struct {
	ConversationID string
	TurnID         string
	Sequence       uint64
	// ActiveTurns is the routed block's member turns in sequence order.
	ActiveTurns []turns.TurnRecord
	// Memories is the governor's validated set, already ranked.
	Memories []governor.Memory
	// RelevantKeys are the fact keys extracted from the incoming turn.
	RelevantKeys []string
	Facts        facts.Snapshot
	// ProfileSummary is the rendered profile snapshot, may be empty.
	ProfileSummary string
}

// Bundle is the assembled context payload. Sections keep a fixed order;
// the bundle is never mutated after Hydrate returns it.
type Bundle struct {
	PinnedFacts    []facts.FactRecord
	ActiveTurns    []turns.TurnRecord
	Memories       []governor.Memory
	RelevantFacts  []facts.FactRecord
	ProfileSummary string
	Truncated      bool
	TokenEstimate  int
}

// Hydrator assembles bundles under a token budget. Assembly is a pure
// function of the input: identical inputs produce byte-identical bundles.
type Hydrator struct {
	cfg Config
}

func New(cfg Config) *Hydrator {
	return &Hydrator{cfg: cfg}
}

// Hydrate builds the bundle and trims it to the budget. Trimming removes
// the lowest-ranked memories first, then the oldest unprotected turns of
// the active block. Pinned facts and policy-flagged records survive any
// budget.
func (h *Hydrator) Hydrate(in Input) (*Bundle, error) {
	bundle := &Bundle{
		PinnedFacts:    in.Facts.Pinned(),
		ActiveTurns:    append([]turns.TurnRecord(nil), in.ActiveTurns...),
		Memories:       append([]governor.Memory(nil), in.Memories...),
		RelevantFacts:  relevantFacts(in.Facts, in.RelevantKeys),
		ProfileSummary: in.ProfileSummary,
	}

	protected := protectedTurns(in.Facts)
	if minimumTokens(bundle, protected) > h.cfg.TokenBudget {
		return nil, fmt.Errorf("%w: budget %d", ErrBudgetTooSmall, h.cfg.TokenBudget)
	}

	for {
		bundle.TokenEstimate = estimateTokens(bundle.Render())
		if bundle.TokenEstimate <= h.cfg.TokenBudget {
			return bundle, nil
		}
		if !trimOne(bundle, protected) {
			// Only protected content remains; the minimum check above
			// guarantees it fits.
			return bundle, nil
		}
		bundle.Truncated = true
	}
}

// relevantFacts resolves the extracted keys against the snapshot, in key
// order. Missing keys are skipped.
func relevantFacts(snapshot facts.Snapshot, keys []string) []facts.FactRecord {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	out := make([]facts.FactRecord, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, key := range sorted {
		if seen[key] {
			continue
		}
		seen[key] = true
		if rec, ok := snapshot.Get(key); ok && !rec.Pinned {
			out = append(out, rec)
		}
	}
	return out
}

// protectedTurns collects turn ids that source a pinned current fact; the
// truncation pass never removes them from the active block section.
func protectedTurns(snapshot facts.Snapshot) map[string]bool {
	out := make(map[string]bool)
	for _, rec := range snapshot.Pinned() {
		out[rec.SourceTurnID] = true
	}
	return out
}

// trimOne removes the single next-droppable item and reports whether it
// removed anything.
func trimOne(b *Bundle, protected map[string]bool) bool {
	if n := len(b.Memories); n > 0 {
		b.Memories = b.Memories[:n-1]
		return true
	}
	for i, turn := range b.ActiveTurns {
		if protected[turn.TurnID] {
			continue
		}
		b.ActiveTurns = append(b.ActiveTurns[:i:i], b.ActiveTurns[i+1:]...)
		return true
	}
	if b.ProfileSummary != "" {
		b.ProfileSummary = ""
		return true
	}
	for i, rec := range b.RelevantFacts {
		if rec.PolicyFlagged {
			continue
		}
		b.RelevantFacts = append(b.RelevantFacts[:i:i], b.RelevantFacts[i+1:]...)
		return true
	}
	return false
}

// minimumTokens is the rendered size of the content that can never be
// dropped: pinned facts, active-block turns sourcing a pinned fact, and
// policy-flagged relevant facts.
func minimumTokens(b *Bundle, protected map[string]bool) int {
	floor := &Bundle{PinnedFacts: b.PinnedFacts}
	for _, turn := range b.ActiveTurns {
		if protected[turn.TurnID] {
			floor.ActiveTurns = append(floor.ActiveTurns, turn)
		}
	}
	for _, rec := range b.RelevantFacts {
		if rec.PolicyFlagged {
			floor.RelevantFacts = append(floor.RelevantFacts, rec)
		}
	}
	return estimateTokens(floor.Render())
}

// Render serializes the bundle in its fixed section order. The output is a
// deterministic function of the bundle's contents.
func (b *Bundle) Render() string {
	var sb strings.Builder

	if len(b.PinnedFacts) > 0 {
		sb.WriteString("== pinned ==\n")
		for _, rec := range b.PinnedFacts {
			fmt.Fprintf(&sb, "%s: %s\n", rec.Key, rec.Value)
		}
	}
	if len(b.ActiveTurns) > 0 {
		sb.WriteString("== thread ==\n")
		for _, turn := range b.ActiveTurns {
			fmt.Fprintf(&sb, "[%d] %s\n", turn.Sequence, turn.Text)
		}
	}
	if len(b.Memories) > 0 {
		sb.WriteString("== memories ==\n")
		for _, mem := range b.Memories {
			fmt.Fprintf(&sb, "[%d] %s\n", mem.Sequence, mem.Text)
		}
	}
	if len(b.RelevantFacts) > 0 {
		sb.WriteString("== facts ==\n")
		for _, rec := range b.RelevantFacts {
			fmt.Fprintf(&sb, "%s: %s\n", rec.Key, rec.Value)
		}
	}
	if b.ProfileSummary != "" {
		sb.WriteString("== profile ==\n")
		sb.WriteString(b.ProfileSummary)
		sb.WriteString("\n")
	}
	return sb.String()
}

// estimateTokens approximates token count as four thirds of the word
// count, rounded up.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return (words*4 + 2) / 3
}
