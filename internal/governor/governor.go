package governor

import (
	"math"
	"sort"
	"strings"

	"github.com/lmoretti/mnemosyne/internal/blocks"
	"github.com/lmoretti/mnemosyne/internal/facts"
	"github.com/lmoretti/mnemosyne/internal/retrieval"
)

// Config holds the scoring weights and filter thresholds. All values come
// from configuration; the pipeline itself has no tunables of its own.
type Config struct {
	SimilarityWeight float64
	RecencyWeight    float64
	BlockStateWeight float64
	// PinBonus must dominate the other weights so a pinned memory is never
	// outranked out of the bundle.
	PinBonus float64
	// DedupThreshold is the word-overlap ratio above which two candidates
	// collapse into one.
	DedupThreshold float64
	// RecencyHalfLife is the sequence gap at which the recency term halves.
	RecencyHalfLife float64
	// ArchiveRetention is how many sequences past archival a block's turns
	// remain eligible as candidates.
	ArchiveRetention uint64
	// PerBlockBudget caps how many memories any one block contributes.
	PerBlockBudget int
}

// Memory is one validated, scored candidate that survived the pipeline.
type Memory struct {
	retrieval.Candidate
	Score  float64 `json:"score"`
	Pinned bool    `json:"pinned"`
}

// Input carries everything the pipeline reads. Snapshots are taken before
// the call; the pipeline itself reads no shared state.
type Input struct {
	ConversationID string
	TurnID         string
	Sequence       uint64
	TopicLabel     string
	Candidates     retrieval.CandidateSet
	Facts          facts.Snapshot
}

// Output is the routing decision plus the validated memory set handed to
// the hydrator.
type Output struct {
	Decision blocks.Decision
	Memories []Memory
	Degraded bool
}

// Governor filters and scores retrieval candidates and routes the turn to
// a topic block. Given identical inputs and configuration it produces
// identical output.
type Governor struct {
	cfg    Config
	blocks *blocks.Manager
}

func New(cfg Config, manager *blocks.Manager) *Governor {
	return &Governor{cfg: cfg, blocks: manager}
}

// Evaluate runs filter, score, select and route for one turn.
func (g *Governor) Evaluate(in Input) Output {
	blockByID := make(map[string]blocks.Block)
	for _, b := range g.blocks.List(in.ConversationID, true) {
		blockByID[b.ID] = b
	}

	pinnedTurns := make(map[string]bool)
	for _, rec := range in.Facts.Pinned() {
		pinnedTurns[rec.SourceTurnID] = true
	}

	filtered := g.filter(in.Candidates.Candidates, blockByID, in.Facts.StaleSourceTurns, in.Sequence)
	scored := g.score(filtered, blockByID, pinnedTurns, in.Sequence)
	selected := g.selectTop(scored)

	scores := topicScores(filtered)
	decision := g.blocks.RouteTurn(in.ConversationID, in.TurnID, in.Sequence, in.TopicLabel, scores)

	return Output{
		Decision: decision,
		Memories: selected,
		Degraded: in.Candidates.Degraded,
	}
}

// filter drops candidates from blocks archived beyond retention, candidates
// whose source facts were all superseded, and near-duplicates.
func (g *Governor) filter(candidates []retrieval.Candidate, blockByID map[string]blocks.Block, stale map[string]bool, latest uint64) []retrieval.Candidate {
	kept := make([]retrieval.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if b, ok := blockByID[c.BlockID]; ok && b.State == blocks.StateArchived {
			if latest > b.LastActiveSequence+g.cfg.ArchiveRetention {
				continue
			}
		}
		if stale[c.TurnID] {
			continue
		}
		kept = append(kept, c)
	}
	return g.collapseDuplicates(kept)
}

// collapseDuplicates keeps the higher-similarity member of any pair whose
// text overlap exceeds the threshold. Candidates are visited in descending
// similarity so the survivor is always the stronger one.
func (g *Governor) collapseDuplicates(candidates []retrieval.Candidate) []retrieval.Candidate {
	ordered := make([]retrieval.Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Similarity != ordered[j].Similarity {
			return ordered[i].Similarity > ordered[j].Similarity
		}
		return ordered[i].Sequence > ordered[j].Sequence
	})

	kept := make([]retrieval.Candidate, 0, len(ordered))
	for _, c := range ordered {
		dup := false
		for _, k := range kept {
			if wordOverlap(c.Text, k.Text) >= g.cfg.DedupThreshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return kept
}

func (g *Governor) score(candidates []retrieval.Candidate, blockByID map[string]blocks.Block, pinnedTurns map[string]bool, latest uint64) []Memory {
	memories := make([]Memory, 0, len(candidates))
	for _, c := range candidates {
		state := blocks.StateArchived
		if b, ok := blockByID[c.BlockID]; ok {
			state = b.State
		}
		pinned := pinnedTurns[c.TurnID]

		score := g.cfg.SimilarityWeight * c.Similarity
		score += g.cfg.RecencyWeight * recencyDecay(latest, c.Sequence, g.cfg.RecencyHalfLife)
		score += g.cfg.BlockStateWeight * stateWeight(state)
		if pinned {
			score += g.cfg.PinBonus
		}

		memories = append(memories, Memory{Candidate: c, Score: score, Pinned: pinned})
	}
	return memories
}

// selectTop keeps the top memories per owning block up to the per-block
// budget, then orders the survivors by score. Ties go to the higher
// sequence.
func (g *Governor) selectTop(memories []Memory) []Memory {
	byBlock := make(map[string][]Memory)
	for _, m := range memories {
		byBlock[m.BlockID] = append(byBlock[m.BlockID], m)
	}

	selected := make([]Memory, 0, len(memories))
	for _, group := range byBlock {
		sortMemories(group)
		if g.cfg.PerBlockBudget > 0 && len(group) > g.cfg.PerBlockBudget {
			group = group[:g.cfg.PerBlockBudget]
		}
		selected = append(selected, group...)
	}
	sortMemories(selected)
	return selected
}

func sortMemories(memories []Memory) {
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Score != memories[j].Score {
			return memories[i].Score > memories[j].Score
		}
		if memories[i].Sequence != memories[j].Sequence {
			return memories[i].Sequence > memories[j].Sequence
		}
		return memories[i].TurnID < memories[j].TurnID
	})
}

// topicScores reduces filtered candidates to one similarity per block: the
// best hit a block produced is its topic signal.
func topicScores(candidates []retrieval.Candidate) []blocks.TopicScore {
	best := make(map[string]float64)
	for _, c := range candidates {
		if s, ok := best[c.BlockID]; !ok || c.Similarity > s {
			best[c.BlockID] = c.Similarity
		}
	}

	scores := make([]blocks.TopicScore, 0, len(best))
	for id, sim := range best {
		scores = append(scores, blocks.TopicScore{BlockID: id, Similarity: sim})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].BlockID < scores[j].BlockID })
	return scores
}

func recencyDecay(latest, seq uint64, halfLife float64) float64 {
	if halfLife <= 0 || seq >= latest {
		return 1.0
	}
	gap := float64(latest - seq)
	return math.Pow(0.5, gap/halfLife)
}

func stateWeight(state blocks.State) float64 {
	switch state {
	case blocks.StateActive:
		return 1.0
	case blocks.StateDormant:
		return 0.5
	default:
		return 0.0
	}
}

// wordOverlap is the Jaccard ratio over lower-cased word sets.
func wordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	common := 0
	for w := range wa {
		if wb[w] {
			common++
		}
	}
	union := len(wa) + len(wb) - common
	return float64(common) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}
