package governor

import (
	"reflect"
	"testing"

	"github.com/lmoretti/mnemosyne/internal/blocks"
	"github.com/lmoretti/mnemosyne/internal/facts"
	"github.com/lmoretti/mnemosyne/internal/retrieval"
)

func testConfig() Config {
	return Config{
		SimilarityWeight: 1.0,
		RecencyWeight:    0.3,
		BlockStateWeight: 0.2,
		PinBonus:         100,
		DedupThreshold:   0.97,
		RecencyHalfLife:  20,
		ArchiveRetention: 200,
		PerBlockBudget:   8,
	}
}

func testManager() *blocks.Manager {
	return blocks.NewManager(blocks.Config{
		ResumeThreshold: 0.72,
		TieBreakMargin:  0.05,
		IdleWindow:      40,
	})
}

// seedBlock routes one turn so the conversation has an active block, and
// returns its id.
func seedBlock(t *testing.T, m *blocks.Manager, conversationID string, seq uint64, label string) string {
	t.Helper()
	dec := m.RouteTurn(conversationID, "seed-turn", seq, label, nil)
	if dec.Kind != blocks.DecisionCreateNew {
		t.Fatalf("seed RouteTurn kind = %s, want %s", dec.Kind, blocks.DecisionCreateNew)
	}
	return dec.BlockID
}

func emptySnapshot() facts.Snapshot {
	return facts.Snapshot{
		Current:          map[string]facts.FactRecord{},
		StaleSourceTurns: map[string]bool{},
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	cfg := testConfig()
	run := func() Output {
		m := testManager()
		blockID := seedBlock(t, m, "conv-1", 1, "deploys")
		g := New(cfg, m)
		return g.Evaluate(Input{
			ConversationID: "conv-1",
			TurnID:         "t2",
			Sequence:       2,
			TopicLabel:     "deploys",
			Candidates: retrieval.CandidateSet{Candidates: []retrieval.Candidate{
				{TurnID: "t1", BlockID: blockID, Sequence: 1, Text: "deploy friday", Similarity: 0.9},
				{TurnID: "t0", BlockID: blockID, Sequence: 0, Text: "standup notes", Similarity: 0.4},
			}},
			Facts: emptySnapshot(),
		})
	}

	first := run()
	second := run()
	first.Decision.BlockID = ""
	second.Decision.BlockID = ""
	for i := range first.Memories {
		first.Memories[i].BlockID = ""
	}
	for i := range second.Memories {
		second.Memories[i].BlockID = ""
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Evaluate() not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestFilterDropsStaleSourceTurns(t *testing.T) {
	m := testManager()
	blockID := seedBlock(t, m, "conv-1", 1, "keys")
	g := New(testConfig(), m)

	out := g.Evaluate(Input{
		ConversationID: "conv-1",
		TurnID:         "t3",
		Sequence:       3,
		TopicLabel:     "keys",
		Candidates: retrieval.CandidateSet{Candidates: []retrieval.Candidate{
			{TurnID: "t1", BlockID: blockID, Sequence: 1, Text: "old api key", Similarity: 0.95},
			{TurnID: "t2", BlockID: blockID, Sequence: 2, Text: "new api key value", Similarity: 0.90},
		}},
		Facts: facts.Snapshot{
			Current:          map[string]facts.FactRecord{},
			StaleSourceTurns: map[string]bool{"t1": true},
		},
	})

	if len(out.Memories) != 1 {
		t.Fatalf("Evaluate() kept %d memories, want 1", len(out.Memories))
	}
	if out.Memories[0].TurnID != "t2" {
		t.Fatalf("surviving memory = %s, want t2", out.Memories[0].TurnID)
	}
}

func TestFilterDropsArchivedBeyondRetention(t *testing.T) {
	cfg := testConfig()
	cfg.ArchiveRetention = 10
	m := blocks.NewManager(blocks.Config{ResumeThreshold: 0.72, TieBreakMargin: 0.05, IdleWindow: 2})

	old := seedBlock(t, m, "conv-1", 1, "old topic")
	// New topic; the old block goes dormant, then archives once idle.
	m.RouteTurn("conv-1", "t2", 2, "new topic", nil)
	m.RouteTurn("conv-1", "t3", 10, "new topic", nil)
	if b, err := m.Get("conv-1", old); err != nil || b.State != blocks.StateArchived {
		t.Fatalf("old block state = %v, %v, want archived", b.State, err)
	}

	g := New(cfg, m)
	out := g.Evaluate(Input{
		ConversationID: "conv-1",
		TurnID:         "t4",
		Sequence:       30,
		TopicLabel:     "new topic",
		Candidates: retrieval.CandidateSet{Candidates: []retrieval.Candidate{
			{TurnID: "t1", BlockID: old, Sequence: 1, Text: "ancient detail", Similarity: 0.99},
		}},
		Facts: emptySnapshot(),
	})

	if len(out.Memories) != 0 {
		t.Fatalf("Evaluate() kept %d memories from archived block, want 0", len(out.Memories))
	}
}

func TestFilterKeepsArchivedWithinRetention(t *testing.T) {
	cfg := testConfig()
	cfg.ArchiveRetention = 100
	m := blocks.NewManager(blocks.Config{ResumeThreshold: 0.72, TieBreakMargin: 0.05, IdleWindow: 2})

	old := seedBlock(t, m, "conv-1", 1, "old topic")
	m.RouteTurn("conv-1", "t2", 2, "new topic", nil)
	m.RouteTurn("conv-1", "t3", 10, "new topic", nil)

	g := New(cfg, m)
	out := g.Evaluate(Input{
		ConversationID: "conv-1",
		TurnID:         "t4",
		Sequence:       30,
		TopicLabel:     "new topic",
		Candidates: retrieval.CandidateSet{Candidates: []retrieval.Candidate{
			{TurnID: "t1", BlockID: old, Sequence: 1, Text: "still relevant detail", Similarity: 0.99},
		}},
		Facts: emptySnapshot(),
	})

	if len(out.Memories) != 1 {
		t.Fatalf("Evaluate() kept %d memories, want 1 within retention", len(out.Memories))
	}
}

func TestCollapseNearDuplicatesKeepsHigherScored(t *testing.T) {
	m := testManager()
	blockID := seedBlock(t, m, "conv-1", 1, "lunch")
	g := New(testConfig(), m)

	out := g.Evaluate(Input{
		ConversationID: "conv-1",
		TurnID:         "t3",
		Sequence:       3,
		TopicLabel:     "lunch",
		Candidates: retrieval.CandidateSet{Candidates: []retrieval.Candidate{
			{TurnID: "t1", BlockID: blockID, Sequence: 1, Text: "lunch at noon on tuesday", Similarity: 0.80},
			{TurnID: "t2", BlockID: blockID, Sequence: 2, Text: "lunch at noon on tuesday", Similarity: 0.95},
		}},
		Facts: emptySnapshot(),
	})

	if len(out.Memories) != 1 {
		t.Fatalf("Evaluate() kept %d memories, want duplicates collapsed to 1", len(out.Memories))
	}
	if out.Memories[0].TurnID != "t2" {
		t.Fatalf("survivor = %s, want higher-scored t2", out.Memories[0].TurnID)
	}
}

func TestPinBonusGuaranteesTopRank(t *testing.T) {
	m := testManager()
	blockID := seedBlock(t, m, "conv-1", 1, "rules")
	g := New(testConfig(), m)

	out := g.Evaluate(Input{
		ConversationID: "conv-1",
		TurnID:         "t3",
		Sequence:       3,
		TopicLabel:     "rules",
		Candidates: retrieval.CandidateSet{Candidates: []retrieval.Candidate{
			{TurnID: "t1", BlockID: blockID, Sequence: 1, Text: "never deploy on friday", Similarity: 0.05},
			{TurnID: "t2", BlockID: blockID, Sequence: 2, Text: "weather chat", Similarity: 0.99},
		}},
		Facts: facts.Snapshot{
			Current: map[string]facts.FactRecord{
				"deploy_rule": {Key: "deploy_rule", Value: "no fridays", SourceTurnID: "t1", Pinned: true},
			},
			StaleSourceTurns: map[string]bool{},
		},
	})

	if len(out.Memories) != 2 {
		t.Fatalf("Evaluate() kept %d memories, want 2", len(out.Memories))
	}
	if out.Memories[0].TurnID != "t1" || !out.Memories[0].Pinned {
		t.Fatalf("top memory = %+v, want pinned t1 first", out.Memories[0])
	}
}

func TestPerBlockBudgetTiesPreferRecent(t *testing.T) {
	cfg := testConfig()
	cfg.PerBlockBudget = 2
	cfg.RecencyWeight = 0
	m := testManager()
	blockID := seedBlock(t, m, "conv-1", 1, "notes")
	g := New(cfg, m)

	out := g.Evaluate(Input{
		ConversationID: "conv-1",
		TurnID:         "t9",
		Sequence:       9,
		TopicLabel:     "notes",
		Candidates: retrieval.CandidateSet{Candidates: []retrieval.Candidate{
			{TurnID: "t1", BlockID: blockID, Sequence: 1, Text: "alpha item", Similarity: 0.8},
			{TurnID: "t2", BlockID: blockID, Sequence: 2, Text: "beta item", Similarity: 0.8},
			{TurnID: "t3", BlockID: blockID, Sequence: 3, Text: "gamma item", Similarity: 0.8},
		}},
		Facts: emptySnapshot(),
	})

	if len(out.Memories) != 2 {
		t.Fatalf("Evaluate() kept %d memories, want 2", len(out.Memories))
	}
	if out.Memories[0].TurnID != "t3" || out.Memories[1].TurnID != "t2" {
		t.Fatalf("memories = [%s %s], want [t3 t2]", out.Memories[0].TurnID, out.Memories[1].TurnID)
	}
}

func TestRouteResumesDormantBlock(t *testing.T) {
	m := testManager()
	topicA := seedBlock(t, m, "conv-1", 1, "topic a")
	m.RouteTurn("conv-1", "t4", 4, "topic b", nil)

	g := New(testConfig(), m)
	out := g.Evaluate(Input{
		ConversationID: "conv-1",
		TurnID:         "t11",
		Sequence:       11,
		TopicLabel:     "topic a",
		Candidates: retrieval.CandidateSet{Candidates: []retrieval.Candidate{
			{TurnID: "t1", BlockID: topicA, Sequence: 1, Text: "topic a detail", Similarity: 0.90},
		}},
		Facts: emptySnapshot(),
	})

	if out.Decision.Kind != blocks.DecisionResumeDormant {
		t.Fatalf("Decision.Kind = %s, want %s", out.Decision.Kind, blocks.DecisionResumeDormant)
	}
	if out.Decision.BlockID != topicA {
		t.Fatalf("Decision.BlockID = %s, want original block %s", out.Decision.BlockID, topicA)
	}
}

func TestDegradedCandidateSetPassesThrough(t *testing.T) {
	m := testManager()
	seedBlock(t, m, "conv-1", 1, "topic")
	g := New(testConfig(), m)

	out := g.Evaluate(Input{
		ConversationID: "conv-1",
		TurnID:         "t2",
		Sequence:       2,
		TopicLabel:     "topic",
		Candidates:     retrieval.CandidateSet{Degraded: true},
		Facts:          emptySnapshot(),
	})

	if !out.Degraded {
		t.Fatal("Output.Degraded = false, want true")
	}
	if len(out.Memories) != 0 {
		t.Fatalf("Evaluate() memories = %d, want 0 on degraded input", len(out.Memories))
	}
	if out.Decision.Kind != blocks.DecisionCreateNew && out.Decision.Kind != blocks.DecisionResumeActive {
		t.Fatalf("Decision.Kind = %s, want a routing decision", out.Decision.Kind)
	}
}
