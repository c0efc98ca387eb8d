package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lmoretti/mnemosyne/internal/blocks"
	"github.com/lmoretti/mnemosyne/internal/conversation"
	"github.com/lmoretti/mnemosyne/internal/facts"
	"github.com/lmoretti/mnemosyne/internal/governor"
	"github.com/lmoretti/mnemosyne/internal/hydrator"
	"github.com/lmoretti/mnemosyne/internal/llm"
	"github.com/lmoretti/mnemosyne/internal/observability"
	"github.com/lmoretti/mnemosyne/internal/profile"
	"github.com/lmoretti/mnemosyne/internal/protocol"
	"github.com/lmoretti/mnemosyne/internal/retrieval"
	"github.com/lmoretti/mnemosyne/internal/turns"
)

var (
	metricsOnce sync.Once
	testMetrics *observability.Metrics
)

func metricsForTest() *observability.Metrics {
	metricsOnce.Do(func() {
		testMetrics = observability.NewMetrics("enginetest")
	})
	return testMetrics
}

type failingSearcher struct{}

func (failingSearcher) Search(ctx context.Context, conversationID string, vector []float32, k int) ([]retrieval.Candidate, error) {
	return nil, errors.New("search backend unavailable")
}

type testEnv struct {
	engine   *Engine
	registry *conversation.Registry
	facts    facts.Store
	turns    turns.Store
}

func newTestEnv(t *testing.T, tokenBudget int, searcher retrieval.Searcher) *testEnv {
	t.Helper()
	ctx := context.Background()

	factStore, err := facts.NewStore(ctx, "")
	if err != nil {
		t.Fatalf("facts.NewStore() error = %v", err)
	}
	turnStore, err := turns.NewStore(ctx, "")
	if err != nil {
		t.Fatalf("turns.NewStore() error = %v", err)
	}
	profileStore, err := profile.NewStore(ctx, "")
	if err != nil {
		t.Fatalf("profile.NewStore() error = %v", err)
	}

	manager := blocks.NewManager(blocks.Config{ResumeThreshold: 0.72, TieBreakMargin: 0.05, IdleWindow: 40})
	gov := governor.New(governor.Config{
		SimilarityWeight: 1.0,
		RecencyWeight:    0.3,
		BlockStateWeight: 0.2,
		PinBonus:         100,
		DedupThreshold:   0.97,
		RecencyHalfLife:  20,
		ArchiveRetention: 200,
		PerBlockBudget:   8,
	}, manager)

	index := retrieval.NewChromemIndex()
	if searcher == nil {
		searcher = index
	}
	retriever, err := retrieval.NewRetriever(retrieval.NewMockEmbedder(64), searcher, time.Second)
	if err != nil {
		t.Fatalf("NewRetriever() error = %v", err)
	}

	registry := conversation.NewRegistry(time.Hour)
	eng := New(Config{SearchK: 8, ConfidenceFloor: 0.6, ExtractTimeout: time.Second}, Deps{
		Registry:  registry,
		Facts:     factStore,
		Turns:     turnStore,
		Profile:   profileStore,
		Blocks:    manager,
		Governor:  gov,
		Hydrator:  hydrator.New(hydrator.Config{TokenBudget: tokenBudget}),
		Retriever: retriever,
		Index:     index,
		Extractor: llm.MockExtractor{},
		Generator: llm.MockGenerator{},
		Metrics:   metricsForTest(),
		Hub:       NewHub(),
	})

	return &testEnv{engine: eng, registry: registry, facts: factStore, turns: turnStore}
}

func TestProcessTurnBasic(t *testing.T) {
	env := newTestEnv(t, 6000, nil)
	conv := env.registry.Create("user-1")

	result, err := env.engine.ProcessTurn(context.Background(), TurnRequest{
		ConversationID: conv.ID,
		Text:           "let's talk about the rollout plan",
	})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if result.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", result.Sequence)
	}
	if result.Decision.Kind != blocks.DecisionCreateNew {
		t.Fatalf("Decision.Kind = %s, want %s", result.Decision.Kind, blocks.DecisionCreateNew)
	}
	if result.Reply == "" {
		t.Fatal("Reply is empty")
	}

	saved, err := env.turns.Get(context.Background(), conv.ID, result.TurnID)
	if err != nil {
		t.Fatalf("turn not persisted: %v", err)
	}
	if saved.BlockID != result.Decision.BlockID {
		t.Fatalf("saved BlockID = %s, want %s", saved.BlockID, result.Decision.BlockID)
	}
}

func TestFactsVisibleToNextTurnNotOwn(t *testing.T) {
	env := newTestEnv(t, 6000, nil)
	conv := env.registry.Create("user-1")
	ctx := context.Background()

	first, err := env.engine.ProcessTurn(ctx, TurnRequest{
		ConversationID: conv.ID,
		Text:           "deploy_day=friday is our plan",
	})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	// The fact was written, but the turn's own bundle used the pre-write
	// snapshot.
	for _, rec := range first.Bundle.RelevantFacts {
		if rec.Key == "deploy_day" {
			t.Fatalf("own turn's bundle saw its own fact: %+v", rec)
		}
	}

	rec, err := env.facts.Current(ctx, conv.ID, "deploy_day")
	if err != nil {
		t.Fatalf("Current(deploy_day) error = %v", err)
	}
	if rec.Value != "friday" || rec.EffectiveFromSequence != first.Sequence {
		t.Fatalf("Current(deploy_day) = %+v, want friday at seq %d", rec, first.Sequence)
	}

	second, err := env.engine.ProcessTurn(ctx, TurnRequest{
		ConversationID: conv.ID,
		Text:           "what deploy_day=friday again",
	})
	if err != nil {
		t.Fatalf("second ProcessTurn() error = %v", err)
	}
	found := false
	for _, r := range second.Bundle.RelevantFacts {
		if r.Key == "deploy_day" {
			found = true
		}
	}
	if !found {
		t.Fatalf("second turn's bundle missing prior fact: %+v", second.Bundle.RelevantFacts)
	}
}

func TestProcessTurnRetryReusesSequence(t *testing.T) {
	env := newTestEnv(t, 6000, nil)
	conv := env.registry.Create("user-1")
	ctx := context.Background()

	first, err := env.engine.ProcessTurn(ctx, TurnRequest{
		ConversationID: conv.ID,
		TurnID:         "turn-1",
		Text:           "planning the rollout",
	})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	second, err := env.engine.ProcessTurn(ctx, TurnRequest{
		ConversationID: conv.ID,
		TurnID:         "turn-1",
		Text:           "planning the rollout",
	})
	if err != nil {
		t.Fatalf("retried ProcessTurn() error = %v", err)
	}
	if first.Sequence != second.Sequence {
		t.Fatalf("retry sequence = %d, want %d", second.Sequence, first.Sequence)
	}
	if got, _ := env.registry.Get(conv.ID); got.LastSequence != first.Sequence {
		t.Fatalf("LastSequence = %d, want %d", got.LastSequence, first.Sequence)
	}
}

func TestProcessTurnDegradedRetrieval(t *testing.T) {
	env := newTestEnv(t, 6000, failingSearcher{})
	conv := env.registry.Create("user-1")

	result, err := env.engine.ProcessTurn(context.Background(), TurnRequest{
		ConversationID: conv.ID,
		Text:           "hello there",
	})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if !result.Degraded {
		t.Fatal("Degraded = false, want true when search fails")
	}
	if result.Reply == "" {
		t.Fatal("Reply is empty on degraded path")
	}
}

func TestProcessTurnUnknownConversation(t *testing.T) {
	env := newTestEnv(t, 6000, nil)
	if _, err := env.engine.ProcessTurn(context.Background(), TurnRequest{
		ConversationID: "missing",
		Text:           "hello",
	}); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("ProcessTurn() error = %v, want conversation.ErrNotFound", err)
	}
}

func TestProcessTurnBudgetTooSmallWithPinnedFact(t *testing.T) {
	env := newTestEnv(t, 6, nil)
	conv := env.registry.Create("user-1")
	ctx := context.Background()

	// deploy_rule classifies as pinned; it lands after this turn's
	// snapshot, so the first turn still fits.
	if _, err := env.engine.ProcessTurn(ctx, TurnRequest{
		ConversationID: conv.ID,
		Text:           "deploy_rule=no-fridays always",
	}); err != nil {
		t.Fatalf("first ProcessTurn() error = %v", err)
	}

	_, err := env.engine.ProcessTurn(ctx, TurnRequest{
		ConversationID: conv.ID,
		Text:           "so when do we ship",
	})
	if !errors.Is(err, hydrator.ErrBudgetTooSmall) {
		t.Fatalf("ProcessTurn() error = %v, want ErrBudgetTooSmall", err)
	}
}

func TestProcessTurnPublishesEvents(t *testing.T) {
	env := newTestEnv(t, 6000, nil)
	conv := env.registry.Create("user-1")

	events, cancel := env.engine.Hub().Subscribe(conv.ID)
	defer cancel()

	if _, err := env.engine.ProcessTurn(context.Background(), TurnRequest{
		ConversationID: conv.ID,
		Text:           "deploy_day=friday for the record",
	}); err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}

	seen := map[protocol.MessageType]bool{}
	deadline := time.After(time.Second)
	for !seen[protocol.TypeTurnCompleted] {
		select {
		case evt := <-events:
			switch msg := evt.(type) {
			case protocol.TurnRouted:
				seen[msg.Type] = true
			case protocol.FactUpserted:
				seen[msg.Type] = true
			case protocol.BundleReady:
				seen[msg.Type] = true
			case protocol.TurnCompleted:
				seen[msg.Type] = true
			}
		case <-deadline:
			t.Fatalf("timed out, events seen: %v", seen)
		}
	}

	for _, want := range []protocol.MessageType{protocol.TypeTurnRouted, protocol.TypeFactUpserted, protocol.TypeBundleReady} {
		if !seen[want] {
			t.Fatalf("missing event %s, saw %v", want, seen)
		}
	}
}

func TestProcessTurnAppliesProfileInBackground(t *testing.T) {
	env := newTestEnv(t, 6000, nil)
	conv := env.registry.Create("user-1")
	ctx := context.Background()

	if _, err := env.engine.ProcessTurn(ctx, TurnRequest{
		ConversationID: conv.ID,
		Text:           "user_timezone=utc btw",
	}); err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		snap, err := env.engine.profile.Snapshot(ctx, conv.ID)
		if err != nil {
			t.Fatalf("profile snapshot error = %v", err)
		}
		if entry, ok := snap.Attributes["timezone"]; ok {
			if entry.Value != "utc" {
				t.Fatalf("timezone = %q, want utc", entry.Value)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("profile attribute never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
