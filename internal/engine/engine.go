package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lmoretti/mnemosyne/internal/blocks"
	"github.com/lmoretti/mnemosyne/internal/conversation"
	"github.com/lmoretti/mnemosyne/internal/facts"
	"github.com/lmoretti/mnemosyne/internal/governor"
	"github.com/lmoretti/mnemosyne/internal/hydrator"
	"github.com/lmoretti/mnemosyne/internal/llm"
	"github.com/lmoretti/mnemosyne/internal/observability"
	"github.com/lmoretti/mnemosyne/internal/policy"
	"github.com/lmoretti/mnemosyne/internal/profile"
	"github.com/lmoretti/mnemosyne/internal/protocol"
	"github.com/lmoretti/mnemosyne/internal/reliability"
	"github.com/lmoretti/mnemosyne/internal/retrieval"
	"github.com/lmoretti/mnemosyne/internal/turns"
)

// Config holds the orchestration knobs. Scoring and budget knobs live with
// the governor and hydrator.
type Config struct {
	SearchK         int
	ConfidenceFloor float64
	ExtractTimeout  time.Duration
	// TopicLabelWords caps how many words of the turn seed a new block's
	// topic label.
	TopicLabelWords int
}

// TurnRequest is one incoming exchange. TurnID is optional; retries of a
// failed turn reuse the id so sequences are assigned once.
type TurnRequest struct {
	ConversationID string
	TurnID         string
	Text           string
}

// TurnResult is what the caller gets back: the routing decision, the
// assembled bundle, and the generated reply.
type TurnResult struct {
	TurnID   string           `json:"turn_id"`
	Sequence uint64           `json:"sequence"`
	Decision blocks.Decision  `json:"decision"`
	Bundle   *hydrator.Bundle `json:"bundle"`
	Reply    string           `json:"reply"`
	Degraded bool             `json:"degraded"`
}

// Engine fans out per-turn work and fans in what the hydrator needs. The
// registry's per-conversation lock serializes all mutation for one
// conversation; different conversations run fully in parallel.
type Engine struct {
	cfg       Config
	registry  *conversation.Registry
	facts     facts.Store
	turns     turns.Store
	profile   profile.Store
	blocks    *blocks.Manager
	governor  *governor.Governor
	hydrator  *hydrator.Hydrator
	retriever *retrieval.Retriever
	index     retrieval.Index
	extractor llm.Extractor
	generator llm.Generator
	metrics   *observability.Metrics
	hub       *Hub
}

type Deps struct {
	Registry  *conversation.Registry
	Facts     facts.Store
	Turns     turns.Store
	Profile   profile.Store
	Blocks    *blocks.Manager
	Governor  *governor.Governor
	Hydrator  *hydrator.Hydrator
	Retriever *retrieval.Retriever
	Index     retrieval.Index
	Extractor llm.Extractor
	Generator llm.Generator
	Metrics   *observability.Metrics
	Hub       *Hub
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.SearchK <= 0 {
		cfg.SearchK = 16
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 5 * time.Second
	}
	if cfg.TopicLabelWords <= 0 {
		cfg.TopicLabelWords = 6
	}
	return &Engine{
		cfg:       cfg,
		registry:  deps.Registry,
		facts:     deps.Facts,
		turns:     deps.Turns,
		profile:   deps.Profile,
		blocks:    deps.Blocks,
		governor:  deps.Governor,
		hydrator:  deps.Hydrator,
		retriever: deps.Retriever,
		index:     deps.Index,
		extractor: deps.Extractor,
		generator: deps.Generator,
		metrics:   deps.Metrics,
		hub:       deps.Hub,
	}
}

// Hub exposes the event feed for subscribers.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// ProcessTurn runs the full pipeline for one turn. All store writes made
// before a failure stay durable, so retrying the same turn id is safe.
func (e *Engine) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	started := time.Now()

	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	text, _ := policy.RedactPII(req.Text)

	seq, release, err := e.registry.Begin(req.ConversationID, req.TurnID)
	if err != nil {
		return nil, fmt.Errorf("begin turn: %w", err)
	}
	defer release()

	// Snapshots are taken before this turn's writes land: the turn's own
	// facts become visible to the next turn, not to its own hydration.
	factSnap, err := e.facts.Snapshot(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("facts snapshot: %w", err)
	}
	profileSnap, err := e.profile.Snapshot(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("profile snapshot: %w", err)
	}

	retrievalCh := make(chan retrieval.CandidateSet, 1)
	go func() {
		retrieveStart := time.Now()
		set := e.retriever.Retrieve(ctx, req.ConversationID, text, e.cfg.SearchK)
		e.metrics.ObserveTurnStage("retrieve", time.Since(retrieveStart))
		retrievalCh <- set
	}()

	extractCh := make(chan []llm.ExtractedFact, 1)
	go func() {
		extractStart := time.Now()
		extracted := e.extractWithRetry(ctx, text)
		e.metrics.ObserveTurnStage("extract", time.Since(extractStart))
		extractCh <- extracted
	}()

	candidates := <-retrievalCh
	extracted := <-extractCh
	if candidates.Degraded {
		e.metrics.DegradedRetrievals.Inc()
		e.metrics.ObserveIndicator("degraded_retrieval")
	}

	// Fact writes land now, after the snapshot, before routing.
	relevantKeys := e.applyFacts(ctx, req, seq, extracted, factSnap)

	// Profile update is detached: failures are logged and discarded, the
	// response path never waits on it.
	go e.applyProfile(req.ConversationID, seq, extracted)

	routeStart := time.Now()
	out := e.governor.Evaluate(governor.Input{
		ConversationID: req.ConversationID,
		TurnID:         req.TurnID,
		Sequence:       seq,
		TopicLabel:     topicLabel(text, e.cfg.TopicLabelWords),
		Candidates:     candidates,
		Facts:          factSnap,
	})
	e.metrics.ObserveTurnStage("route", time.Since(routeStart))
	e.metrics.RoutingDecisions.WithLabelValues(string(out.Decision.Kind)).Inc()
	e.hub.Publish(req.ConversationID, protocol.TurnRouted{
		Type:           protocol.TypeTurnRouted,
		ConversationID: req.ConversationID,
		TurnID:         req.TurnID,
		Sequence:       seq,
		Decision:       string(out.Decision.Kind),
		BlockID:        out.Decision.BlockID,
		TopicLabel:     out.Decision.TopicLabel,
	})
	for _, archived := range out.Decision.ArchivedBlocks {
		e.metrics.BlocksArchived.Inc()
		e.hub.Publish(req.ConversationID, protocol.BlockArchived{
			Type:           protocol.TypeBlockArchived,
			ConversationID: req.ConversationID,
			BlockID:        archived,
			AtSequence:     seq,
		})
	}

	record := turns.TurnRecord{
		TurnID:         req.TurnID,
		ConversationID: req.ConversationID,
		BlockID:        out.Decision.BlockID,
		Sequence:       seq,
		Timestamp:      time.Now().UTC(),
		Text:           text,
	}
	if err := e.turns.SaveTurn(ctx, record); err != nil {
		e.metrics.TurnsProcessed.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("save turn: %w", err)
	}
	e.indexTurnDetached(record)

	activeTurns, err := e.turns.ListByBlock(ctx, req.ConversationID, out.Decision.BlockID)
	if err != nil {
		return nil, fmt.Errorf("list block turns: %w", err)
	}

	hydrateStart := time.Now()
	bundle, err := e.hydrator.Hydrate(hydrator.Input{
		ConversationID: req.ConversationID,
		TurnID:         req.TurnID,
		Sequence:       seq,
		ActiveTurns:    activeTurns,
		Memories:       out.Memories,
		RelevantKeys:   relevantKeys,
		Facts:          factSnap,
		ProfileSummary: profileSnap.Summary(),
	})
	e.metrics.ObserveTurnStage("hydrate", time.Since(hydrateStart))
	if err != nil {
		e.metrics.TurnsProcessed.WithLabelValues("budget_too_small").Inc()
		return nil, err
	}
	e.metrics.BundleTokens.Observe(float64(bundle.TokenEstimate))
	e.hub.Publish(req.ConversationID, protocol.BundleReady{
		Type:           protocol.TypeBundleReady,
		ConversationID: req.ConversationID,
		TurnID:         req.TurnID,
		TokenEstimate:  bundle.TokenEstimate,
		Truncated:      bundle.Truncated,
		Degraded:       out.Degraded,
	})

	reply, err := e.generator.Generate(ctx, bundle.Render(), req.Text)
	if err != nil {
		e.metrics.TurnsProcessed.WithLabelValues("generate_error").Inc()
		return nil, fmt.Errorf("generate: %w", err)
	}

	e.metrics.TurnsProcessed.WithLabelValues("ok").Inc()
	e.metrics.ObserveTurnStage("turn_total", time.Since(started))
	e.hub.Publish(req.ConversationID, protocol.TurnCompleted{
		Type:           protocol.TypeTurnCompleted,
		ConversationID: req.ConversationID,
		TurnID:         req.TurnID,
		Reply:          reply,
	})

	return &TurnResult{
		TurnID:   req.TurnID,
		Sequence: seq,
		Decision: out.Decision,
		Bundle:   bundle,
		Reply:    reply,
		Degraded: out.Degraded,
	}, nil
}

// extractWithRetry runs extraction with one retry on transient failure.
// A turn never fails because extraction did.
func (e *Engine) extractWithRetry(ctx context.Context, text string) []llm.ExtractedFact {
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ExtractTimeout)
		extracted, err := e.extractor.Extract(callCtx, text, "")
		cancel()
		if err == nil {
			return llm.FilterByConfidence(extracted, e.cfg.ConfidenceFloor)
		}
		if attempt == 0 && reliability.IsTransient(err) {
			time.Sleep(reliability.ExponentialBackoff(attempt, 100*time.Millisecond, time.Second))
			continue
		}
		log.Printf("extraction skipped for turn: %v", err)
		break
	}
	return nil
}

// applyFacts writes the extracted assertions and returns their keys for
// fact lookup during hydration.
func (e *Engine) applyFacts(ctx context.Context, req TurnRequest, seq uint64, extracted []llm.ExtractedFact, snap facts.Snapshot) []string {
	keys := make([]string, 0, len(extracted))
	for _, f := range extracted {
		if policy.DisallowedKey(f.Key) {
			log.Printf("dropping disallowed fact key %q", f.Key)
			continue
		}
		class := policy.ClassifyKey(f.Key)
		rec, err := e.facts.Upsert(ctx, facts.Assertion{
			ConversationID: req.ConversationID,
			Key:            f.Key,
			Value:          f.Value,
			SourceTurnID:   req.TurnID,
			Sequence:       seq,
			Pinned:         f.Pinned || class.Pinned,
			PolicyFlagged:  f.PolicyFlagged || class.PolicyFlagged,
			ObservedAt:     time.Now().UTC(),
		})
		if err != nil {
			log.Printf("fact upsert failed for key %q: %v", f.Key, err)
			continue
		}
		keys = append(keys, f.Key)
		_, hadPrior := snap.Get(f.Key)
		e.metrics.FactUpserts.Inc()
		e.hub.Publish(req.ConversationID, protocol.FactUpserted{
			Type:           protocol.TypeFactUpserted,
			ConversationID: req.ConversationID,
			FactID:         rec.FactID,
			Key:            rec.Key,
			Sequence:       seq,
			Superseded:     hadPrior,
		})
	}
	return keys
}

// applyProfile writes user-scoped attributes in the background.
func (e *Engine) applyProfile(conversationID string, seq uint64, extracted []llm.ExtractedFact) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, f := range extracted {
		attr, ok := strings.CutPrefix(f.Key, "user_")
		if !ok {
			continue
		}
		if err := e.profile.Apply(ctx, conversationID, attr, f.Value, seq); err != nil {
			log.Printf("profile update failed for %q: %v", attr, err)
		}
	}
}

// indexTurnDetached admits the turn into the similarity index without
// blocking the response path.
func (e *Engine) indexTurnDetached(record turns.TurnRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		vector, err := e.retriever.Embed(ctx, record.Text)
		if err != nil {
			log.Printf("index embed failed for turn %s: %v", record.TurnID, err)
			return
		}
		if err := e.index.IndexTurn(ctx, record.ConversationID, record.TurnID, record.BlockID, record.Sequence, record.Text, vector); err != nil {
			log.Printf("index turn %s failed: %v", record.TurnID, err)
		}
	}()
}

// topicLabel seeds a new block's label from the turn's leading words.
func topicLabel(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.ToLower(strings.Join(words, " "))
}
