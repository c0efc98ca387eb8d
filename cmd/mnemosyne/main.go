package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmoretti/mnemosyne/internal/blocks"
	"github.com/lmoretti/mnemosyne/internal/config"
	"github.com/lmoretti/mnemosyne/internal/conversation"
	"github.com/lmoretti/mnemosyne/internal/engine"
	"github.com/lmoretti/mnemosyne/internal/facts"
	"github.com/lmoretti/mnemosyne/internal/governor"
	"github.com/lmoretti/mnemosyne/internal/httpapi"
	"github.com/lmoretti/mnemosyne/internal/hydrator"
	"github.com/lmoretti/mnemosyne/internal/llm"
	"github.com/lmoretti/mnemosyne/internal/observability"
	"github.com/lmoretti/mnemosyne/internal/profile"
	"github.com/lmoretti/mnemosyne/internal/retrieval"
	"github.com/lmoretti/mnemosyne/internal/turns"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	factStore, err := facts.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("fact store init failed: %v", err)
	}
	defer factStore.Close()

	turnStore, err := turns.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("turn store init failed: %v", err)
	}
	defer turnStore.Close()

	profileStore, err := profile.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("profile store init failed: %v", err)
	}
	defer profileStore.Close()

	index, err := retrieval.NewIndex(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
	if err != nil {
		log.Fatalf("similarity index init failed: %v", err)
	}
	defer index.Close()

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Printf("store mode: in-memory (DATABASE_URL not set)")
	} else {
		log.Printf("store mode: postgres")
	}

	embedder := retrieval.NewMockEmbedder(cfg.EmbeddingDim)
	log.Printf("embedder: deterministic mock (%d dims)", cfg.EmbeddingDim)
	retriever, err := retrieval.NewRetriever(embedder, index, cfg.RetrievalTimeout)
	if err != nil {
		log.Fatalf("retriever init failed: %v", err)
	}
	defer retriever.Close()

	var (
		extractor llm.Extractor
		generator llm.Generator
	)
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		client := llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.ExtractModel, cfg.GenerateModel)
		extractor = client
		generator = client
		log.Printf("llm provider: anthropic (extract=%s generate=%s)", cfg.ExtractModel, cfg.GenerateModel)
	} else {
		extractor = llm.MockExtractor{}
		generator = llm.MockGenerator{}
		log.Printf("llm provider: mock (ANTHROPIC_API_KEY not set)")
	}

	registry := conversation.NewRegistry(cfg.InactivityTimeout)
	registry.SetExpireHook(func(c conversation.Conversation) {
		metrics.OpenConversations.Set(float64(registry.OpenCount()))
		log.Printf("conversation %s expired after inactivity", c.ID)
	})

	blockManager := blocks.NewManager(blocks.Config{
		ResumeThreshold: cfg.ResumeThreshold,
		TieBreakMargin:  cfg.TieBreakMargin,
		IdleWindow:      cfg.IdleWindow,
	})

	gov := governor.New(governor.Config{
		SimilarityWeight: cfg.SimilarityWeight,
		RecencyWeight:    cfg.RecencyWeight,
		BlockStateWeight: cfg.BlockStateWeight,
		PinBonus:         cfg.PinBonus,
		DedupThreshold:   cfg.DedupThreshold,
		RecencyHalfLife:  float64(cfg.RecencyHalfLife),
		ArchiveRetention: cfg.ArchiveRetention,
		PerBlockBudget:   cfg.PerBlockBudget,
	}, blockManager)

	hyd := hydrator.New(hydrator.Config{TokenBudget: cfg.TokenBudget})
	hub := engine.NewHub()

	eng := engine.New(engine.Config{
		SearchK:         cfg.SearchK,
		ConfidenceFloor: cfg.ConfidenceFloor,
		ExtractTimeout:  cfg.ExtractTimeout,
	}, engine.Deps{
		Registry:  registry,
		Facts:     factStore,
		Turns:     turnStore,
		Profile:   profileStore,
		Blocks:    blockManager,
		Governor:  gov,
		Hydrator:  hyd,
		Retriever: retriever,
		Index:     index,
		Extractor: extractor,
		Generator: generator,
		Metrics:   metrics,
		Hub:       hub,
	})

	api := httpapi.New(cfg, registry, factStore, blockManager, profileStore, eng, hub, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, time.Minute)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
