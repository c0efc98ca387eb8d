package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Retriever wraps the embedder and searcher behind a timeout. Retrieval is
// the only collaborator the response path blocks on, so a slow or failing
// search degrades to an empty candidate set instead of failing the turn.
type Retriever struct {
	embedder Embedder
	searcher Searcher
	timeout  time.Duration
	cache    *ristretto.Cache
}

const embedCacheTTL = 10 * time.Minute

func NewRetriever(embedder Embedder, searcher Searcher, timeout time.Duration) (*Retriever, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 16,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		timeout:  timeout,
		cache:    cache,
	}, nil
}

// Retrieve embeds the turn text and searches for the top-k similar turns.
func (r *Retriever) Retrieve(ctx context.Context, conversationID, text string, k int) CandidateSet {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vector, err := r.Embed(ctx, text)
	if err != nil {
		log.Printf("retrieval degraded: embed failed: %v", err)
		return CandidateSet{Degraded: true}
	}

	candidates, err := r.searcher.Search(ctx, conversationID, vector, k)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		// One retry on transient failure, then degrade.
		candidates, err = r.searcher.Search(ctx, conversationID, vector, k)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("retrieval degraded: search timed out after %s", r.timeout)
		} else {
			log.Printf("retrieval degraded: search failed: %v", err)
		}
		return CandidateSet{Degraded: true}
	}
	return CandidateSet{Candidates: candidates}
}

// Embed returns the vector for text, serving repeats from the cache.
func (r *Retriever) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := r.cache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	r.cache.SetWithTTL(text, vec, int64(4*len(vec)), embedCacheTTL)
	return vec, nil
}

func (r *Retriever) Close() {
	r.cache.Close()
}
