package retrieval

import "context"

// Candidate is one similarity-search hit: a turn reference with its score.
// Candidate sets are request-scoped and never persisted.
type Candidate struct {
	TurnID     string  `json:"turn_id"`
	BlockID    string  `json:"block_id"`
	Sequence   uint64  `json:"sequence"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// CandidateSet is the raw retrieval output handed to the governor. Degraded
// marks the explicit fallback taken when the search timed out or failed:
// the set is empty and the turn proceeds on stored facts alone.
type CandidateSet struct {
	Candidates []Candidate
	Degraded   bool
}

// Embedder converts text to a vector. The same text and model configuration
// always produce the same vector, so results are safe to cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Searcher runs the external similarity search over indexed turns.
type Searcher interface {
	Search(ctx context.Context, conversationID string, vector []float32, k int) ([]Candidate, error)
}

// Indexer admits turns into the similarity index.
type Indexer interface {
	IndexTurn(ctx context.Context, conversationID, turnID, blockID string, sequence uint64, text string, vector []float32) error
}

// Index combines search and admission; both backends implement it.
type Index interface {
	Searcher
	Indexer
	Close() error
}
