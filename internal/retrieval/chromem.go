package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex is an embedded, in-process vector index. Each conversation
// gets its own collection so searches never cross conversation boundaries.
type ChromemIndex struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (x *ChromemIndex) collection(conversationID string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[conversationID]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[conversationID]; ok {
		return col, nil
	}

	col, err := x.db.CreateCollection("conv_"+sanitize(conversationID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[conversationID] = col
	return col, nil
}

func (x *ChromemIndex) IndexTurn(ctx context.Context, conversationID, turnID, blockID string, sequence uint64, text string, vector []float32) error {
	col, err := x.collection(conversationID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        turnID,
		Content:   text,
		Embedding: vector,
		Metadata: map[string]string{
			"block_id": blockID,
			"sequence": strconv.FormatUint(sequence, 10),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Search(ctx context.Context, conversationID string, vector []float32, k int) ([]Candidate, error) {
	col, err := x.collection(conversationID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	if n := col.Count(); k > n {
		k = n
	}
	if k == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	candidates := make([]Candidate, 0, len(results))
	for _, res := range results {
		seq, err := strconv.ParseUint(res.Metadata["sequence"], 10, 64)
		if err != nil {
			continue
		}
		candidates = append(candidates, Candidate{
			TurnID:     res.ID,
			BlockID:    res.Metadata["block_id"],
			Sequence:   seq,
			Text:       res.Content,
			Similarity: float64(res.Similarity),
		})
	}
	return candidates, nil
}

func (x *ChromemIndex) Close() error {
	return nil
}

// sanitize keeps collection names within chromem's accepted charset.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
