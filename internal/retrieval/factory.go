package retrieval

import "context"

// NewIndex selects the vector backend. An empty database URL selects the
// embedded in-process index.
func NewIndex(ctx context.Context, databaseURL string, dims int) (Index, error) {
	if databaseURL == "" {
		return NewChromemIndex(), nil
	}
	return NewPgvectorIndex(ctx, databaseURL, dims)
}
