package llm

import "context"

// ExtractedFact is one candidate assertion pulled from a turn.
type ExtractedFact struct {
	Key           string  `json:"key"`
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
	Pinned        bool    `json:"pinned,omitempty"`
	PolicyFlagged bool    `json:"policy_flagged,omitempty"`
}

// Extractor pulls key/value assertions out of turn text. The surrounding
// string carries recent conversation context to disambiguate pronouns.
type Extractor interface {
	Extract(ctx context.Context, text, surrounding string) ([]ExtractedFact, error)
}

// Generator produces the assistant reply from the assembled context and
// the user's query.
type Generator interface {
	Generate(ctx context.Context, contextBundle, query string) (string, error)
}

// FilterByConfidence drops facts below the floor. The floor is applied
// before anything reaches the fact store.
func FilterByConfidence(extracted []ExtractedFact, floor float64) []ExtractedFact {
	kept := make([]ExtractedFact, 0, len(extracted))
	for _, f := range extracted {
		if f.Confidence >= floor {
			kept = append(kept, f)
		}
	}
	return kept
}
