package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockExtractor parses "remember key=value" phrases out of the turn text.
// It is deterministic, which makes it usable both in tests and when no API
// key is configured.
type MockExtractor struct{}

func (MockExtractor) Extract(_ context.Context, text, _ string) ([]ExtractedFact, error) {
	var facts []ExtractedFact
	for _, field := range strings.Fields(text) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" || value == "" {
			continue
		}
		facts = append(facts, ExtractedFact{
			Key:        strings.ToLower(key),
			Value:      value,
			Confidence: 0.9,
		})
	}
	return facts, nil
}

// MockGenerator echoes the query with the bundle size, enough to exercise
// the pipeline end to end without a model.
type MockGenerator struct{}

func (MockGenerator) Generate(_ context.Context, contextBundle, query string) (string, error) {
	return fmt.Sprintf("ack(%d): %s", len(contextBundle), query), nil
}
