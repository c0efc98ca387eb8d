package llm

import (
	"context"
	"testing"
)

func TestParseExtractedToleratesFences(t *testing.T) {
	raw := "```json\n[{\"key\": \"deploy_day\", \"value\": \"friday\", \"confidence\": 0.95}]\n```"
	facts, err := parseExtracted(raw)
	if err != nil {
		t.Fatalf("parseExtracted() error = %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("parseExtracted() returned %d facts, want 1", len(facts))
	}
	if facts[0].Key != "deploy_day" || facts[0].Value != "friday" {
		t.Fatalf("parseExtracted() = %+v, want deploy_day=friday", facts[0])
	}
}

func TestParseExtractedEmptyArray(t *testing.T) {
	facts, err := parseExtracted("[]")
	if err != nil {
		t.Fatalf("parseExtracted() error = %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("parseExtracted() returned %d facts, want 0", len(facts))
	}
}

func TestParseExtractedRejectsProse(t *testing.T) {
	if _, err := parseExtracted("no facts found"); err == nil {
		t.Fatal("parseExtracted() error = nil, want error for missing array")
	}
}

func TestFilterByConfidence(t *testing.T) {
	facts := []ExtractedFact{
		{Key: "a", Confidence: 0.9},
		{Key: "b", Confidence: 0.5},
		{Key: "c", Confidence: 0.7},
	}
	kept := FilterByConfidence(facts, 0.7)
	if len(kept) != 2 {
		t.Fatalf("FilterByConfidence() kept %d, want 2", len(kept))
	}
	if kept[0].Key != "a" || kept[1].Key != "c" {
		t.Fatalf("FilterByConfidence() = %+v, want a and c", kept)
	}
}

func TestMockExtractor(t *testing.T) {
	facts, err := MockExtractor{}.Extract(context.Background(), "remember deploy_day=friday and tz=utc", "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("Extract() returned %d facts, want 2", len(facts))
	}
	if facts[0].Key != "deploy_day" || facts[0].Value != "friday" {
		t.Fatalf("Extract()[0] = %+v, want deploy_day=friday", facts[0])
	}
}
