package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const extractSystemPrompt = `Extract durable facts from the user's message as a JSON array.
Each element: {"key": snake_case identifier, "value": string, "confidence": 0..1,
"pinned": true only for standing rules the user states must always hold,
"policy_flagged": true only for compliance or safety constraints}.
Return [] when the message contains no durable facts. Output JSON only.`

// AnthropicClient adapts the Anthropic Messages API to the Extractor and
// Generator interfaces.
type AnthropicClient struct {
	client        *anthropic.Client
	extractModel  anthropic.Model
	generateModel anthropic.Model
}

func NewAnthropicClient(apiKey, extractModel, generateModel string) *AnthropicClient {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicClient{
		client:        &client,
		extractModel:  anthropic.Model(extractModel),
		generateModel: anthropic.Model(generateModel),
	}
}

func (c *AnthropicClient) Extract(ctx context.Context, text, surrounding string) ([]ExtractedFact, error) {
	user := text
	if surrounding != "" {
		user = fmt.Sprintf("Recent context:\n%s\n\nMessage:\n%s", surrounding, text)
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.extractModel,
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: extractSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extract call: %w", err)
	}

	raw := firstText(resp)
	facts, err := parseExtracted(raw)
	if err != nil {
		return nil, fmt.Errorf("parse extraction output: %w", err)
	}
	return facts, nil
}

func (c *AnthropicClient) Generate(ctx context.Context, contextBundle, query string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.generateModel,
		MaxTokens: 2048,
		System:    []anthropic.TextBlockParam{{Text: contextBundle}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(query)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("generate call: %w", err)
	}
	return firstText(resp), nil
}

func firstText(resp *anthropic.Message) string {
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.AsText().Text
		}
	}
	return ""
}

// parseExtracted tolerates code fences and leading prose around the JSON
// array.
func parseExtracted(raw string) ([]ExtractedFact, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in %q", raw)
	}

	var facts []ExtractedFact
	if err := json.Unmarshal([]byte(raw[start:end+1]), &facts); err != nil {
		return nil, err
	}
	return facts, nil
}
