// Package agents implements the classification chain: expansion,
// aggregation, NCM assignment, CEST assignment and reconciliation. Each
// agent is a small struct over the shared LLM client, the knowledge store
// and the trace recorder.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"classifica/internal/fiscal"
	"classifica/internal/llm"
)

// ErrAgentFailure marks a model reply the agent could not use. The caller
// decides whether a deterministic fallback applies.
var ErrAgentFailure = errors.New("agents: unusable model reply")

// Product is the raw input of one classification.
type Product struct {
	Code            string `json:"product_code,omitempty"`
	Barcode         string `json:"barcode,omitempty"`
	Description     string `json:"description"`
	FullDescription string `json:"full_description,omitempty"`
}

// Validate rejects empty inputs before any model call happens.
func (p Product) Validate() error {
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("agents: empty product description: %w", fiscal.ErrInputFormat)
	}
	return nil
}

// decodeJSON parses an LLM reply into out. Models wrap JSON in prose or
// markdown fences often enough that a failed strict parse retries on the
// slice between the first '{' and the last '}'.
func decodeJSON(reply string, out any) error {
	reply = strings.TrimSpace(reply)
	if err := json.Unmarshal([]byte(reply), out); err == nil {
		return nil
	}
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start == -1 || end <= start {
		return fmt.Errorf("agents: no JSON object in reply: %w", ErrAgentFailure)
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), out); err != nil {
		return fmt.Errorf("agents: malformed JSON in reply: %v: %w", err, ErrAgentFailure)
	}
	return nil
}

// generate runs one completion and decodes the JSON reply, returning the
// token count for trace accounting.
func generate(ctx context.Context, client llm.Client, system, prompt string, temperature float64, out any) (int, error) {
	resp, err := client.Generate(ctx, llm.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   2048,
	})
	if err != nil {
		return 0, err
	}
	if err := decodeJSON(resp.Text, out); err != nil {
		return resp.TokensUsed, err
	}
	return resp.TokensUsed, nil
}
