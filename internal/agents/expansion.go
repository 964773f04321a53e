package agents

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"

	"go.uber.org/zap"

	"classifica/internal/llm"
	"classifica/internal/logging"
	"classifica/internal/product"
	"classifica/internal/trace"
)

const maxKeywords = 10

const expansionSystem = `You enrich abbreviated Brazilian retail product descriptions for fiscal classification.
Expand abbreviations, spell out units and name the product category.
Reply with a single JSON object:
{"expanded_description": "...", "keywords": ["..."], "category_hint": "...",
 "material_hint": "...", "is_pharmaceutical": true|false}
Rules:
- Keep every word of the original description inside the expanded text.
- At most 10 keywords, lowercase, no duplicates.
- category_hint names the main product category, material_hint the dominant
  material; leave either empty when unsure.
- is_pharmaceutical is true only for medicines and pharmacy products.`

// ExpansionResult is the enriched view of one product description.
type ExpansionResult struct {
	Original       string   `json:"original"`
	Expanded       string   `json:"expanded_description"`
	Keywords       []string `json:"keywords"`
	CategoryHint   string   `json:"category_hint,omitempty"`
	MaterialHint   string   `json:"material_hint,omitempty"`
	Pharmaceutical bool     `json:"is_pharmaceutical"`
	CacheHit       bool     `json:"cache_hit,omitempty"`
}

// ExpansionAgent turns terse descriptions into searchable text. Results are
// cached by content hash because batches repeat descriptions heavily.
type ExpansionAgent struct {
	client llm.Client
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]ExpansionResult
}

func NewExpansionAgent(client llm.Client) *ExpansionAgent {
	return &ExpansionAgent{
		client: client,
		logger: logging.For("agents.expansion"),
		cache:  make(map[string]ExpansionResult),
	}
}

func expansionCacheKey(p Product) string {
	sum := md5.Sum([]byte(p.Description + "||" + p.FullDescription))
	return hex.EncodeToString(sum[:])
}

// Expand enriches one product description. An unusable model reply falls
// back to the original description with keywords derived locally, so the
// chain never stalls on expansion.
func (a *ExpansionAgent) Expand(ctx context.Context, rec *trace.Recorder, p Product) (ExpansionResult, error) {
	if err := p.Validate(); err != nil {
		return ExpansionResult{}, err
	}

	key := expansionCacheKey(p)
	a.mu.Lock()
	if cached, ok := a.cache[key]; ok {
		a.mu.Unlock()
		cached.CacheHit = true
		finish := rec.Begin("expansion", p)
		finish(cached, 0, nil)
		return cached, nil
	}
	a.mu.Unlock()

	finish := rec.Begin("expansion", p)

	prompt := "Product description: " + p.Description
	if p.FullDescription != "" {
		prompt += "\nAdditional detail: " + p.FullDescription
	}

	var raw ExpansionResult
	tokens, err := generate(ctx, a.client, expansionSystem, prompt, 0.2, &raw)
	if err != nil {
		fallback := a.fallback(p)
		finish(fallback, tokens, err)
		a.logger.Warn("expansion fell back to original description",
			zap.String("description", p.Description), zap.Error(err))
		a.storeCache(key, fallback)
		return fallback, nil
	}

	result := a.sanitize(p, raw)
	finish(result, tokens, nil)
	a.storeCache(key, result)
	return result, nil
}

func (a *ExpansionAgent) storeCache(key string, r ExpansionResult) {
	r.CacheHit = false
	a.mu.Lock()
	a.cache[key] = r
	a.mu.Unlock()
}

// sanitize enforces the output contract: the expansion must preserve every
// content token of the input, keywords are deduplicated and capped.
func (a *ExpansionAgent) sanitize(p Product, raw ExpansionResult) ExpansionResult {
	result := ExpansionResult{
		Original:       p.Description,
		Expanded:       strings.TrimSpace(raw.Expanded),
		CategoryHint:   strings.TrimSpace(raw.CategoryHint),
		MaterialHint:   strings.TrimSpace(raw.MaterialHint),
		Pharmaceutical: raw.Pharmaceutical,
	}

	if result.Expanded == "" || !containsAllTokens(result.Expanded, p.Description) {
		a.logger.Warn("expansion dropped input tokens, keeping original",
			zap.String("description", p.Description))
		result.Expanded = p.Description
	}

	seen := make(map[string]bool)
	for _, kw := range raw.Keywords {
		kw = product.NormalizeDescription(kw)
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		result.Keywords = append(result.Keywords, kw)
		if len(result.Keywords) == maxKeywords {
			break
		}
	}
	if len(result.Keywords) == 0 {
		result.Keywords = localKeywords(p.Description)
	}
	return result
}

func (a *ExpansionAgent) fallback(p Product) ExpansionResult {
	return ExpansionResult{
		Original: p.Description,
		Expanded: p.Description,
		Keywords: localKeywords(p.Description),
	}
}

func localKeywords(description string) []string {
	tokens := product.Tokens(description)
	if len(tokens) > maxKeywords {
		tokens = tokens[:maxKeywords]
	}
	return tokens
}

// containsAllTokens reports whether every content token of input appears in
// the expanded text after normalization.
func containsAllTokens(expanded, input string) bool {
	have := make(map[string]bool)
	for _, tok := range product.Tokens(expanded) {
		have[tok] = true
	}
	for _, tok := range product.Tokens(input) {
		if !have[tok] {
			return false
		}
	}
	return true
}
