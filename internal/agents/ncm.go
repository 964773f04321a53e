package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"classifica/internal/fiscal"
	"classifica/internal/llm"
	"classifica/internal/logging"
	"classifica/internal/product"
	"classifica/internal/retrieval"
	"classifica/internal/store"
	"classifica/internal/trace"
)

// Pharma last-resort codes: generic "other medicines" plus its default CEST.
const (
	pharmaDefaultNCM  = "30049099"
	pharmaDefaultCEST = "13.001.00"
)

const chipNCM = "85235290"

const ncmSystem = `You assign the 8-digit Brazilian NCM code to a product.
Use the knowledge context when it is provided; prefer codes that appear there.
Special cases you must honor:
- Telecom chips and SIM cards are NCM 85235290.
- Medicines in measured doses belong under heading 3004.
Reply with a single JSON object:
{"ncm": "8 digits", "confidence": 0.0-1.0, "justification": "...", "alternatives": ["8 digits", ...]}`

// NCMResult is the outcome of the NCM assignment step.
type NCMResult struct {
	NCM           string   `json:"ncm"`
	Confidence    float64  `json:"confidence"`
	Justification string   `json:"justification"`
	Alternatives  []string `json:"alternatives,omitempty"`
	Fallback      string   `json:"fallback,omitempty"`
}

// NCMAgent picks the NCM code for an expanded product.
type NCMAgent struct {
	client      llm.Client
	store       *store.KnowledgeStore
	attenuation float64
	logger      *zap.Logger
}

// NewNCMAgent builds the agent. attenuation scales confidence whenever a
// fallback replaces the model's own answer.
func NewNCMAgent(client llm.Client, s *store.KnowledgeStore, attenuation float64) *NCMAgent {
	if attenuation <= 0 || attenuation > 1 {
		attenuation = 0.7
	}
	return &NCMAgent{
		client:      client,
		store:       s,
		attenuation: attenuation,
		logger:      logging.For("agents.ncm"),
	}
}

// Assign resolves the NCM for one product. The order of resorts: hardcoded
// special cases, the model's answer checked against the catalog, the
// model's alternatives, the nearest catalog code, the top retrieval
// exemplar, and for pharmaceuticals the generic medicine code.
func (a *NCMAgent) Assign(ctx context.Context, rec *trace.Recorder, exp ExpansionResult, kctx retrieval.Context) (NCMResult, error) {
	finish := rec.Begin("ncm", exp)

	if result, ok := a.specialCase(exp); ok {
		finish(result, 0, nil)
		return result, nil
	}

	prompt := a.buildPrompt(exp, kctx)
	var raw NCMResult
	tokens, err := generate(ctx, a.client, ncmSystem, prompt, 0.1, &raw)
	if err != nil {
		result, fbErr := a.retrievalFallback(exp, kctx)
		finish(result, tokens, err)
		if fbErr != nil {
			return NCMResult{}, errors.Join(err, fbErr)
		}
		a.logger.Warn("ncm model call failed, used fallback",
			zap.String("fallback", result.Fallback), zap.Error(err))
		return result, nil
	}

	result, resolveErr := a.resolve(rec, raw)
	if resolveErr != nil {
		// The model answered but named nothing resolvable in the catalog.
		fallback, fbErr := a.retrievalFallback(exp, kctx)
		if fbErr != nil {
			finish(raw, tokens, resolveErr)
			return NCMResult{}, errors.Join(resolveErr, fbErr)
		}
		finish(fallback, tokens, nil)
		return fallback, nil
	}
	finish(result, tokens, nil)
	return result, nil
}

// specialCase handles products whose NCM is fixed by rule, not judgment.
func (a *NCMAgent) specialCase(exp ExpansionResult) (NCMResult, bool) {
	tokens := make(map[string]bool)
	for _, t := range product.Tokens(exp.Original + " " + exp.Expanded) {
		tokens[t] = true
	}
	for _, kw := range exp.Keywords {
		tokens[kw] = true
	}

	if tokens["chip"] || (tokens["sim"] && (tokens["card"] || tokens["cartao"])) {
		return NCMResult{
			NCM:           chipNCM,
			Confidence:    0.95,
			Justification: "telecom chip / SIM card, fixed NCM rule",
		}, true
	}
	return NCMResult{}, false
}

func (a *NCMAgent) buildPrompt(exp ExpansionResult, kctx retrieval.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\n", exp.Original)
	if exp.Expanded != exp.Original {
		fmt.Fprintf(&b, "Expanded: %s\n", exp.Expanded)
	}
	if len(exp.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(exp.Keywords, ", "))
	}
	if exp.Pharmaceutical {
		b.WriteString("The product is pharmaceutical.\n")
	}
	if block := kctx.Render(); block != "" {
		b.WriteString("\nKNOWLEDGE CONTEXT:\n")
		b.WriteString(block)
	}
	return b.String()
}

// resolve validates the model's answer against the catalog, trying
// alternatives by specificity and then the nearest catalog code.
func (a *NCMAgent) resolve(rec *trace.Recorder, raw NCMResult) (NCMResult, error) {
	candidates := make([]string, 0, 1+len(raw.Alternatives))
	if raw.NCM != "" {
		candidates = append(candidates, raw.NCM)
	}
	alts := append([]string(nil), raw.Alternatives...)
	// Longer codes first; equal lengths lexicographic for determinism.
	sort.Slice(alts, func(i, j int) bool {
		if len(alts[i]) != len(alts[j]) {
			return len(alts[i]) > len(alts[j])
		}
		return alts[i] < alts[j]
	})
	candidates = append(candidates, alts...)

	confidence := clampConfidence(raw.Confidence)

	var firstNormalized string
	for i, cand := range candidates {
		normalized, ok := fiscal.NormalizeNCM(cand)
		if !ok {
			continue
		}
		if firstNormalized == "" {
			firstNormalized = normalized
		}
		if _, err := a.store.GetNCM(normalized); err == nil {
			rec.Consult(trace.Consultation{
				Query: normalized, Source: "ncm_hierarchy", ResultCount: 1, TopScore: 1,
			})
			result := raw
			result.NCM = normalized
			result.Confidence = confidence
			if i > 0 {
				result.Confidence = confidence * a.attenuation
				result.Fallback = "alternative"
			}
			return result, nil
		}
	}

	if firstNormalized != "" {
		if entry, err := a.store.BestNCMMatch(firstNormalized); err == nil {
			rec.Consult(trace.Consultation{
				Query: firstNormalized, Source: "ncm_hierarchy", ResultCount: 1, TopScore: 0.5,
			})
			return NCMResult{
				NCM:           entry.Code,
				Confidence:    confidence * a.attenuation,
				Justification: fmt.Sprintf("nearest catalog code to %s: %s", firstNormalized, entry.Description),
				Fallback:      "best_match",
			}, nil
		}
	}
	return NCMResult{}, fmt.Errorf("agents: model named no resolvable ncm: %w", fiscal.ErrCatalogMiss)
}

// retrievalFallback answers from the exemplars when the model cannot.
func (a *NCMAgent) retrievalFallback(exp ExpansionResult, kctx retrieval.Context) (NCMResult, error) {
	if len(kctx.Exemplars) > 0 {
		top := kctx.Exemplars[0]
		if normalized, ok := fiscal.NormalizeNCM(top.NCM); ok {
			return NCMResult{
				NCM:           normalized,
				Confidence:    clampConfidence(top.Score) * a.attenuation,
				Justification: fmt.Sprintf("taken from closest classified product: %s", top.Description),
				Fallback:      "top_exemplar",
			}, nil
		}
	}
	if exp.Pharmaceutical {
		return NCMResult{
			NCM:           pharmaDefaultNCM,
			Confidence:    0.3,
			Justification: "pharmaceutical with no catalog signal, generic medicine code",
			Fallback:      "pharma_default",
		}, nil
	}
	return NCMResult{}, fmt.Errorf("agents: no ncm fallback available: %w", fiscal.ErrCatalogMiss)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
