package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"classifica/internal/fiscal"
	"classifica/internal/llm"
	"classifica/internal/logging"
	"classifica/internal/store"
	"classifica/internal/trace"
)

const chipCEST = "21.064.00"

const cestSystem = `You assign the CEST code (format SS.III.DD) to a product already holding an NCM code.
Choose only from the candidate CESTs listed, or answer has_cest=false when none applies.
Medicines under NCM 3004 always take a CEST from segment 13.
Reply with a single JSON object:
{"cest": "SS.III.DD or empty", "has_cest": true|false, "confidence": 0.0-1.0, "justification": "...", "alternatives": ["SS.III.DD", ...]}`

// CESTResult is the outcome of the CEST assignment step.
type CESTResult struct {
	CEST          string   `json:"cest"`
	HasCEST       bool     `json:"has_cest"`
	Confidence    float64  `json:"confidence"`
	Justification string   `json:"justification"`
	Alternatives  []string `json:"alternatives,omitempty"`
}

// CESTAgent picks the CEST for a product given its assigned NCM.
type CESTAgent struct {
	client llm.Client
	store  *store.KnowledgeStore
	logger *zap.Logger
}

func NewCESTAgent(client llm.Client, s *store.KnowledgeStore) *CESTAgent {
	return &CESTAgent{client: client, store: s, logger: logging.For("agents.cest")}
}

// Assign resolves the CEST for the product. Candidates come from the
// catalog; the model only chooses among them. An answer that violates the
// binding rules degrades to has_cest=false with the violation recorded in
// the justification.
func (a *CESTAgent) Assign(ctx context.Context, rec *trace.Recorder, exp ExpansionResult, ncm NCMResult) (CESTResult, error) {
	finish := rec.Begin("cest", ncm)

	if ncm.NCM == chipNCM {
		result := CESTResult{
			CEST:          chipCEST,
			HasCEST:       true,
			Confidence:    0.95,
			Justification: "telecom chip / SIM card, fixed CEST rule",
		}
		finish(result, 0, nil)
		return result, nil
	}

	candidates, err := a.store.GetCESTsForNCM(ncm.NCM)
	if err != nil {
		finish(nil, 0, err)
		return CESTResult{}, err
	}
	rec.Consult(trace.Consultation{
		Query:       ncm.NCM,
		Source:      "ncm_cest_mapping",
		ResultCount: len(candidates),
	})

	if len(candidates) == 0 {
		result := CESTResult{
			HasCEST:       false,
			Confidence:    0.9,
			Justification: "no cest bound to this ncm or its ancestors",
		}
		finish(result, 0, nil)
		return result, nil
	}

	prompt := a.buildPrompt(exp, ncm, candidates)
	var raw CESTResult
	tokens, err := generate(ctx, a.client, cestSystem, prompt, 0.1, &raw)
	if err != nil {
		// Single candidate needs no model judgment anyway.
		if len(candidates) == 1 {
			result := a.validated(candidates[0].CEST, ncm, 0.7,
				"only candidate bound to the ncm")
			finish(result, tokens, nil)
			return result, nil
		}
		finish(nil, tokens, err)
		return CESTResult{}, err
	}

	result := a.sanitize(raw, ncm)
	finish(result, tokens, nil)
	return result, nil
}

func (a *CESTAgent) buildPrompt(exp ExpansionResult, ncm NCMResult, candidates []fiscal.Binding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\nAssigned NCM: %s\n", exp.Expanded, ncm.NCM)
	b.WriteString("Candidate CESTs:\n")
	for _, c := range candidates {
		desc := ""
		if entry, err := a.store.GetCEST(c.CEST); err == nil {
			desc = entry.Description
		}
		fmt.Fprintf(&b, "- %s %s (bound to NCM %s, %s)\n", c.CEST, desc, c.NCM, c.Relation)
	}
	return b.String()
}

// sanitize normalizes every code in the reply, drops malformed
// alternatives, and downgrades binding violations instead of failing.
func (a *CESTAgent) sanitize(raw CESTResult, ncm NCMResult) CESTResult {
	result := CESTResult{
		HasCEST:       raw.HasCEST,
		Confidence:    clampConfidence(raw.Confidence),
		Justification: raw.Justification,
	}

	for _, alt := range raw.Alternatives {
		if normalized, ok := fiscal.NormalizeCEST(alt); ok {
			result.Alternatives = append(result.Alternatives, normalized)
		}
	}

	if !raw.HasCEST || raw.CEST == "" {
		result.HasCEST = false
		result.CEST = ""
		return result
	}

	normalized, ok := fiscal.NormalizeCEST(raw.CEST)
	if !ok {
		a.logger.Warn("model produced malformed cest", zap.String("cest", raw.CEST))
		result.HasCEST = false
		result.CEST = ""
		result.Confidence = 0.1
		result.Justification = fmt.Sprintf("malformed cest %q from model; %s", raw.CEST, raw.Justification)
		return result
	}

	binding, err := fiscal.ValidateBinding(ncm.NCM, normalized, a.store)
	if err != nil || !binding.Valid {
		reason := "binding validation failed"
		if err == nil {
			reason = binding.Reason
		}
		a.logger.Warn("model chose unbound cest",
			zap.String("ncm", ncm.NCM), zap.String("cest", normalized), zap.String("reason", reason))
		result.HasCEST = false
		result.CEST = ""
		result.Confidence = 0.1
		result.Justification = fmt.Sprintf("cest %s rejected: %s; %s", normalized, reason, raw.Justification)
		return result
	}

	result.CEST = normalized
	return result
}

func (a *CESTAgent) validated(cest string, ncm NCMResult, confidence float64, justification string) CESTResult {
	binding, err := fiscal.ValidateBinding(ncm.NCM, cest, a.store)
	if err != nil || !binding.Valid {
		return CESTResult{
			HasCEST:       false,
			Confidence:    0.1,
			Justification: fmt.Sprintf("candidate %s failed binding validation", cest),
		}
	}
	return CESTResult{
		CEST:          binding.CEST,
		HasCEST:       true,
		Confidence:    confidence,
		Justification: justification,
	}
}
