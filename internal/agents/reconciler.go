package agents

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"classifica/internal/fiscal"
	"classifica/internal/logging"
	"classifica/internal/store"
	"classifica/internal/trace"
)

// lowConfidence caps the confidence of any result the reconciler had to
// repair.
const lowConfidence = 0.3

// ReconcileResult is the final verdict over an NCM/CEST pair.
type ReconcileResult struct {
	NCM           string   `json:"ncm"`
	CEST          string   `json:"cest,omitempty"`
	Confidence    float64  `json:"confidence"`
	NeedsReview   bool     `json:"needs_review"`
	Justification string   `json:"justification"`
	Audit         []string `json:"audit,omitempty"`
}

// ReconcilerAgent is the deterministic last gate: it re-validates the
// NCM/CEST pair against the binding rules and repairs or flags anything the
// earlier agents let through.
type ReconcilerAgent struct {
	store  *store.KnowledgeStore
	logger *zap.Logger
}

func NewReconcilerAgent(s *store.KnowledgeStore) *ReconcilerAgent {
	return &ReconcilerAgent{store: s, logger: logging.For("agents.reconciler")}
}

// Reconcile checks the pair one last time. A violated binding drops the
// CEST, or swaps in the single suggested alternative when the catalog
// offers exactly one; either way the confidence collapses and the result is
// flagged for human review.
func (a *ReconcilerAgent) Reconcile(rec *trace.Recorder, ncm NCMResult, cest CESTResult) (ReconcileResult, error) {
	finish := rec.Begin("reconciler", map[string]any{"ncm": ncm, "cest": cest})

	result := ReconcileResult{
		NCM:           ncm.NCM,
		Confidence:    combineConfidence(ncm, cest),
		Justification: ncm.Justification,
	}
	result.Audit = append(result.Audit, fmt.Sprintf("ncm %s confidence %.2f", ncm.NCM, ncm.Confidence))

	ncmValidation := fiscal.ValidateNCM(ncm.NCM)
	if !ncmValidation.Valid {
		err := fmt.Errorf("agents: reconciler got malformed ncm %q: %w", ncm.NCM, fiscal.ErrInputFormat)
		finish(nil, 0, err)
		return ReconcileResult{}, err
	}

	if !cest.HasCEST {
		result.Audit = append(result.Audit, "no cest assigned")
		if cest.Confidence < result.Confidence {
			result.Confidence = cest.Confidence
		}
		finish(result, 0, nil)
		return result, nil
	}

	// ErrBindingViolation is the repair case, not a failure: the result
	// carries Suggestions and the reason. Only format and storage errors
	// abort.
	binding, err := fiscal.ValidateBinding(ncm.NCM, cest.CEST, a.store)
	if err != nil && !errors.Is(err, fiscal.ErrBindingViolation) {
		finish(nil, 0, err)
		return ReconcileResult{}, err
	}
	rec.Consult(trace.Consultation{
		Query:       ncm.NCM + "/" + cest.CEST,
		Source:      "ncm_cest_mapping",
		ResultCount: len(binding.Suggestions),
	})

	if binding.Valid {
		result.CEST = binding.CEST
		result.Audit = append(result.Audit, fmt.Sprintf("binding %s/%s valid", binding.NCM, binding.CEST))
		a.consultSiblings(rec, &result, binding.NCM, binding.CEST)
		finish(result, 0, nil)
		return result, nil
	}

	a.logger.Warn("reconciler caught invalid binding",
		zap.String("ncm", ncm.NCM), zap.String("cest", cest.CEST),
		zap.String("reason", binding.Reason))
	result.Audit = append(result.Audit,
		fmt.Sprintf("binding %s/%s rejected: %s", binding.NCM, binding.CEST, binding.Reason))

	if len(binding.Suggestions) == 1 {
		// One unambiguous replacement from the catalog.
		repaired, err := fiscal.ValidateBinding(ncm.NCM, binding.Suggestions[0], a.store)
		if err == nil && repaired.Valid {
			result.CEST = repaired.CEST
			result.Audit = append(result.Audit,
				fmt.Sprintf("replaced with catalog suggestion %s", repaired.CEST))
		}
	}

	result.Confidence = lowConfidence
	result.NeedsReview = true
	result.Justification = fmt.Sprintf("binding violation: %s", binding.Reason)
	finish(result, 0, nil)
	return result, nil
}

// consultSiblings re-reads the exemplar base with the settled pair so the
// trace shows how many classified products already carry it.
func (a *ReconcilerAgent) consultSiblings(rec *trace.Recorder, result *ReconcileResult, ncm, cest string) {
	siblings, err := a.store.ExamplesByCodes(ncm, cest, 5)
	if err != nil {
		a.logger.Debug("sibling exemplar lookup failed", zap.Error(err))
		return
	}
	rec.Consult(trace.Consultation{
		Query:       ncm + "/" + cest,
		Source:      "product_examples",
		ResultCount: len(siblings),
	})
	if len(siblings) > 0 {
		result.Audit = append(result.Audit,
			fmt.Sprintf("%d exemplars already carry %s/%s", len(siblings), ncm, cest))
	}
}

// combineConfidence takes the weaker of the two stage confidences.
func combineConfidence(ncm NCMResult, cest CESTResult) float64 {
	c := ncm.Confidence
	if cest.HasCEST && cest.Confidence < c {
		c = cest.Confidence
	}
	return c
}
