package fiscal

import "fmt"

// RelationKind describes how a binding ties a CEST to an NCM.
type RelationKind string

const (
	RelationDirect    RelationKind = "DIRECT"
	RelationInherited RelationKind = "INHERITED"
	RelationOptional  RelationKind = "OPTIONAL"
)

// Binding is one authoritative catalog record pairing an NCM (or NCM prefix)
// with a CEST.
type Binding struct {
	NCM        string
	CEST       string
	Relation   RelationKind
	Confidence float64
	Source     string
}

// Catalog is the slice of the knowledge store the binding validator needs.
// The store package implements it.
type Catalog interface {
	// BindingsFor returns the bindings recorded for the exact code, which may
	// be a full 8-digit NCM or a shorter hierarchy prefix.
	BindingsFor(code string) ([]Binding, error)
}

// BindingResult is the outcome of ValidateBinding.
type BindingResult struct {
	Valid          bool
	NCM            string // normalized
	CEST           string // normalized
	Reason         string
	OverlayRule    *OverlayRule // set when an overlay rule decided the outcome
	Suggestions    []string     // up to 3 alternative CESTs when invalid
}

// ValidateBinding decides whether cest may legally pair with ncm.
//
// A CEST is valid for an NCM iff a binding exists for the NCM exactly, for
// any proper ancestor prefix, or for the 4-digit chapter when that binding is
// marked INHERITED. The category overlay rules are checked first and win over
// catalog content in both directions of failure.
func ValidateBinding(ncm, cest string, catalog Catalog) (BindingResult, error) {
	ncmNorm, ok := NormalizeNCM(ncm)
	if !ok {
		return BindingResult{Reason: fmt.Sprintf("NCM %q failed normalization", ncm)}, ErrInputFormat
	}
	cestNorm, ok := NormalizeCEST(cest)
	if !ok {
		return BindingResult{NCM: ncmNorm, Reason: fmt.Sprintf("CEST %q failed normalization", cest)}, ErrInputFormat
	}

	// Overlay rules survive catalog gaps and override catalog content.
	if rule, violated := CheckOverlay(ncmNorm, cestNorm); violated {
		res := BindingResult{
			NCM:         ncmNorm,
			CEST:        cestNorm,
			OverlayRule: rule,
			Reason: fmt.Sprintf("NCM %s requires CEST %s, got %s",
				ncmNorm, rule.RequiredCEST, cestNorm),
		}
		res.Suggestions = suggestAlternatives(ncmNorm, catalog)
		return res, ErrBindingViolation
	}

	direct, err := catalog.BindingsFor(ncmNorm)
	if err != nil {
		return BindingResult{NCM: ncmNorm, CEST: cestNorm}, err
	}
	if containsCEST(direct, cestNorm) {
		return BindingResult{Valid: true, NCM: ncmNorm, CEST: cestNorm, Reason: "direct binding"}, nil
	}

	for _, ancestor := range NCMAncestors(ncmNorm) {
		bindings, err := catalog.BindingsFor(ancestor)
		if err != nil {
			return BindingResult{NCM: ncmNorm, CEST: cestNorm}, err
		}
		for _, b := range bindings {
			if b.CEST != cestNorm {
				continue
			}
			// Chapter-level bindings only propagate when marked INHERITED;
			// deeper ancestors always do.
			if len(ancestor) == 4 && b.Relation != RelationInherited {
				continue
			}
			return BindingResult{
				Valid:  true,
				NCM:    ncmNorm,
				CEST:   cestNorm,
				Reason: fmt.Sprintf("inherited from %s", ancestor),
			}, nil
		}
	}

	res := BindingResult{
		NCM:         ncmNorm,
		CEST:        cestNorm,
		Reason:      fmt.Sprintf("no binding reaches CEST %s from NCM %s", cestNorm, ncmNorm),
		Suggestions: suggestAlternatives(ncmNorm, catalog),
	}
	return res, ErrBindingViolation
}

// suggestAlternatives collects up to three CESTs a reviewer could pick
// instead: direct bindings first, then chapter-level ones.
func suggestAlternatives(ncm string, catalog Catalog) []string {
	const maxSuggestions = 3
	seen := make(map[string]bool)
	var out []string

	collect := func(bindings []Binding) {
		for _, b := range bindings {
			if len(out) >= maxSuggestions {
				return
			}
			if !seen[b.CEST] {
				seen[b.CEST] = true
				out = append(out, b.CEST)
			}
		}
	}

	if direct, err := catalog.BindingsFor(ncm); err == nil {
		collect(direct)
	}
	if len(out) < maxSuggestions && len(ncm) >= 4 {
		if chapter, err := catalog.BindingsFor(ncm[:4]); err == nil {
			collect(chapter)
		}
	}
	return out
}

func containsCEST(bindings []Binding, cest string) bool {
	for _, b := range bindings {
		if b.CEST == cest {
			return true
		}
	}
	return false
}
