package fiscal

import "strings"

// OverlayRule pins an NCM prefix to a required CEST prefix or exact code.
// These rules are enforced on top of the catalog so they survive catalog
// gaps; a pair violating one fails regardless of recorded bindings.
type OverlayRule struct {
	NCMPrefix    string
	RequiredCEST string // prefix when it ends with '.', exact code otherwise
	Note         string
}

// overlayRules is data, not code: extend it as new inviolable segment rules
// surface from field reports.
var overlayRules = []OverlayRule{
	{NCMPrefix: "3003", RequiredCEST: "13.", Note: "medicines pair only with segment 13"},
	{NCMPrefix: "3004", RequiredCEST: "13.", Note: "medicines pair only with segment 13"},
	{NCMPrefix: "2105", RequiredCEST: "21.064.00", Note: "ice cream pairs only with 21.064.00"},
}

// CheckOverlay reports whether the normalized (ncm, cest) pair violates an
// overlay rule. Returns the violated rule when it does.
func CheckOverlay(ncm, cest string) (*OverlayRule, bool) {
	for i := range overlayRules {
		rule := &overlayRules[i]
		if !strings.HasPrefix(ncm, rule.NCMPrefix) {
			continue
		}
		if strings.HasSuffix(rule.RequiredCEST, ".") {
			if !strings.HasPrefix(cest, rule.RequiredCEST) {
				return rule, true
			}
		} else if cest != rule.RequiredCEST {
			return rule, true
		}
	}
	return nil, false
}

// OverlayRules exposes a copy of the rule table for prompts and reports.
func OverlayRules() []OverlayRule {
	out := make([]OverlayRule, len(overlayRules))
	copy(out, overlayRules)
	return out
}
