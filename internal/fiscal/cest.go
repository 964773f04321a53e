package fiscal

import "fmt"

// CESTValidation is the result of ValidateCEST.
type CESTValidation struct {
	Valid      bool
	Normalized string // canonical SS.III.DD when valid
	Truncated  bool   // input carried 8 digits and the trailing one was dropped
	Err        string
}

// NormalizeCEST reduces any textual CEST form to the canonical SS.III.DD.
// Seven digits format directly. Eight digits are a known vendor typo (a
// duplicated trailing digit); the first seven are kept. Anything else fails.
func NormalizeCEST(input string) (string, bool) {
	normalized, _, ok := normalizeCEST(input)
	return normalized, ok
}

func normalizeCEST(input string) (normalized string, truncated bool, ok bool) {
	digits := digitsOnly(input)
	switch len(digits) {
	case 7:
	case 8:
		digits = digits[:7]
		truncated = true
	default:
		return "", false, false
	}
	return fmt.Sprintf("%s.%s.%s", digits[:2], digits[2:5], digits[5:7]), truncated, true
}

// ValidateCEST validates a CEST at a system boundary. The Truncated flag lets
// callers log the 8-digit vendor-typo path without losing the value.
func ValidateCEST(input string) CESTValidation {
	normalized, truncated, ok := normalizeCEST(input)
	if !ok {
		return CESTValidation{
			Valid: false,
			Err:   fmt.Sprintf("CEST %q is not reducible to the SS.III.DD form", input),
		}
	}
	return CESTValidation{
		Valid:      true,
		Normalized: normalized,
		Truncated:  truncated,
	}
}
