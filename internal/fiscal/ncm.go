// Package fiscal implements the NCM and CEST format validators and the
// binding rules that decide which CEST codes may pair with which NCM codes.
// Everything here is pure; catalog access goes through the Catalog interface.
package fiscal

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by validators. Callers match with errors.Is.
var (
	ErrInputFormat      = errors.New("fiscal: input format invalid")
	ErrCatalogMiss      = errors.New("fiscal: code not in catalog")
	ErrBindingViolation = errors.New("fiscal: cest not bound to ncm")
)

// NCMValidation is the result of ValidateNCM.
type NCMValidation struct {
	Valid      bool
	Normalized string // 8 digits when valid
	Chapter    string // first 4 digits
	Position   string // first 6 digits
	Err        string
}

// NormalizeNCM strips every non-digit character and returns the result iff
// exactly 8 digits remain.
func NormalizeNCM(input string) (string, bool) {
	digits := digitsOnly(input)
	if len(digits) != 8 {
		return "", false
	}
	return digits, true
}

// ValidateNCM validates an NCM at a system boundary (8 digits required).
func ValidateNCM(input string) NCMValidation {
	normalized, ok := NormalizeNCM(input)
	if !ok {
		return NCMValidation{
			Valid: false,
			Err:   fmt.Sprintf("NCM %q must contain exactly 8 digits", input),
		}
	}
	return NCMValidation{
		Valid:      true,
		Normalized: normalized,
		Chapter:    normalized[:4],
		Position:   normalized[:6],
	}
}

// NCMAncestors returns the proper ancestor prefixes of an 8-digit code,
// most specific first: 7, 6, 4, 2 digits. Hierarchical levels follow the
// Mercosur nomenclature (chapter 2, heading 4, subheading 6, item 7/8).
func NCMAncestors(code string) []string {
	var out []string
	for _, n := range []int{7, 6, 4, 2} {
		if len(code) > n {
			out = append(out, code[:n])
		}
	}
	return out
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
