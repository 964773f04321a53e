// Package product decides whether two commercial products belong to
// compatible fiscal categories and whether they are the same product sold
// under different descriptions.
package product

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopwords dropped before token comparison. Portuguese retail descriptions
// are dense with these.
var stopwords = map[string]bool{
	"de": true, "da": true, "do": true, "das": true, "dos": true,
	"com": true, "para": true, "em": true, "e": true, "a": true, "o": true,
	"um": true, "uma": true, "c": true, "p": true, "s": true,
}

// unitAliases normalizes measurement units found in descriptions.
var unitAliases = map[string]string{
	"gr": "g", "grs": "g", "gramas": "g", "grama": "g",
	"mli": "ml", "mililitros": "ml",
	"un": "unid", "und": "unid", "pcs": "unid", "pecas": "unid", "unidades": "unid",
	"cp": "cp", "cpr": "cp", "comp": "cp", "comprimidos": "cp",
}

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// StripAccents removes combining marks: "PRÉ" -> "PRE".
func StripAccents(s string) string {
	out, _, err := transform.String(accentStripper, s)
	if err != nil {
		return s
	}
	return out
}

var nonWord = regexp.MustCompile(`[^a-z0-9 ]+`)
var spaces = regexp.MustCompile(`\s+`)

// NormalizeDescription lowercases, strips accents and punctuation, and
// collapses whitespace. The result is the comparison form used everywhere in
// this package.
func NormalizeDescription(s string) string {
	s = strings.ToLower(StripAccents(s))
	s = nonWord.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// Tokens returns the stopword-reduced token set of a normalized description.
func Tokens(s string) []string {
	fields := strings.Fields(NormalizeDescription(s))
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

// TokenSetSimilarity is the Jaccard similarity of the two token sets.
func TokenSetSimilarity(a, b string) float64 {
	setA := toSet(Tokens(a))
	setB := toSet(Tokens(b))
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

var quantityPattern = regexp.MustCompile(`(\d+)\s*(mg|ml|g|kg|l|gr|grs|un|und|unid|pcs|cp|cpr|comp|x)\b`)

// Quantities extracts the numeric quantity/dosage pairs of a description,
// normalized and sorted: "40MG C/28CP" -> ["28cp", "40mg"].
func Quantities(s string) []string {
	normalized := NormalizeDescription(s)
	matches := quantityPattern.FindAllStringSubmatch(normalized, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		unit := m[2]
		if alias, ok := unitAliases[unit]; ok {
			unit = alias
		}
		q := m[1] + unit
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	sort.Strings(out)
	return out
}

// brandVariations maps canonical brand tokens to the spellings seen in vendor
// feeds. Grown from review corrections.
var brandVariations = map[string][]string{
	"gillette":    {"gillette", "gilete", "gillet"},
	"mormaii":     {"mormaii", "mormai"},
	"presto":      {"presto", "prestob", "prestobarba", "presto barba"},
	"lacta":       {"lacta"},
	"toddy":       {"toddy", "tody"},
	"tim":         {"tim"},
	"vivo":        {"vivo"},
	"claro":       {"claro"},
	"neosaldina":  {"neosaldina", "neosald"},
	"pantoprazol": {"pantoprazol", "pantoprazol sodico"},
}

// Brands returns the canonical brand tokens recognized in a description,
// sorted for stable comparison.
func Brands(s string) []string {
	normalized := " " + NormalizeDescription(s) + " "
	seen := make(map[string]bool)
	var out []string
	for canon, variants := range brandVariations {
		for _, v := range variants {
			if strings.Contains(normalized, " "+v+" ") {
				if !seen[canon] {
					seen[canon] = true
					out = append(out, canon)
				}
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// NormalizeCode strips separators and leading zeros' surrounding whitespace
// from product codes and barcodes so equal identifiers compare equal.
func NormalizeCode(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
	return s
}

// FirstLetter returns the first ASCII letter of a description after accent
// stripping and upper-casing, or fallback when none exists. Used by the
// review walk ordering.
func FirstLetter(description string, fallback byte) byte {
	for _, r := range strings.ToUpper(StripAccents(description)) {
		if r >= 'A' && r <= 'Z' {
			return byte(r)
		}
	}
	return fallback
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
