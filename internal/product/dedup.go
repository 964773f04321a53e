package product

import "fmt"

// Item is the slice of a product the compatibility and identity checks need.
type Item struct {
	ProductCode string
	Barcode     string
	Description string // expanded description preferred when available
	NCM         string
}

// IdentityMatch is the outcome of Identical.
type IdentityMatch struct {
	Identical  bool
	Reason     string
	Confidence float64
}

// identityThreshold is the minimum token-set similarity for two coded-less
// descriptions to count as the same product.
const identityThreshold = 0.85

// Identical reports whether two items are the same commercial product under
// different text. A shared product code or barcode decides immediately;
// otherwise normalized descriptions must be near-identical with matching
// quantities and brands.
func Identical(a, b Item) IdentityMatch {
	descA := NormalizeDescription(a.Description)
	descB := NormalizeDescription(b.Description)
	if descA == "" || descB == "" {
		return IdentityMatch{Reason: "empty description"}
	}

	if descA == descB {
		return IdentityMatch{Identical: true, Reason: "identical descriptions", Confidence: 1.0}
	}

	if code := sharedCode(a, b); code != "" {
		sim := TokenSetSimilarity(a.Description, b.Description)
		conf := 0.85
		if sim > 0.8 {
			conf = 0.95
		}
		return IdentityMatch{
			Identical:  true,
			Reason:     fmt.Sprintf("shared product code %s (similarity %.2f)", code, sim),
			Confidence: conf,
		}
	}

	sim := TokenSetSimilarity(a.Description, b.Description)
	if sim < identityThreshold {
		return IdentityMatch{
			Reason:     fmt.Sprintf("token similarity %.2f below threshold", sim),
			Confidence: sim,
		}
	}
	if !equalStrings(Quantities(a.Description), Quantities(b.Description)) {
		return IdentityMatch{Reason: "quantities differ", Confidence: sim * 0.5}
	}
	brandsA, brandsB := Brands(a.Description), Brands(b.Description)
	if len(brandsA) > 0 && len(brandsB) > 0 && !equalStrings(brandsA, brandsB) {
		return IdentityMatch{Reason: "brands differ", Confidence: sim * 0.5}
	}

	return IdentityMatch{
		Identical:  true,
		Reason:     fmt.Sprintf("near-identical descriptions (similarity %.2f)", sim),
		Confidence: sim,
	}
}

func sharedCode(a, b Item) string {
	if c := NormalizeCode(a.ProductCode); c != "" && c == NormalizeCode(b.ProductCode) {
		return c
	}
	if c := NormalizeCode(a.Barcode); c != "" && c == NormalizeCode(b.Barcode) {
		return c
	}
	return ""
}

// GroupIdentical partitions items into duplicate classes using union-find
// over the pairwise identity relation. Each class keeps input order.
func GroupIdentical(items []Item) [][]int {
	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if m := Identical(items[i], items[j]); m.Identical && m.Confidence > 0.7 {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]int)
	var roots []int
	for i := range items {
		r := find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], i)
	}
	out := make([][]int, 0, len(roots))
	for _, r := range roots {
		out = append(out, byRoot[r])
	}
	return out
}

// CanonicalDescription elects the representative text for a duplicate class:
// the longest normalized description, which tends to preserve brand and
// quantity tokens.
func CanonicalDescription(descriptions []string) string {
	best := ""
	bestTokens := -1
	for _, d := range descriptions {
		n := len(Tokens(d))
		if n > bestTokens || (n == bestTokens && len(d) > len(best)) {
			best = d
			bestTokens = n
		}
	}
	return best
}
