package retrieval

import (
	"context"
	"fmt"
	"strings"

	"classifica/internal/fiscal"
	"classifica/internal/store"
)

// CandidateChapter is one NCM subtree suggested by the exemplar hits.
type CandidateChapter struct {
	Chapter    string           `json:"chapter"`
	Path       []store.NCMEntry `json:"path"`
	BoundCESTs []fiscal.Binding `json:"bound_cests,omitempty"`
	Examples   []Hit            `json:"examples"`
}

// Context is the knowledge block handed to the classification agents.
type Context struct {
	Query          string               `json:"query"`
	Exemplars      []Hit                `json:"exemplars"`
	Chapters       []CandidateChapter   `json:"chapters"`
	PharmaMatches  []store.ScoredPharma `json:"pharma_matches,omitempty"`
	Pharmaceutical bool                 `json:"pharmaceutical"`
}

// BuildContext assembles retrieval context for one product: the top
// exemplars, the hierarchy paths and bound CESTs of each candidate chapter,
// and pharma reference neighbors when the product looks pharmaceutical.
func (idx *Index) BuildContext(ctx context.Context, query string, pharmaceutical bool, k int, threshold float64) (Context, error) {
	out := Context{Query: query, Pharmaceutical: pharmaceutical}

	hits, err := idx.Hybrid(ctx, query, k, threshold)
	if err != nil {
		return Context{}, err
	}
	out.Exemplars = hits

	byChapter := make(map[string][]Hit)
	var order []string
	for _, h := range hits {
		if len(h.NCM) < 4 {
			continue
		}
		chapter := h.NCM[:4]
		if _, ok := byChapter[chapter]; !ok {
			order = append(order, chapter)
		}
		byChapter[chapter] = append(byChapter[chapter], h)
	}

	for _, chapter := range order {
		cand := CandidateChapter{Chapter: chapter, Examples: byChapter[chapter]}
		if path, err := idx.store.HierarchyPath(chapter); err == nil {
			cand.Path = path
		}
		bindings, err := idx.store.GetCESTsForNCM(chapter)
		if err == nil {
			cand.BoundCESTs = bindings
		}
		out.Chapters = append(out.Chapters, cand)
	}

	if pharmaceutical {
		matches, err := idx.store.SearchPharmaByText(query, 5)
		if err != nil {
			return Context{}, err
		}
		if len(matches) == 0 && idx.engine != nil {
			if vec, err := idx.engine.Embed(ctx, query); err == nil {
				matches, _ = idx.store.SearchPharmaByEmbedding(vec, 5)
			}
		}
		out.PharmaMatches = matches
	}
	return out, nil
}

// Render formats the context as the plain-text block injected into agent
// prompts.
func (c Context) Render() string {
	var b strings.Builder

	if len(c.Exemplars) > 0 {
		b.WriteString("SIMILAR CLASSIFIED PRODUCTS:\n")
		for _, h := range c.Exemplars {
			fmt.Fprintf(&b, "- %s | NCM %s", h.Description, h.NCM)
			if h.CEST != "" {
				fmt.Fprintf(&b, " | CEST %s", h.CEST)
			}
			fmt.Fprintf(&b, " | score %.2f\n", h.Score)
		}
	}

	for _, ch := range c.Chapters {
		fmt.Fprintf(&b, "\nNCM CANDIDATE %s:\n", ch.Chapter)
		for _, e := range ch.Path {
			fmt.Fprintf(&b, "  %s %s\n", e.Code, e.Description)
		}
		if len(ch.BoundCESTs) > 0 {
			b.WriteString("  Bound CESTs:\n")
			for _, bd := range ch.BoundCESTs {
				fmt.Fprintf(&b, "  - %s (for NCM %s, %s)\n", bd.CEST, bd.NCM, bd.Relation)
			}
		}
	}

	if len(c.PharmaMatches) > 0 {
		b.WriteString("\nPHARMA REFERENCE MATCHES:\n")
		for _, p := range c.PharmaMatches {
			fmt.Fprintf(&b, "- %s | NCM %s", p.Name, p.NCM)
			if p.CEST != "" {
				fmt.Fprintf(&b, " | CEST %s", p.CEST)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
