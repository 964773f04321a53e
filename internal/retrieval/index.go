// Package retrieval serves semantic and hybrid lookups over the product
// example corpus. The index is a flat inner-product scan over unit vectors
// held in memory; rebuilds swap a snapshot atomically so searches never
// block behind a rebuild.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"classifica/internal/embedding"
	"classifica/internal/logging"
	"classifica/internal/store"
)

// Hit is one retrieval result.
type Hit struct {
	ID          int64   `json:"id"`
	Description string  `json:"description"`
	NCM         string  `json:"ncm"`
	CEST        string  `json:"cest,omitempty"`
	Source      string  `json:"source,omitempty"`
	Score       float64 `json:"score"`
}

type snapshot struct {
	entries []indexEntry
	dims    int
}

type indexEntry struct {
	id          int64
	description string
	ncm         string
	cest        string
	source      string
	vector      []float32
}

// Index answers nearest-neighbor queries over the example corpus.
type Index struct {
	store    *store.KnowledgeStore
	engine   embedding.Engine
	current  atomic.Pointer[snapshot]
	logger   *zap.Logger
	rebuilds atomic.Int64
}

// NewIndex creates an empty index. Call Rebuild before searching.
func NewIndex(s *store.KnowledgeStore, engine embedding.Engine) *Index {
	idx := &Index{store: s, engine: engine, logger: logging.For("retrieval")}
	idx.current.Store(&snapshot{})
	return idx
}

// Rebuild loads every example with an embedding and swaps the snapshot in.
func (idx *Index) Rebuild(ctx context.Context) error {
	examples, err := idx.store.AllExamples()
	if err != nil {
		return fmt.Errorf("retrieval: load examples: %w", err)
	}

	snap := &snapshot{}
	for _, e := range examples {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(e.Embedding) == 0 {
			continue
		}
		if snap.dims == 0 {
			snap.dims = len(e.Embedding)
		}
		if len(e.Embedding) != snap.dims {
			idx.logger.Warn("skipping example with mismatched dimensions",
				zap.Int64("id", e.ID),
				zap.Int("got", len(e.Embedding)),
				zap.Int("want", snap.dims))
			continue
		}
		snap.entries = append(snap.entries, indexEntry{
			id:          e.ID,
			description: e.Description,
			ncm:         e.NCM,
			cest:        e.CEST,
			source:      e.Source,
			vector:      e.Embedding,
		})
	}

	idx.current.Store(snap)
	idx.rebuilds.Add(1)
	idx.logger.Info("index rebuilt",
		zap.Int("entries", len(snap.entries)),
		zap.Int("dimensions", snap.dims))
	return nil
}

// Len reports the number of indexed vectors.
func (idx *Index) Len() int {
	return len(idx.current.Load().entries)
}

// Rebuilds reports how many snapshot swaps have happened.
func (idx *Index) Rebuilds() int64 {
	return idx.rebuilds.Load()
}

// Search returns up to k hits with score at or above threshold, best first.
// The query vector must be unit length, so inner product is cosine
// similarity.
func (idx *Index) Search(query []float32, k int, threshold float64) []Hit {
	snap := idx.current.Load()
	if len(snap.entries) == 0 || len(query) != snap.dims {
		return nil
	}
	if k <= 0 {
		k = 10
	}

	hits := make([]Hit, 0, k)
	for _, e := range snap.entries {
		var dot float64
		for i := range query {
			dot += float64(query[i]) * float64(e.vector[i])
		}
		if dot < threshold {
			continue
		}
		hits = append(hits, Hit{
			ID:          e.id,
			Description: e.description,
			NCM:         e.ncm,
			CEST:        e.cest,
			Source:      e.source,
			Score:       dot,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// SearchText embeds the query and searches.
func (idx *Index) SearchText(ctx context.Context, query string, k int, threshold float64) ([]Hit, error) {
	vec, err := idx.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	return idx.Search(vec, k, threshold), nil
}

// Hybrid runs a token-overlap pass over the store first and fills the
// remainder semantically, deduplicating by example ID. Text matches keep
// their overlap score, which ranks exact vocabulary hits above fuzzy
// neighbors.
func (idx *Index) Hybrid(ctx context.Context, query string, k int, threshold float64) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}

	textHits, err := idx.store.SearchExamplesByText(query, k)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(textHits))
	out := make([]Hit, 0, k)
	for _, h := range textHits {
		seen[h.ID] = true
		out = append(out, Hit{
			ID:          h.ID,
			Description: h.Description,
			NCM:         h.NCM,
			CEST:        h.CEST,
			Source:      h.Source,
			Score:       h.Score,
		})
	}
	if len(out) >= k {
		return out[:k], nil
	}

	semantic, err := idx.SearchText(ctx, query, k, threshold)
	if err != nil {
		// Semantic side is best effort when the text pass found anything.
		if len(out) > 0 {
			idx.logger.Warn("semantic pass failed, returning text hits only", zap.Error(err))
			return out, nil
		}
		return nil, err
	}
	for _, h := range semantic {
		if seen[h.ID] {
			continue
		}
		out = append(out, h)
		if len(out) == k {
			break
		}
	}
	return out, nil
}
