package store

import (
	"database/sql"
	"fmt"
	"sort"

	"classifica/internal/product"
)

// Example is a labeled product used as retrieval context for the agents.
type Example struct {
	ID             int64     `json:"id"`
	Description    string    `json:"description"`
	NCM            string    `json:"ncm"`
	CEST           string    `json:"cest,omitempty"`
	Gtin           string    `json:"gtin,omitempty"`
	Source         string    `json:"source,omitempty"`
	QualityScore   float64   `json:"quality_score,omitempty"`
	HumanVerified  bool      `json:"human_verified,omitempty"`
	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"-"`
}

// ScoredExample pairs an example with its similarity to a query.
type ScoredExample struct {
	Example
	Score float64 `json:"score"`
}

// AllExamples streams every example, embeddings included, for index builds.
func (s *KnowledgeStore) AllExamples() ([]Example, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, description, ncm, COALESCE(cest, ''), COALESCE(gtin, ''),
		        COALESCE(source, ''), quality_score, human_verified,
		        embedding, COALESCE(embedding_model, '')
		 FROM product_examples ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: all examples: %w", err)
	}
	defer rows.Close()

	var out []Example
	for rows.Next() {
		e, err := scanExample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExample(rows *sql.Rows) (Example, error) {
	var e Example
	var blob []byte
	var verified int
	if err := rows.Scan(&e.ID, &e.Description, &e.NCM, &e.CEST, &e.Gtin,
		&e.Source, &e.QualityScore, &verified, &blob, &e.EmbeddingModel); err != nil {
		return Example{}, fmt.Errorf("store: scan example: %w", err)
	}
	e.HumanVerified = verified == 1
	if len(blob) > 0 {
		vec, err := decodeVector(blob)
		if err != nil {
			return Example{}, err
		}
		e.Embedding = vec
	}
	return e, nil
}

// ExamplesByCodes returns exemplars already carrying the exact NCM/CEST
// pair, up to limit. An empty cest matches rows with no CEST.
func (s *KnowledgeStore) ExamplesByCodes(ncm, cest string, limit int) ([]Example, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, description, ncm, COALESCE(cest, ''), COALESCE(gtin, ''),
		        COALESCE(source, ''), quality_score, human_verified,
		        embedding, COALESCE(embedding_model, '')
		 FROM product_examples
		 WHERE ncm = ? AND COALESCE(cest, '') = ? ORDER BY id LIMIT ?`,
		ncm, cest, limit)
	if err != nil {
		return nil, fmt.Errorf("store: examples by codes: %w", err)
	}
	defer rows.Close()

	var out []Example
	for rows.Next() {
		e, err := scanExample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchExamplesByText ranks examples by token overlap with the query.
func (s *KnowledgeStore) SearchExamplesByText(query string, limit int) ([]ScoredExample, error) {
	if limit <= 0 {
		limit = 10
	}
	examples, err := s.AllExamples()
	if err != nil {
		return nil, err
	}

	var scored []ScoredExample
	for _, e := range examples {
		score := product.TokenSetSimilarity(query, e.Description)
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredExample{Example: e, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// SearchExamplesByEmbedding ranks examples by cosine similarity against a
// unit-length query vector. The in-memory index in the retrieval package is
// the fast path; this scan backs rebuilds and tests.
func (s *KnowledgeStore) SearchExamplesByEmbedding(query []float32, limit int) ([]ScoredExample, error) {
	if limit <= 0 {
		limit = 10
	}
	examples, err := s.AllExamples()
	if err != nil {
		return nil, err
	}

	var scored []ScoredExample
	for _, e := range examples {
		if len(e.Embedding) == 0 {
			continue
		}
		score := innerProduct(query, e.Embedding)
		scored = append(scored, ScoredExample{Example: e, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// PharmaProduct is one reference row from the pharmaceutical dataset.
type PharmaProduct struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	ActiveIngredient string    `json:"active_ingredient,omitempty"`
	Barcode          string    `json:"barcode,omitempty"`
	Brand            string    `json:"brand,omitempty"`
	Presentation     string    `json:"presentation,omitempty"`
	NCM              string    `json:"ncm"`
	CEST             string    `json:"cest,omitempty"`
	Embedding        []float32 `json:"-"`
	EmbeddingModel   string    `json:"-"`
}

// ScoredPharma pairs a pharma row with a similarity score.
type ScoredPharma struct {
	PharmaProduct
	Score float64 `json:"score"`
}

// SearchPharmaByText scores pharma rows by token overlap with the query.
// A row whose active ingredient appears among the query tokens always
// matches, which is how misspelled dosage suffixes still resolve.
func (s *KnowledgeStore) SearchPharmaByText(query string, limit int) ([]ScoredPharma, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, name, COALESCE(active_ingredient, ''), COALESCE(barcode, ''),
		        COALESCE(brand, ''), COALESCE(presentation, ''), ncm, COALESCE(cest, '')
		 FROM pharma_products`)
	if err != nil {
		return nil, fmt.Errorf("store: search pharma: %w", err)
	}
	defer rows.Close()

	queryTokens := make(map[string]bool)
	for _, tok := range product.Tokens(query) {
		queryTokens[tok] = true
	}

	var scored []ScoredPharma
	for rows.Next() {
		var p PharmaProduct
		if err := rows.Scan(&p.ID, &p.Name, &p.ActiveIngredient, &p.Barcode,
			&p.Brand, &p.Presentation, &p.NCM, &p.CEST); err != nil {
			return nil, fmt.Errorf("store: scan pharma: %w", err)
		}
		score := product.TokenSetSimilarity(query, p.Name)
		if p.ActiveIngredient != "" {
			ingredient := product.NormalizeDescription(p.ActiveIngredient)
			if queryTokens[ingredient] && score < 0.9 {
				score = 0.9
			}
		}
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredPharma{PharmaProduct: p, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// SearchPharmaByEmbedding ranks pharma rows by cosine similarity.
func (s *KnowledgeStore) SearchPharmaByEmbedding(query []float32, limit int) ([]ScoredPharma, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, name, COALESCE(active_ingredient, ''), COALESCE(barcode, ''),
		        COALESCE(brand, ''), COALESCE(presentation, ''), ncm, COALESCE(cest, ''), embedding
		 FROM pharma_products WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: search pharma by embedding: %w", err)
	}
	defer rows.Close()

	var scored []ScoredPharma
	for rows.Next() {
		var p PharmaProduct
		var blob []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.ActiveIngredient, &p.Barcode,
			&p.Brand, &p.Presentation, &p.NCM, &p.CEST, &blob); err != nil {
			return nil, fmt.Errorf("store: scan pharma: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		scored = append(scored, ScoredPharma{
			PharmaProduct: p,
			Score:         innerProduct(query, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
