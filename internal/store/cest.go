package store

import (
	"database/sql"
	"fmt"

	"classifica/internal/fiscal"
)

// CESTEntry is one CEST category.
type CESTEntry struct {
	CEST        string `json:"cest"`
	Description string `json:"description"`
	Segment     string `json:"segment,omitempty"`
}

// GetCEST returns the category for an exact CEST code.
func (s *KnowledgeStore) GetCEST(cest string) (CESTEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e CESTEntry
	var segment sql.NullString
	err := s.db.QueryRow(
		`SELECT cest, description, segment FROM cest_categories WHERE cest = ?`,
		cest).Scan(&e.CEST, &e.Description, &segment)
	if err == sql.ErrNoRows {
		return CESTEntry{}, fmt.Errorf("store: cest %s: %w", cest, fiscal.ErrCatalogMiss)
	}
	if err != nil {
		return CESTEntry{}, fmt.Errorf("store: get cest: %w", err)
	}
	e.Segment = segment.String
	return e, nil
}

// BindingsFor returns the bindings registered directly on the given NCM code
// or prefix. Implements fiscal.Catalog, which layers hierarchy propagation
// on top.
func (s *KnowledgeStore) BindingsFor(code string) ([]fiscal.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT ncm, cest, relation, confidence, COALESCE(source, '')
		 FROM ncm_cest_mapping WHERE ncm = ? ORDER BY confidence DESC, cest`, code)
	if err != nil {
		return nil, fmt.Errorf("store: bindings for %s: %w", code, err)
	}
	defer rows.Close()

	var out []fiscal.Binding
	for rows.Next() {
		var b fiscal.Binding
		var relation string
		if err := rows.Scan(&b.NCM, &b.CEST, &relation, &b.Confidence, &b.Source); err != nil {
			return nil, fmt.Errorf("store: scan binding: %w", err)
		}
		b.Relation = fiscal.RelationKind(relation)
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetCESTsForNCM resolves every CEST reachable from the code: direct
// bindings first, then bindings propagated from shorter prefixes subject to
// the hierarchy rules.
func (s *KnowledgeStore) GetCESTsForNCM(code string) ([]fiscal.Binding, error) {
	normalized, ok := fiscal.NormalizeNCM(code)
	if !ok {
		// Partial prefixes are allowed here: agents probe chapters too.
		normalized = code
	}

	direct, err := s.BindingsFor(normalized)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(direct))
	for _, b := range direct {
		seen[b.CEST] = true
	}

	out := direct
	for _, prefix := range fiscal.NCMAncestors(normalized) {
		inherited, err := s.BindingsFor(prefix)
		if err != nil {
			return nil, err
		}
		chapter := len(prefix) == 4
		for _, b := range inherited {
			if seen[b.CEST] {
				continue
			}
			if chapter && b.Relation != fiscal.RelationInherited {
				continue
			}
			seen[b.CEST] = true
			out = append(out, b)
		}
	}
	return out, nil
}
