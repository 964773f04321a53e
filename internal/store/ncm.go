package store

import (
	"database/sql"
	"fmt"
	"strings"

	"classifica/internal/fiscal"
)

// NCMEntry is one node of the NCM hierarchy.
type NCMEntry struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Level       int    `json:"level"`
	ParentCode  string `json:"parent_code,omitempty"`
}

// GetNCM returns the hierarchy entry for an exact code, or
// fiscal.ErrCatalogMiss when absent.
func (s *KnowledgeStore) GetNCM(code string) (NCMEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e NCMEntry
	var parent sql.NullString
	err := s.db.QueryRow(
		`SELECT code, description, level, parent_code FROM ncm_hierarchy WHERE code = ?`,
		code).Scan(&e.Code, &e.Description, &e.Level, &parent)
	if err == sql.ErrNoRows {
		return NCMEntry{}, fmt.Errorf("store: ncm %s: %w", code, fiscal.ErrCatalogMiss)
	}
	if err != nil {
		return NCMEntry{}, fmt.Errorf("store: get ncm: %w", err)
	}
	e.ParentCode = parent.String
	return e, nil
}

// FindNCMsByLevel lists entries at the given hierarchy level (2, 4, 6, 7
// or 8 digits).
func (s *KnowledgeStore) FindNCMsByLevel(level int) ([]NCMEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT code, description, level, parent_code FROM ncm_hierarchy
		 WHERE level = ? ORDER BY code`, level)
	if err != nil {
		return nil, fmt.Errorf("store: find ncm by level: %w", err)
	}
	defer rows.Close()
	return scanNCMEntries(rows)
}

// FindNCMsByPattern lists entries whose code starts with the given prefix.
func (s *KnowledgeStore) FindNCMsByPattern(prefix string) ([]NCMEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT code, description, level, parent_code FROM ncm_hierarchy
		 WHERE code LIKE ? ORDER BY code`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("store: find ncm by pattern: %w", err)
	}
	defer rows.Close()
	return scanNCMEntries(rows)
}

// HierarchyPath returns the chain of entries from the 2-digit chapter down
// to the given code, for entries that exist in the catalog.
func (s *KnowledgeStore) HierarchyPath(code string) ([]NCMEntry, error) {
	prefixes := fiscal.NCMAncestors(code)
	// Ancestors come longest first, walk from the root down.
	var path []NCMEntry
	for i := len(prefixes) - 1; i >= 0; i-- {
		entry, err := s.GetNCM(prefixes[i])
		if err != nil {
			continue
		}
		path = append(path, entry)
	}
	if entry, err := s.GetNCM(code); err == nil {
		path = append(path, entry)
	}
	return path, nil
}

// BestNCMMatch resolves a candidate code to the closest catalog entry:
// the exact code when present, otherwise the longest-coded descendant,
// otherwise the nearest ancestor. Returns fiscal.ErrCatalogMiss when the
// candidate shares no prefix with the catalog at all.
func (s *KnowledgeStore) BestNCMMatch(code string) (NCMEntry, error) {
	if entry, err := s.GetNCM(code); err == nil {
		return entry, nil
	}

	// Longest-coded descendant of the candidate prefix.
	descendants, err := s.FindNCMsByPattern(code)
	if err != nil {
		return NCMEntry{}, err
	}
	if len(descendants) > 0 {
		best := descendants[0]
		for _, d := range descendants[1:] {
			if len(d.Code) > len(best.Code) ||
				(len(d.Code) == len(best.Code) && d.Code < best.Code) {
				best = d
			}
		}
		return best, nil
	}

	// Nearest ancestor, longest prefix first.
	for _, prefix := range fiscal.NCMAncestors(code) {
		if entry, err := s.GetNCM(prefix); err == nil {
			return entry, nil
		}
	}
	return NCMEntry{}, fmt.Errorf("store: no match for ncm %s: %w", code, fiscal.ErrCatalogMiss)
}

// SearchNCMByText does a keyword match over hierarchy descriptions.
func (s *KnowledgeStore) SearchNCMByText(query string, limit int) ([]NCMEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		`SELECT code, description, level, parent_code FROM ncm_hierarchy
		 WHERE description LIKE ? ORDER BY level DESC, code LIMIT ?`,
		"%"+strings.TrimSpace(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("store: search ncm: %w", err)
	}
	defer rows.Close()
	return scanNCMEntries(rows)
}

func scanNCMEntries(rows *sql.Rows) ([]NCMEntry, error) {
	var out []NCMEntry
	for rows.Next() {
		var e NCMEntry
		var parent sql.NullString
		if err := rows.Scan(&e.Code, &e.Description, &e.Level, &parent); err != nil {
			return nil, fmt.Errorf("store: scan ncm row: %w", err)
		}
		e.ParentCode = parent.String
		out = append(out, e)
	}
	return out, rows.Err()
}
