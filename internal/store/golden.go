package store

import (
	"database/sql"
	"fmt"
	"time"

	"classifica/internal/fiscal"
	"classifica/internal/product"
)

// GoldenEntry is a human-validated classification kept as ground truth,
// together with the agent enrichment captured when it was promoted.
type GoldenEntry struct {
	ID                  int64     `json:"id"`
	ProductKey          string    `json:"product_key"`
	ProductCode         string    `json:"product_code,omitempty"`
	Barcode             string    `json:"barcode,omitempty"`
	Description         string    `json:"description"`
	ExpandedDescription string    `json:"expanded_description,omitempty"`
	CategoryHint        string    `json:"category_hint,omitempty"`
	MaterialHint        string    `json:"material_hint,omitempty"`
	Keywords            []string  `json:"keywords,omitempty"`
	NCM                 string    `json:"ncm"`
	CEST                string    `json:"cest,omitempty"`
	Quality             float64   `json:"quality"`
	Justification       string    `json:"justification"`
	SourceID            string    `json:"source_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// GoldenKey derives the lookup key for a description: the normalized text,
// which makes golden hits robust to case and accent variation.
func GoldenKey(description string) string {
	return product.NormalizeDescription(description)
}

// AddToGoldenSet records a validated entry. An active entry with the same
// key is never overwritten; the call fails with ErrConflict so promotion
// stays an explicit, reviewed act.
func (s *KnowledgeStore) AddToGoldenSet(e GoldenEntry) (GoldenEntry, error) {
	if e.Justification == "" {
		return GoldenEntry{}, fmt.Errorf("store: golden entry needs a justification: %w",
			fiscal.ErrInputFormat)
	}
	normalized, ok := fiscal.NormalizeNCM(e.NCM)
	if !ok {
		return GoldenEntry{}, fmt.Errorf("store: golden ncm %q: %w", e.NCM, fiscal.ErrInputFormat)
	}
	e.NCM = normalized
	if e.CEST != "" {
		cest, ok := fiscal.NormalizeCEST(e.CEST)
		if !ok {
			return GoldenEntry{}, fmt.Errorf("store: golden cest %q: %w", e.CEST, fiscal.ErrInputFormat)
		}
		e.CEST = cest
	}
	if e.ProductKey == "" {
		e.ProductKey = GoldenKey(e.Description)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int64
	err := s.db.QueryRow(
		`SELECT id FROM golden_set WHERE product_key = ? AND deleted = 0`,
		e.ProductKey).Scan(&existing)
	if err == nil {
		return GoldenEntry{}, fmt.Errorf("store: golden entry for %q exists (id %d): %w",
			e.ProductKey, existing, ErrConflict)
	}
	if err != sql.ErrNoRows {
		return GoldenEntry{}, fmt.Errorf("store: check golden set: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO golden_set
		 (product_key, product_code, barcode, description, expanded_description,
		  category_hint, material_hint, keywords,
		  ncm, cest, quality, justification, source_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ProductKey, e.ProductCode, e.Barcode, e.Description, e.ExpandedDescription,
		e.CategoryHint, e.MaterialHint, joinKeywords(e.Keywords),
		e.NCM, e.CEST, e.Quality, e.Justification, e.SourceID)
	if err != nil {
		return GoldenEntry{}, fmt.Errorf("store: add golden entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	e.CreatedAt = time.Now().UTC()
	return e, nil
}

const goldenColumns = `id, product_key, COALESCE(product_code, ''), COALESCE(barcode, ''),
	description, COALESCE(expanded_description, ''), COALESCE(category_hint, ''),
	COALESCE(material_hint, ''), COALESCE(keywords, ''),
	ncm, cest, quality, justification, source_id, created_at`

func scanGolden(row interface{ Scan(...any) error }) (GoldenEntry, error) {
	var e GoldenEntry
	var cest, source sql.NullString
	var keywords string
	err := row.Scan(&e.ID, &e.ProductKey, &e.ProductCode, &e.Barcode,
		&e.Description, &e.ExpandedDescription, &e.CategoryHint,
		&e.MaterialHint, &keywords,
		&e.NCM, &cest, &e.Quality, &e.Justification, &source, &e.CreatedAt)
	if err != nil {
		return GoldenEntry{}, err
	}
	e.Keywords = splitKeywords(keywords)
	e.CEST = cest.String
	e.SourceID = source.String
	return e, nil
}

// LookupGoldenSet finds the active entry for a product. The product code
// wins, then the barcode, then the normalized description, so a known code
// with variant packaging text still hits.
func (s *KnowledgeStore) LookupGoldenSet(productCode, barcode, description string) (GoldenEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []struct {
		column string
		value  string
	}{
		{"product_code", productCode},
		{"barcode", barcode},
		{"product_key", GoldenKey(description)},
	}
	for _, k := range keys {
		if k.value == "" {
			continue
		}
		e, err := scanGolden(s.db.QueryRow(
			`SELECT `+goldenColumns+` FROM golden_set
			 WHERE `+k.column+` = ? AND deleted = 0 ORDER BY id LIMIT 1`, k.value))
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return GoldenEntry{}, false, fmt.Errorf("store: lookup golden set: %w", err)
		}
		return e, true, nil
	}
	return GoldenEntry{}, false, nil
}

// ListGoldenSet returns active entries ordered by key.
func (s *KnowledgeStore) ListGoldenSet() ([]GoldenEntry, error) {
	return s.listGolden(`WHERE deleted = 0`)
}

// ListGoldenDeleted returns soft-deleted entries for possible restore.
func (s *KnowledgeStore) ListGoldenDeleted() ([]GoldenEntry, error) {
	return s.listGolden(`WHERE deleted = 1`)
}

func (s *KnowledgeStore) listGolden(where string) ([]GoldenEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT ` + goldenColumns + ` FROM golden_set ` + where + ` ORDER BY product_key`)
	if err != nil {
		return nil, fmt.Errorf("store: list golden set: %w", err)
	}
	defer rows.Close()

	var out []GoldenEntry
	for rows.Next() {
		e, err := scanGolden(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan golden entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RemoveGoldenEntry soft-deletes one entry. The row stays for restore.
func (s *KnowledgeStore) RemoveGoldenEntry(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE golden_set SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return fmt.Errorf("store: remove golden entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: golden entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// RestoreGoldenEntry reactivates a soft-deleted entry unless an active entry
// took over its key in the meantime.
func (s *KnowledgeStore) RestoreGoldenEntry(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	err := s.db.QueryRow(
		`SELECT product_key FROM golden_set WHERE id = ? AND deleted = 1`, id).Scan(&key)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: deleted golden entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: restore golden entry: %w", err)
	}

	var active int64
	err = s.db.QueryRow(
		`SELECT id FROM golden_set WHERE product_key = ? AND deleted = 0`, key).Scan(&active)
	if err == nil {
		return fmt.Errorf("store: key %q already active (id %d): %w", key, active, ErrConflict)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("store: restore golden entry: %w", err)
	}

	_, err = s.db.Exec(`UPDATE golden_set SET deleted = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: restore golden entry: %w", err)
	}
	return nil
}

// ClearGoldenSet soft-deletes every active entry. confirmed guards against
// accidental wipes from scripted callers.
func (s *KnowledgeStore) ClearGoldenSet(confirmed bool) (int64, error) {
	if !confirmed {
		return 0, fmt.Errorf("store: clear golden set requires confirmation: %w", ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE golden_set SET deleted = 1 WHERE deleted = 0`)
	if err != nil {
		return 0, fmt.Errorf("store: clear golden set: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
