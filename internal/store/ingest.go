package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"classifica/internal/fiscal"
)

// batchSize caps rows per transaction during bulk loads.
const batchSize = 1000

// IngestNCMHierarchy bulk-loads hierarchy entries, replacing duplicates.
// Codes that fail digit normalization at 8-digit level are skipped with a
// warning; shorter prefixes pass through as-is.
func (s *KnowledgeStore) IngestNCMHierarchy(entries []NCMEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		n, err := s.ingestBatch(func(tx *sql.Tx) (int, error) {
			count := 0
			for _, e := range entries[start:end] {
				if len(e.Code) == 8 {
					normalized, ok := fiscal.NormalizeNCM(e.Code)
					if !ok {
						s.logger.Warn("skipping malformed ncm code", zap.String("code", e.Code))
						continue
					}
					e.Code = normalized
				}
				if e.Level == 0 {
					e.Level = len(e.Code)
				}
				_, err := tx.Exec(
					`INSERT OR REPLACE INTO ncm_hierarchy (code, description, level, parent_code)
					 VALUES (?, ?, ?, ?)`,
					e.Code, e.Description, e.Level, nullable(e.ParentCode))
				if err != nil {
					return count, fmt.Errorf("store: ingest ncm %s: %w", e.Code, err)
				}
				count++
			}
			return count, nil
		})
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// IngestCESTCategories bulk-loads CEST categories. Codes are normalized
// first; 8-digit vendor typos truncate to 7 digits with a warning.
func (s *KnowledgeStore) IngestCESTCategories(entries []CESTEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		n, err := s.ingestBatch(func(tx *sql.Tx) (int, error) {
			count := 0
			for _, e := range entries[start:end] {
				v := fiscal.ValidateCEST(e.CEST)
				if !v.Valid {
					s.logger.Warn("skipping malformed cest code", zap.String("cest", e.CEST))
					continue
				}
				if v.Truncated {
					s.logger.Warn("truncated 8-digit cest code",
						zap.String("input", e.CEST),
						zap.String("normalized", v.Normalized))
				}
				_, err := tx.Exec(
					`INSERT OR REPLACE INTO cest_categories (cest, description, segment)
					 VALUES (?, ?, ?)`,
					v.Normalized, e.Description, nullable(e.Segment))
				if err != nil {
					return count, fmt.Errorf("store: ingest cest %s: %w", v.Normalized, err)
				}
				count++
			}
			return count, nil
		})
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// IngestBindings bulk-loads NCM to CEST bindings. Malformed codes on either
// side skip the row.
func (s *KnowledgeStore) IngestBindings(bindings []fiscal.Binding) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for start := 0; start < len(bindings); start += batchSize {
		end := start + batchSize
		if end > len(bindings) {
			end = len(bindings)
		}
		n, err := s.ingestBatch(func(tx *sql.Tx) (int, error) {
			count := 0
			for _, b := range bindings[start:end] {
				cest, ok := fiscal.NormalizeCEST(b.CEST)
				if !ok {
					s.logger.Warn("skipping binding with malformed cest",
						zap.String("ncm", b.NCM), zap.String("cest", b.CEST))
					continue
				}
				relation := b.Relation
				if relation == "" {
					relation = fiscal.RelationDirect
				}
				confidence := b.Confidence
				if confidence <= 0 {
					confidence = 1
				}
				_, err := tx.Exec(
					`INSERT OR REPLACE INTO ncm_cest_mapping (ncm, cest, relation, confidence, source)
					 VALUES (?, ?, ?, ?, ?)`,
					b.NCM, cest, string(relation), confidence, nullable(b.Source))
				if err != nil {
					return count, fmt.Errorf("store: ingest binding %s/%s: %w", b.NCM, cest, err)
				}
				count++
			}
			return count, nil
		})
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// IngestExamples bulk-loads labeled product examples with their embeddings.
func (s *KnowledgeStore) IngestExamples(examples []Example) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for start := 0; start < len(examples); start += batchSize {
		end := start + batchSize
		if end > len(examples) {
			end = len(examples)
		}
		n, err := s.ingestBatch(func(tx *sql.Tx) (int, error) {
			count := 0
			for _, e := range examples[start:end] {
				ncm, ok := fiscal.NormalizeNCM(e.NCM)
				if !ok {
					s.logger.Warn("skipping example with malformed ncm",
						zap.String("ncm", e.NCM), zap.String("description", e.Description))
					continue
				}
				var blob any
				if len(e.Embedding) > 0 {
					blob = encodeVector(e.Embedding)
				}
				verified := 0
				if e.HumanVerified {
					verified = 1
				}
				_, err := tx.Exec(
					`INSERT INTO product_examples
					 (description, ncm, cest, gtin, source, quality_score,
					  human_verified, embedding, embedding_model)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					e.Description, ncm, nullable(e.CEST), nullable(e.Gtin),
					nullable(e.Source), e.QualityScore, verified, blob,
					nullable(e.EmbeddingModel))
				if err != nil {
					return count, fmt.Errorf("store: ingest example: %w", err)
				}
				count++
			}
			return count, nil
		})
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// IngestPharma bulk-loads the pharmaceutical reference dataset.
func (s *KnowledgeStore) IngestPharma(products []PharmaProduct) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for start := 0; start < len(products); start += batchSize {
		end := start + batchSize
		if end > len(products) {
			end = len(products)
		}
		n, err := s.ingestBatch(func(tx *sql.Tx) (int, error) {
			count := 0
			for _, p := range products[start:end] {
				ncm, ok := fiscal.NormalizeNCM(p.NCM)
				if !ok {
					s.logger.Warn("skipping pharma row with malformed ncm",
						zap.String("ncm", p.NCM), zap.String("name", p.Name))
					continue
				}
				var blob any
				if len(p.Embedding) > 0 {
					blob = encodeVector(p.Embedding)
				}
				_, err := tx.Exec(
					`INSERT INTO pharma_products
					 (name, active_ingredient, barcode, brand, presentation,
					  ncm, cest, embedding, embedding_model)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					p.Name, nullable(p.ActiveIngredient), nullable(p.Barcode),
					nullable(p.Brand), nullable(p.Presentation),
					ncm, nullable(p.CEST), blob, nullable(p.EmbeddingModel))
				if err != nil {
					return count, fmt.Errorf("store: ingest pharma: %w", err)
				}
				count++
			}
			return count, nil
		})
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *KnowledgeStore) ingestBatch(fill func(tx *sql.Tx) (int, error)) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin ingest: %w", err)
	}
	n, err := fill(tx)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit ingest: %w", err)
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
