// Package store persists the fiscal knowledge base and every classification
// artifact in a single SQLite file. The vector side uses the sqlite-vec
// extension when the binary is built with it and falls back to in-process
// scans otherwise.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"classifica/internal/config"
	"classifica/internal/logging"
)

// Review lifecycle of a persisted classification.
const (
	ReviewPending   = "PENDING"
	ReviewApproved  = "APPROVED"
	ReviewCorrected = "CORRECTED"
	ReviewRejected  = "REJECTED"
)

// Pipeline outcome recorded at persistence time.
const (
	StatusClassified       = "CLASSIFIED"
	StatusNeedsHumanReview = "REQUIRES_HUMAN_REVIEW"
	StatusTechnicalFailure = "TECHNICAL_FAILURE"
)

// Reviewer verdict over the barcode of a classification.
const (
	BarcodeKeep    = "KEEP"
	BarcodeCorrect = "CORRECT"
)

// KnowledgeStore wraps the SQLite database holding the NCM hierarchy, CEST
// catalog, exemplars, pharma reference data, classifications, the golden set
// and agent traces.
type KnowledgeStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	path      string
	vectorExt bool
	logger    *zap.Logger
}

// Open creates or opens the database at cfg.Path and ensures the schema.
func Open(cfg config.StoreConfig) (*KnowledgeStore, error) {
	logger := logging.For("store")

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 1
	}
	db.SetMaxOpenConns(pool)
	db.SetMaxIdleConns(pool)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		// NORMAL is safe under WAL and much faster than FULL.
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &KnowledgeStore{db: db, path: cfg.Path, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()
	if s.vectorExt {
		logger.Info("sqlite-vec extension detected")
	} else {
		logger.Warn("sqlite-vec extension not available, falling back to linear scans")
	}
	return s, nil
}

// OpenMemory opens a throwaway in-memory store, used by tests.
func OpenMemory() (*KnowledgeStore, error) {
	return Open(config.StoreConfig{Path: ":memory:", PoolSize: 1})
}

func (s *KnowledgeStore) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *KnowledgeStore) Path() string { return s.path }

// HasVectorExt reports whether vec0 virtual tables are usable.
func (s *KnowledgeStore) HasVectorExt() bool { return s.vectorExt }

// detectVecExtension probes for vec0 virtual table support.
func (s *KnowledgeStore) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

func (s *KnowledgeStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ncm_hierarchy (
			code        TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			level       INTEGER NOT NULL,
			parent_code TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ncm_level ON ncm_hierarchy(level)`,
		`CREATE INDEX IF NOT EXISTS idx_ncm_parent ON ncm_hierarchy(parent_code)`,

		`CREATE TABLE IF NOT EXISTS cest_categories (
			cest        TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			segment     TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS ncm_cest_mapping (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ncm        TEXT NOT NULL,
			cest       TEXT NOT NULL,
			relation   TEXT NOT NULL DEFAULT 'DIRECT',
			confidence REAL NOT NULL DEFAULT 1.0,
			source     TEXT,
			UNIQUE(ncm, cest)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mapping_ncm ON ncm_cest_mapping(ncm)`,

		`CREATE TABLE IF NOT EXISTS product_examples (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			description     TEXT NOT NULL,
			ncm             TEXT NOT NULL,
			cest            TEXT,
			gtin            TEXT,
			source          TEXT,
			quality_score   REAL NOT NULL DEFAULT 0,
			human_verified  INTEGER NOT NULL DEFAULT 0,
			embedding       BLOB,
			embedding_model TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_examples_ncm ON product_examples(ncm)`,

		`CREATE TABLE IF NOT EXISTS pharma_products (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			name              TEXT NOT NULL,
			active_ingredient TEXT,
			barcode           TEXT,
			brand             TEXT,
			presentation      TEXT,
			ncm               TEXT NOT NULL,
			cest              TEXT,
			embedding         BLOB,
			embedding_model   TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS classifications (
			id                   TEXT PRIMARY KEY,
			product_code         TEXT,
			barcode              TEXT,
			description          TEXT NOT NULL,
			expanded_description TEXT,
			category_hint        TEXT,
			material_hint        TEXT,
			keywords             TEXT,
			ncm                  TEXT,
			cest                 TEXT,
			corrected_ncm        TEXT,
			corrected_cest       TEXT,
			corrected_barcode    TEXT,
			confidence           REAL NOT NULL DEFAULT 0,
			status               TEXT NOT NULL,
			review_status        TEXT NOT NULL DEFAULT 'PENDING',
			justification        TEXT,
			created_at           DATETIME DEFAULT CURRENT_TIMESTAMP,
			reviewed_at          DATETIME,
			reviewer             TEXT,
			review_note          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_class_review ON classifications(review_status)`,

		`CREATE TABLE IF NOT EXISTS golden_set (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			product_key   TEXT NOT NULL,
			product_code  TEXT,
			barcode       TEXT,
			description   TEXT NOT NULL,
			expanded_description TEXT,
			category_hint TEXT,
			material_hint TEXT,
			keywords      TEXT,
			ncm           TEXT NOT NULL,
			cest          TEXT,
			quality       REAL NOT NULL,
			justification TEXT NOT NULL,
			source_id     TEXT,
			deleted       INTEGER NOT NULL DEFAULT 0,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_golden_key ON golden_set(product_key)`,
		`CREATE INDEX IF NOT EXISTS idx_golden_code ON golden_set(product_code)`,
		`CREATE INDEX IF NOT EXISTS idx_golden_barcode ON golden_set(barcode)`,

		`CREATE TABLE IF NOT EXISTS agent_traces (
			id                TEXT PRIMARY KEY,
			classification_id TEXT NOT NULL,
			agent             TEXT NOT NULL,
			agent_version     TEXT,
			input_json        TEXT,
			output_json       TEXT,
			latency_ms        INTEGER NOT NULL DEFAULT 0,
			tokens_used       INTEGER NOT NULL DEFAULT 0,
			success           INTEGER NOT NULL DEFAULT 1,
			error             TEXT,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_class ON agent_traces(classification_id)`,

		`CREATE TABLE IF NOT EXISTS agent_consultations (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id     TEXT NOT NULL,
			query        TEXT NOT NULL,
			source       TEXT NOT NULL,
			latency_ms   INTEGER NOT NULL DEFAULT 0,
			result_count INTEGER NOT NULL DEFAULT 0,
			top_score    REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consult_trace ON agent_consultations(trace_id)`,

		`CREATE TABLE IF NOT EXISTS ordering_state (
			key             TEXT PRIMARY KEY,
			last_letter     TEXT NOT NULL,
			last_product_id TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS knowledge_metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// SetMetadata upserts a metadata entry such as the embedding model name.
func (s *KnowledgeStore) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO knowledge_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata: %w", err)
	}
	return nil
}

// GetMetadata returns the stored value, or "" when the key is absent.
func (s *KnowledgeStore) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRow(`SELECT value FROM knowledge_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata: %w", err)
	}
	return value, nil
}

// Counts summarizes the knowledge base for status reporting.
type Counts struct {
	NCMCodes        int `json:"ncm_codes"`
	CESTCategories  int `json:"cest_categories"`
	Bindings        int `json:"bindings"`
	ProductExamples int `json:"product_examples"`
	PharmaProducts  int `json:"pharma_products"`
	Classifications int `json:"classifications"`
	PendingReview   int `json:"pending_review"`
	GoldenEntries   int `json:"golden_entries"`
}

// CountAll reports table sizes in a single pass.
func (s *KnowledgeStore) CountAll() (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Counts
	queries := []struct {
		dst   *int
		query string
	}{
		{&c.NCMCodes, `SELECT COUNT(*) FROM ncm_hierarchy`},
		{&c.CESTCategories, `SELECT COUNT(*) FROM cest_categories`},
		{&c.Bindings, `SELECT COUNT(*) FROM ncm_cest_mapping`},
		{&c.ProductExamples, `SELECT COUNT(*) FROM product_examples`},
		{&c.PharmaProducts, `SELECT COUNT(*) FROM pharma_products`},
		{&c.Classifications, `SELECT COUNT(*) FROM classifications`},
		{&c.PendingReview, `SELECT COUNT(*) FROM classifications WHERE review_status = 'PENDING'`},
		{&c.GoldenEntries, `SELECT COUNT(*) FROM golden_set WHERE deleted = 0`},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.query).Scan(q.dst); err != nil {
			return Counts{}, fmt.Errorf("store: count: %w", err)
		}
	}
	return c, nil
}
