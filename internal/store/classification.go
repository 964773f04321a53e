package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"classifica/internal/fiscal"
	"classifica/internal/product"
	"classifica/internal/trace"
)

// ErrConflict marks review actions on records that already left the pending
// state. Reviews are final.
var ErrConflict = errors.New("store: review already finalized")

// ErrNotFound marks lookups of records that do not exist.
var ErrNotFound = errors.New("store: not found")

// Classification is one persisted pipeline result plus its review state.
// NCM and CEST hold what the pipeline suggested and never change after the
// review closes; the Corrected fields hold what the reviewer settled on.
type Classification struct {
	ID                  string    `json:"id"`
	ProductCode         string    `json:"product_code,omitempty"`
	Barcode             string    `json:"barcode,omitempty"`
	Description         string    `json:"description"`
	ExpandedDescription string    `json:"expanded_description,omitempty"`
	CategoryHint        string    `json:"category_hint,omitempty"`
	MaterialHint        string    `json:"material_hint,omitempty"`
	Keywords            []string  `json:"keywords,omitempty"`
	NCM                 string    `json:"ncm,omitempty"`
	CEST                string    `json:"cest,omitempty"`
	CorrectedNCM        string    `json:"corrected_ncm,omitempty"`
	CorrectedCEST       string    `json:"corrected_cest,omitempty"`
	CorrectedBarcode    string    `json:"corrected_barcode,omitempty"`
	Confidence          float64   `json:"confidence"`
	Status              string    `json:"status"`
	ReviewStatus        string    `json:"review_status"`
	Justification       string    `json:"justification,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ReviewedAt          time.Time `json:"reviewed_at,omitempty"`
	Reviewer            string    `json:"reviewer,omitempty"`
	ReviewNote          string    `json:"review_note,omitempty"`
}

// FinalNCM returns the code that stands after review: the reviewer's value
// on approved and corrected records, nothing otherwise.
func (c Classification) FinalNCM() string { return c.CorrectedNCM }

// FinalCEST is the post-review counterpart of FinalNCM.
func (c Classification) FinalCEST() string { return c.CorrectedCEST }

// FinalBarcode returns the barcode that stands after review.
func (c Classification) FinalBarcode() string {
	if c.CorrectedBarcode != "" {
		return c.CorrectedBarcode
	}
	return c.Barcode
}

// ReviewAction is what a human reviewer decided.
type ReviewAction struct {
	Action            string // APPROVED, CORRECTED or REJECTED
	Reviewer          string
	Note              string
	CorrectedNCM      string // required when Action is CORRECTED
	CorrectedCEST     string
	BarcodeAction     string // KEEP (default) or CORRECT
	BarcodeCorrection string // required when BarcodeAction is CORRECT
}

// CreateClassification inserts a new record. A missing ID is generated.
func (s *KnowledgeStore) CreateClassification(c *Classification) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ReviewStatus == "" {
		c.ReviewStatus = ReviewPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO classifications
		 (id, product_code, barcode, description, expanded_description,
		  category_hint, material_hint, keywords,
		  ncm, cest, confidence, status, review_status, justification, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProductCode, c.Barcode, c.Description, c.ExpandedDescription,
		c.CategoryHint, c.MaterialHint, joinKeywords(c.Keywords),
		c.NCM, c.CEST, c.Confidence, c.Status, c.ReviewStatus, c.Justification,
		c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create classification: %w", err)
	}
	return nil
}

func joinKeywords(kw []string) string { return strings.Join(kw, ",") }

func splitKeywords(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// GetClassification loads one record by ID.
func (s *KnowledgeStore) GetClassification(id string) (Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getClassification(s.db, id)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *KnowledgeStore) getClassification(q querier, id string) (Classification, error) {
	var c Classification
	var reviewedAt sql.NullTime
	var reviewer, note sql.NullString
	var keywords string
	err := q.QueryRow(
		`SELECT id, COALESCE(product_code, ''), COALESCE(barcode, ''), description,
		        COALESCE(expanded_description, ''), COALESCE(category_hint, ''),
		        COALESCE(material_hint, ''), COALESCE(keywords, ''),
		        COALESCE(ncm, ''), COALESCE(cest, ''),
		        COALESCE(corrected_ncm, ''), COALESCE(corrected_cest, ''),
		        COALESCE(corrected_barcode, ''),
		        confidence, status, review_status, COALESCE(justification, ''),
		        created_at, reviewed_at, reviewer, review_note
		 FROM classifications WHERE id = ?`, id).Scan(
		&c.ID, &c.ProductCode, &c.Barcode, &c.Description,
		&c.ExpandedDescription, &c.CategoryHint, &c.MaterialHint, &keywords,
		&c.NCM, &c.CEST, &c.CorrectedNCM, &c.CorrectedCEST, &c.CorrectedBarcode,
		&c.Confidence, &c.Status, &c.ReviewStatus, &c.Justification,
		&c.CreatedAt, &reviewedAt, &reviewer, &note)
	if err == sql.ErrNoRows {
		return Classification{}, fmt.Errorf("store: classification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Classification{}, fmt.Errorf("store: get classification: %w", err)
	}
	c.Keywords = splitKeywords(keywords)
	c.ReviewedAt = reviewedAt.Time
	c.Reviewer = reviewer.String
	c.ReviewNote = note.String
	return c, nil
}

// ApplyReview finalizes the review of a pending classification. Corrections
// must name a valid NCM/CEST pair under the catalog rules or nothing is
// persisted. The suggested codes stay untouched in every case; the verdict
// lands in the corrected columns, which an approval fills with the suggested
// pair and a rejection leaves empty. A record that already left the pending
// state returns ErrConflict untouched.
func (s *KnowledgeStore) ApplyReview(id string, action ReviewAction, catalog fiscal.Catalog) (Classification, error) {
	action.Action = strings.ToUpper(strings.TrimSpace(action.Action))
	action.BarcodeAction = strings.ToUpper(strings.TrimSpace(action.BarcodeAction))

	// Binding validation runs before the write lock; the catalog is usually
	// this store, and BindingsFor takes its own read lock.
	var correctedNCM, correctedCEST string
	switch action.Action {
	case ReviewApproved, ReviewRejected:
	case ReviewCorrected:
		normalized, ok := fiscal.NormalizeNCM(action.CorrectedNCM)
		if !ok {
			return Classification{}, fmt.Errorf("store: corrected ncm %q: %w",
				action.CorrectedNCM, fiscal.ErrInputFormat)
		}
		correctedNCM = normalized
		if action.CorrectedCEST != "" {
			result, err := fiscal.ValidateBinding(normalized, action.CorrectedCEST, catalog)
			if err != nil {
				return Classification{}, fmt.Errorf("store: corrected pair (%s, %s): %w",
					normalized, action.CorrectedCEST, err)
			}
			correctedCEST = result.CEST
		}
	default:
		return Classification{}, fmt.Errorf("store: unknown review action %q: %w",
			action.Action, fiscal.ErrInputFormat)
	}

	var correctedBarcode string
	switch action.BarcodeAction {
	case "", BarcodeKeep:
	case BarcodeCorrect:
		correctedBarcode = strings.TrimSpace(action.BarcodeCorrection)
		if correctedBarcode == "" {
			return Classification{}, fmt.Errorf("store: barcode correction without a value: %w",
				fiscal.ErrInputFormat)
		}
	default:
		return Classification{}, fmt.Errorf("store: unknown barcode action %q: %w",
			action.BarcodeAction, fiscal.ErrInputFormat)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getClassification(s.db, id)
	if err != nil {
		return Classification{}, err
	}
	if current.ReviewStatus != ReviewPending {
		return Classification{}, fmt.Errorf("store: classification %s is %s: %w",
			id, current.ReviewStatus, ErrConflict)
	}

	if action.Action == ReviewApproved {
		correctedNCM, correctedCEST = current.NCM, current.CEST
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`UPDATE classifications
		 SET corrected_ncm = ?, corrected_cest = ?, corrected_barcode = ?,
		     review_status = ?, reviewed_at = ?, reviewer = ?, review_note = ?
		 WHERE id = ? AND review_status = 'PENDING'`,
		correctedNCM, correctedCEST, correctedBarcode,
		action.Action, now, action.Reviewer, action.Note, id)
	if err != nil {
		return Classification{}, fmt.Errorf("store: apply review: %w", err)
	}
	return s.getClassification(s.db, id)
}

// ListPending returns pending classifications ordered by description, capped
// at limit when positive.
func (s *KnowledgeStore) ListPending(limit int) ([]Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id FROM classifications WHERE review_status = 'PENDING'
		 ORDER BY description, created_at`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan pending: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Classification, 0, len(ids))
	for _, id := range ids {
		c, err := s.getClassification(s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

const orderingKey = "review_rotation"

// NextPending returns the next pending classification under the letter
// rotation: the earliest record whose leading letter is strictly greater
// than the last served letter, wrapping to wrapLetter when the alphabet is
// exhausted. The rotation cursor only advances when a record is returned.
func (s *KnowledgeStore) NextPending(wrapLetter byte) (Classification, error) {
	if wrapLetter < 'A' || wrapLetter > 'Z' {
		wrapLetter = 'A'
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var last string
	err := s.db.QueryRow(
		`SELECT last_letter FROM ordering_state WHERE key = ?`, orderingKey).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return Classification{}, fmt.Errorf("store: read rotation: %w", err)
	}
	lastLetter := byte(0)
	if last != "" {
		lastLetter = last[0]
	}

	pick, err := s.pickPendingAfter(lastLetter, wrapLetter)
	if err != nil {
		return Classification{}, err
	}

	letter := product.FirstLetter(pick.Description, wrapLetter)
	_, err = s.db.Exec(
		`INSERT INTO ordering_state (key, last_letter, last_product_id) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET last_letter = excluded.last_letter,
		                                last_product_id = excluded.last_product_id`,
		orderingKey, string(letter), pick.ID)
	if err != nil {
		return Classification{}, fmt.Errorf("store: advance rotation: %w", err)
	}
	return pick, nil
}

func (s *KnowledgeStore) pickPendingAfter(lastLetter, wrapLetter byte) (Classification, error) {
	rows, err := s.db.Query(
		`SELECT id, description FROM classifications
		 WHERE review_status = 'PENDING' ORDER BY description, created_at`)
	if err != nil {
		return Classification{}, fmt.Errorf("store: next pending: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id     string
		letter byte
	}
	var all []candidate
	for rows.Next() {
		var id, desc string
		if err := rows.Scan(&id, &desc); err != nil {
			return Classification{}, fmt.Errorf("store: scan pending: %w", err)
		}
		all = append(all, candidate{id: id, letter: product.FirstLetter(desc, wrapLetter)})
	}
	if err := rows.Err(); err != nil {
		return Classification{}, err
	}
	if len(all) == 0 {
		return Classification{}, fmt.Errorf("store: no pending classifications: %w", ErrNotFound)
	}

	best := -1
	for i, c := range all {
		if c.letter <= lastLetter {
			continue
		}
		if best == -1 || c.letter < all[best].letter {
			best = i
		}
	}
	if best == -1 {
		// Wrap: earliest letter at or after wrapLetter, else the overall
		// earliest.
		for i, c := range all {
			if c.letter < wrapLetter {
				continue
			}
			if best == -1 || c.letter < all[best].letter {
				best = i
			}
		}
		if best == -1 {
			best = 0
			for i, c := range all {
				if c.letter < all[best].letter {
					best = i
				}
			}
		}
	}
	return s.getClassification(s.db, all[best].id)
}

// PersistClassificationRun writes the classification and all its agent
// traces in one transaction. Either everything lands or nothing does.
func (s *KnowledgeStore) PersistClassificationRun(c *Classification, records []trace.Record) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ReviewStatus == "" {
		c.ReviewStatus = ReviewPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin run transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO classifications
		 (id, product_code, barcode, description, expanded_description,
		  category_hint, material_hint, keywords,
		  ncm, cest, confidence, status, review_status, justification, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProductCode, c.Barcode, c.Description, c.ExpandedDescription,
		c.CategoryHint, c.MaterialHint, joinKeywords(c.Keywords),
		c.NCM, c.CEST, c.Confidence, c.Status, c.ReviewStatus, c.Justification,
		c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: persist classification: %w", err)
	}

	for _, rec := range records {
		if err := insertTrace(tx, c.ID, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit run: %w", err)
	}
	return nil
}
