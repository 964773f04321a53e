// Package review runs the human validation loop: walking pending
// classifications, applying reviewer verdicts and promoting confirmed
// results into the golden set.
package review

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"classifica/internal/fiscal"
	"classifica/internal/logging"
	"classifica/internal/store"
	"classifica/internal/trace"
)

// Detail pairs a classification with its agent traces for display.
type Detail struct {
	Classification store.Classification `json:"classification"`
	Traces         []trace.Record       `json:"traces,omitempty"`
}

// Service coordinates review operations over the knowledge store.
type Service struct {
	store      *store.KnowledgeStore
	wrapLetter byte
	pageLimit  int
	logger     *zap.Logger
}

// New builds the review service. wrapLetter is where the alphabetical walk
// restarts after the last pending letter; pageLimit caps listings.
func New(s *store.KnowledgeStore, wrapLetter string, pageLimit int) *Service {
	wrap := byte('A')
	if w := strings.TrimSpace(strings.ToUpper(wrapLetter)); w != "" && w[0] >= 'A' && w[0] <= 'Z' {
		wrap = w[0]
	}
	if pageLimit <= 0 {
		pageLimit = 50
	}
	return &Service{
		store:      s,
		wrapLetter: wrap,
		pageLimit:  pageLimit,
		logger:     logging.For("review"),
	}
}

// Pending lists classifications awaiting review, up to the page limit.
func (s *Service) Pending() ([]store.Classification, error) {
	return s.store.ListPending(s.pageLimit)
}

// Next advances the alphabetical walk and returns the next pending
// classification with its traces.
func (s *Service) Next() (Detail, error) {
	c, err := s.store.NextPending(s.wrapLetter)
	if err != nil {
		return Detail{}, err
	}
	return s.detail(c)
}

// Get loads one classification with its traces.
func (s *Service) Get(id string) (Detail, error) {
	c, err := s.store.GetClassification(id)
	if err != nil {
		return Detail{}, err
	}
	return s.detail(c)
}

func (s *Service) detail(c store.Classification) (Detail, error) {
	traces, err := s.store.ListTraces(c.ID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Classification: c, Traces: traces}, nil
}

// Approve confirms the assigned codes.
func (s *Service) Approve(id, reviewer, note string) (store.Classification, error) {
	return s.apply(id, store.ReviewAction{
		Action:   store.ReviewApproved,
		Reviewer: reviewer,
		Note:     note,
	})
}

// Correct records the reviewer's pair next to the suggested codes. The pair
// must pass the binding rules or nothing changes. A non-empty barcode also
// records a barcode fix.
func (s *Service) Correct(id, reviewer, note, ncm, cest, barcode string) (store.Classification, error) {
	action := store.ReviewAction{
		Action:        store.ReviewCorrected,
		Reviewer:      reviewer,
		Note:          note,
		CorrectedNCM:  ncm,
		CorrectedCEST: cest,
	}
	if barcode != "" {
		action.BarcodeAction = store.BarcodeCorrect
		action.BarcodeCorrection = barcode
	}
	return s.apply(id, action)
}

// Reject discards the suggested pair; the record keeps it for audit but no
// final codes exist.
func (s *Service) Reject(id, reviewer, note string) (store.Classification, error) {
	return s.apply(id, store.ReviewAction{
		Action:   store.ReviewRejected,
		Reviewer: reviewer,
		Note:     note,
	})
}

func (s *Service) apply(id string, action store.ReviewAction) (store.Classification, error) {
	c, err := s.store.ApplyReview(id, action, s.store)
	if err != nil {
		return store.Classification{}, err
	}
	s.logger.Info("review applied",
		zap.String("id", id),
		zap.String("action", action.Action),
		zap.String("reviewer", action.Reviewer))
	return c, nil
}

// Promote copies a reviewed classification into the golden set. Only
// approved or corrected records qualify; pending and rejected ones cannot
// anchor future short-circuits.
func (s *Service) Promote(id, justification string, quality float64) (store.GoldenEntry, error) {
	c, err := s.store.GetClassification(id)
	if err != nil {
		return store.GoldenEntry{}, err
	}
	switch c.ReviewStatus {
	case store.ReviewApproved, store.ReviewCorrected:
	default:
		return store.GoldenEntry{}, fmt.Errorf(
			"review: classification %s is %s, only approved or corrected records can join the golden set: %w",
			id, c.ReviewStatus, fiscal.ErrInputFormat)
	}
	if c.FinalNCM() == "" {
		return store.GoldenEntry{}, fmt.Errorf(
			"review: classification %s carries no reviewed ncm: %w", id, fiscal.ErrInputFormat)
	}
	if quality <= 0 || quality > 1 {
		quality = 1.0
	}

	entry, err := s.store.AddToGoldenSet(store.GoldenEntry{
		ProductCode:         c.ProductCode,
		Barcode:             c.FinalBarcode(),
		Description:         c.Description,
		ExpandedDescription: c.ExpandedDescription,
		CategoryHint:        c.CategoryHint,
		MaterialHint:        c.MaterialHint,
		Keywords:            c.Keywords,
		NCM:                 c.FinalNCM(),
		CEST:                c.FinalCEST(),
		Quality:             quality,
		Justification:       justification,
		SourceID:            c.ID,
	})
	if err != nil {
		return store.GoldenEntry{}, err
	}
	s.logger.Info("promoted to golden set",
		zap.String("classification", id),
		zap.String("ncm", entry.NCM),
		zap.Int64("entry", entry.ID))
	return entry, nil
}

// Golden lists the active golden set.
func (s *Service) Golden() ([]store.GoldenEntry, error) {
	return s.store.ListGoldenSet()
}

// GoldenDeleted lists soft-deleted golden entries available for restore.
func (s *Service) GoldenDeleted() ([]store.GoldenEntry, error) {
	return s.store.ListGoldenDeleted()
}

// Demote soft-deletes a golden entry.
func (s *Service) Demote(id int64) error {
	return s.store.RemoveGoldenEntry(id)
}

// Restore reactivates a soft-deleted golden entry.
func (s *Service) Restore(id int64) error {
	return s.store.RestoreGoldenEntry(id)
}

// ClearGolden soft-deletes every golden entry. confirmed must be true.
func (s *Service) ClearGolden(confirmed bool) (int64, error) {
	n, err := s.store.ClearGoldenSet(confirmed)
	if err != nil {
		return 0, err
	}
	s.logger.Warn("golden set cleared", zap.Int64("entries", n))
	return n, nil
}
