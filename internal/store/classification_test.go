package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classifica/internal/fiscal"
	"classifica/internal/trace"
)

func pendingClassification(t *testing.T, s *KnowledgeStore, description, ncm, cest string) Classification {
	t.Helper()
	c := Classification{
		Description: description,
		NCM:         ncm,
		CEST:        cest,
		Confidence:  0.9,
		Status:      StatusClassified,
	}
	require.NoError(t, s.CreateClassification(&c))
	return c
}

func TestApplyReviewApprove(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	c := pendingClassification(t, s, "PANTOPRAZOL 40MG C/28CP", "30049090", "13.001.00")

	got, err := s.ApplyReview(c.ID, ReviewAction{Action: "approved", Reviewer: "ana"}, s)
	require.NoError(t, err)
	assert.Equal(t, ReviewApproved, got.ReviewStatus)
	assert.Equal(t, "30049090", got.NCM)
	// Approval settles the suggested pair as the final one.
	assert.Equal(t, "30049090", got.FinalNCM())
	assert.Equal(t, "13.001.00", got.FinalCEST())
	assert.Equal(t, "ana", got.Reviewer)
	assert.False(t, got.ReviewedAt.IsZero())
}

func TestApplyReviewIsFinal(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	c := pendingClassification(t, s, "PANTOPRAZOL 40MG C/28CP", "30049090", "13.001.00")

	_, err := s.ApplyReview(c.ID, ReviewAction{Action: ReviewApproved}, s)
	require.NoError(t, err)

	_, err = s.ApplyReview(c.ID, ReviewAction{Action: ReviewRejected}, s)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetClassification(c.ID)
	require.NoError(t, err)
	assert.Equal(t, ReviewApproved, got.ReviewStatus)
	assert.Equal(t, "30049090", got.NCM)
}

func TestApplyReviewRejectLeavesNoFinalCodes(t *testing.T) {
	s := newTestStore(t)
	c := pendingClassification(t, s, "PRODUTO DUVIDOSO", "30049090", "13.001.00")

	got, err := s.ApplyReview(c.ID, ReviewAction{Action: ReviewRejected, Note: "wrong chapter"}, s)
	require.NoError(t, err)
	assert.Equal(t, ReviewRejected, got.ReviewStatus)
	// The suggested pair stays on record for audit; no final pair exists.
	assert.Equal(t, "30049090", got.NCM)
	assert.Equal(t, "13.001.00", got.CEST)
	assert.Empty(t, got.FinalNCM())
	assert.Empty(t, got.FinalCEST())
	assert.Equal(t, "wrong chapter", got.ReviewNote)
}

func TestApplyReviewCorrectionValidatesBinding(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	c := pendingClassification(t, s, "CHIP TIM PRE PLANO", "30049090", "13.001.00")

	// Medicine CEST on an electronics NCM violates the category overlay.
	_, err := s.ApplyReview(c.ID, ReviewAction{
		Action:        ReviewCorrected,
		CorrectedNCM:  "30049090",
		CorrectedCEST: "21.064.00",
	}, s)
	require.ErrorIs(t, err, fiscal.ErrBindingViolation)

	// Nothing persisted: still pending with original codes.
	got, err := s.GetClassification(c.ID)
	require.NoError(t, err)
	assert.Equal(t, ReviewPending, got.ReviewStatus)
	assert.Equal(t, "30049090", got.NCM)

	// Valid correction lands in the corrected columns; the suggested pair
	// stays frozen.
	got, err = s.ApplyReview(c.ID, ReviewAction{
		Action:        ReviewCorrected,
		CorrectedNCM:  "85235290",
		CorrectedCEST: "21.064.00",
	}, s)
	require.NoError(t, err)
	assert.Equal(t, ReviewCorrected, got.ReviewStatus)
	assert.Equal(t, "30049090", got.NCM)
	assert.Equal(t, "13.001.00", got.CEST)
	assert.Equal(t, "85235290", got.CorrectedNCM)
	assert.Equal(t, "21.064.00", got.CorrectedCEST)
}

func TestApplyReviewBarcodeCorrection(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	c := Classification{
		Description: "CHIP TIM PRE PLANO",
		Barcode:     "7890000000000",
		NCM:         "85235290",
		CEST:        "21.064.00",
		Confidence:  0.9,
		Status:      StatusClassified,
	}
	require.NoError(t, s.CreateClassification(&c))

	got, err := s.ApplyReview(c.ID, ReviewAction{
		Action:            ReviewApproved,
		BarcodeAction:     BarcodeCorrect,
		BarcodeCorrection: "7891234567895",
	}, s)
	require.NoError(t, err)
	assert.Equal(t, "7890000000000", got.Barcode)
	assert.Equal(t, "7891234567895", got.CorrectedBarcode)
	assert.Equal(t, "7891234567895", got.FinalBarcode())

	// CORRECT without a replacement value is refused.
	other := pendingClassification(t, s, "CHIP VIVO PRE", "85235290", "21.064.00")
	_, err = s.ApplyReview(other.ID, ReviewAction{
		Action:        ReviewApproved,
		BarcodeAction: BarcodeCorrect,
	}, s)
	assert.ErrorIs(t, err, fiscal.ErrInputFormat)
}

func TestApplyReviewUnknownAction(t *testing.T) {
	s := newTestStore(t)
	c := pendingClassification(t, s, "PRODUTO", "30049090", "")

	_, err := s.ApplyReview(c.ID, ReviewAction{Action: "MAYBE"}, s)
	assert.ErrorIs(t, err, fiscal.ErrInputFormat)
}

func TestNextPendingRotation(t *testing.T) {
	s := newTestStore(t)
	pendingClassification(t, s, "ARROZ BRANCO 5KG", "10063021", "")
	pendingClassification(t, s, "BISCOITO LACTA 140G", "19053100", "")
	pendingClassification(t, s, "MACARRAO ESPAGUETE", "19021900", "")

	first, err := s.NextPending('A')
	require.NoError(t, err)
	assert.Equal(t, "ARROZ BRANCO 5KG", first.Description)

	second, err := s.NextPending('A')
	require.NoError(t, err)
	assert.Equal(t, "BISCOITO LACTA 140G", second.Description)

	third, err := s.NextPending('A')
	require.NoError(t, err)
	assert.Equal(t, "MACARRAO ESPAGUETE", third.Description)

	// Alphabet exhausted, wraps back to A.
	again, err := s.NextPending('A')
	require.NoError(t, err)
	assert.Equal(t, "ARROZ BRANCO 5KG", again.Description)
}

func TestNextPendingEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.NextPending('A')
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistClassificationRun(t *testing.T) {
	s := newTestStore(t)
	c := Classification{
		Description: "CHIP TIM PRE PLANO NAKED 4G",
		NCM:         "85235290",
		CEST:        "21.064.00",
		Confidence:  0.92,
		Status:      StatusClassified,
	}
	rec := trace.NewRecorder("")
	finish := rec.Begin("expansion", map[string]string{"description": c.Description})
	finish(map[string]any{"keywords": []string{"chip", "tim"}}, 80, nil)
	rec.Consult(trace.Consultation{Query: "chip tim", Source: "product_examples", ResultCount: 2, TopScore: 0.91})

	require.NoError(t, s.PersistClassificationRun(&c, rec.Records()))
	require.NotEmpty(t, c.ID)

	traces, err := s.ListTraces(c.ID)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "expansion", traces[0].Agent)
	require.Len(t, traces[0].Consultations, 1)
	assert.Equal(t, "product_examples", traces[0].Consultations[0].Source)

	counts, err := s.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Classifications)
	assert.Equal(t, 1, counts.PendingReview)
}

func TestListPending(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	pendingClassification(t, s, "ZEBRA TOY", "95030099", "")
	approved := pendingClassification(t, s, "PANTOPRAZOL 40MG", "30049090", "13.001.00")
	_, err := s.ApplyReview(approved.ID, ReviewAction{Action: ReviewApproved}, s)
	require.NoError(t, err)

	pending, err := s.ListPending(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ZEBRA TOY", pending[0].Description)
}
