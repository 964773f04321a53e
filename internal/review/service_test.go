package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classifica/internal/fiscal"
	"classifica/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.KnowledgeStore) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.IngestNCMHierarchy([]store.NCMEntry{
		{Code: "30", Description: "Produtos farmaceuticos"},
		{Code: "3004", Description: "Medicamentos em doses"},
		{Code: "30049090", Description: "Outros medicamentos"},
		{Code: "85235290", Description: "Cartoes inteligentes"},
	})
	require.NoError(t, err)
	_, err = s.IngestBindings([]fiscal.Binding{
		{NCM: "30049090", CEST: "13.001.00", Relation: fiscal.RelationDirect},
		{NCM: "85235290", CEST: "21.064.00", Relation: fiscal.RelationDirect},
	})
	require.NoError(t, err)

	return New(s, "A", 50), s
}

func seedPending(t *testing.T, s *store.KnowledgeStore, description, ncm, cest string) store.Classification {
	t.Helper()
	c := store.Classification{
		Description: description,
		NCM:         ncm,
		CEST:        cest,
		Confidence:  0.9,
		Status:      store.StatusClassified,
	}
	require.NoError(t, s.CreateClassification(&c))
	return c
}

func TestApproveThenPromote(t *testing.T) {
	svc, s := newTestService(t)
	c := seedPending(t, s, "PANTOPRAZOL 40MG C/28CP", "30049090", "13.001.00")

	reviewed, err := svc.Approve(c.ID, "ana", "checked against the catalog")
	require.NoError(t, err)
	assert.Equal(t, store.ReviewApproved, reviewed.ReviewStatus)
	assert.Equal(t, "ana", reviewed.Reviewer)
	assert.Equal(t, "30049090", reviewed.FinalNCM())

	entry, err := svc.Promote(c.ID, "reviewer confirmed the pair", 0.95)
	require.NoError(t, err)
	assert.Equal(t, "30049090", entry.NCM)
	assert.Equal(t, "13.001.00", entry.CEST)
	assert.Equal(t, c.ID, entry.SourceID)

	got, ok, err := s.LookupGoldenSet("", "", "pantoprazol 40mg c/28cp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.95, got.Quality)
}

func TestPromoteRequiresReview(t *testing.T) {
	svc, s := newTestService(t)
	c := seedPending(t, s, "CHIP TIM PRE", "85235290", "21.064.00")

	_, err := svc.Promote(c.ID, "not reviewed yet", 1)
	assert.ErrorIs(t, err, fiscal.ErrInputFormat)
}

func TestPromoteRejectedBlocked(t *testing.T) {
	svc, s := newTestService(t)
	c := seedPending(t, s, "PRODUTO DUVIDOSO", "30049090", "")

	_, err := svc.Reject(c.ID, "ana", "not classifiable")
	require.NoError(t, err)

	_, err = svc.Promote(c.ID, "should not work", 1)
	assert.ErrorIs(t, err, fiscal.ErrInputFormat)
}

func TestCorrectValidatesBinding(t *testing.T) {
	svc, s := newTestService(t)
	c := seedPending(t, s, "CHIP VIVO PRE", "30049090", "13.001.00")

	// Telecom CEST on a medicine NCM violates the segment rules.
	_, err := svc.Correct(c.ID, "ana", "wrong segment", "30049090", "21.064.00", "")
	assert.ErrorIs(t, err, fiscal.ErrBindingViolation)

	reviewed, err := svc.Correct(c.ID, "ana", "telecom chip", "85235290", "21.064.00", "")
	require.NoError(t, err)
	assert.Equal(t, store.ReviewCorrected, reviewed.ReviewStatus)
	assert.Equal(t, "85235290", reviewed.CorrectedNCM)
	assert.Equal(t, "21.064.00", reviewed.CorrectedCEST)
	// The agent suggestion stays on record next to the verdict.
	assert.Equal(t, "30049090", reviewed.NCM)
	assert.Equal(t, "85235290", reviewed.FinalNCM())
}

func TestCorrectCarriesBarcodeFix(t *testing.T) {
	svc, s := newTestService(t)
	c := store.Classification{
		Description: "DIPIRONA 500MG C/10CP",
		Barcode:     "7890000000000",
		NCM:         "30049090",
		CEST:        "13.001.00",
		Confidence:  0.9,
		Status:      store.StatusClassified,
	}
	require.NoError(t, s.CreateClassification(&c))

	reviewed, err := svc.Correct(c.ID, "ana", "scanner misread", "30049090", "13.001.00", "7891234567895")
	require.NoError(t, err)
	assert.Equal(t, "7891234567895", reviewed.CorrectedBarcode)
	assert.Equal(t, "7891234567895", reviewed.FinalBarcode())
	assert.Equal(t, "7890000000000", reviewed.Barcode)
}

func TestNextWalksAndShowsTraces(t *testing.T) {
	svc, s := newTestService(t)
	seedPending(t, s, "AGUA MINERAL 500ML", "30049090", "")
	seedPending(t, s, "BISCOITO RECHEADO", "30049090", "")

	first, err := svc.Next()
	require.NoError(t, err)
	assert.Equal(t, "AGUA MINERAL 500ML", first.Classification.Description)

	second, err := svc.Next()
	require.NoError(t, err)
	assert.Equal(t, "BISCOITO RECHEADO", second.Classification.Description)
}

func TestGoldenLifecycle(t *testing.T) {
	svc, s := newTestService(t)
	c := seedPending(t, s, "OMEPRAZOL 20MG C/14CP", "30049090", "13.001.00")
	_, err := svc.Approve(c.ID, "ana", "")
	require.NoError(t, err)
	entry, err := svc.Promote(c.ID, "approved by review", 1)
	require.NoError(t, err)

	active, err := svc.Golden()
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, svc.Demote(entry.ID))
	active, err = svc.Golden()
	require.NoError(t, err)
	assert.Empty(t, active)

	deleted, err := svc.GoldenDeleted()
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	require.NoError(t, svc.Restore(entry.ID))
	active, err = svc.Golden()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = svc.ClearGolden(false)
	assert.Error(t, err)
	n, err := svc.ClearGolden(true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
