package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classifica/internal/embedding"
	"classifica/internal/fiscal"
	"classifica/internal/store"
)

// fakeEngine maps known strings to fixed unit vectors.
type fakeEngine struct {
	vectors map[string][]float32
}

func (f *fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return 3 }
func (f *fakeEngine) Name() string    { return "fake/test" }

var _ embedding.Engine = (*fakeEngine)(nil)

func seedRetrieval(t *testing.T) (*store.KnowledgeStore, *Index) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.IngestNCMHierarchy([]store.NCMEntry{
		{Code: "30", Description: "Produtos farmaceuticos"},
		{Code: "3004", Description: "Medicamentos em doses"},
		{Code: "30049090", Description: "Outros medicamentos"},
		{Code: "8523", Description: "Suportes de gravacao"},
		{Code: "85235290", Description: "Cartoes inteligentes"},
	})
	require.NoError(t, err)
	_, err = s.IngestBindings([]fiscal.Binding{
		{NCM: "3004", CEST: "13.001.00", Relation: fiscal.RelationInherited},
		{NCM: "85235290", CEST: "21.064.00", Relation: fiscal.RelationDirect},
	})
	require.NoError(t, err)
	_, err = s.IngestExamples([]store.Example{
		{Description: "PANTOPRAZOL 40MG C/28CP", NCM: "30049090", CEST: "13.001.00", Embedding: []float32{1, 0, 0}},
		{Description: "OMEPRAZOL 20MG C/14CP", NCM: "30049090", CEST: "13.001.00", Embedding: []float32{0.96, 0.28, 0}},
		{Description: "CHIP TIM PRE PLANO NAKED", NCM: "85235290", CEST: "21.064.00", Embedding: []float32{0, 1, 0}},
	})
	require.NoError(t, err)

	engine := &fakeEngine{vectors: map[string][]float32{
		"pantoprazol 20mg": {1, 0, 0},
		"cartao sim":       {0, 1, 0},
	}}
	idx := NewIndex(s, engine)
	require.NoError(t, idx.Rebuild(context.Background()))
	return s, idx
}

func TestSearchRanksByInnerProduct(t *testing.T) {
	_, idx := seedRetrieval(t)
	assert.Equal(t, 3, idx.Len())

	hits := idx.Search([]float32{1, 0, 0}, 10, 0.6)
	require.Len(t, hits, 2)
	assert.Equal(t, "PANTOPRAZOL 40MG C/28CP", hits[0].Description)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "OMEPRAZOL 20MG C/14CP", hits[1].Description)
}

func TestSearchThresholdFiltersAll(t *testing.T) {
	_, idx := seedRetrieval(t)
	hits := idx.Search([]float32{0, 0, 1}, 10, 0.3)
	assert.Empty(t, hits)
}

func TestSearchDimensionMismatch(t *testing.T) {
	_, idx := seedRetrieval(t)
	assert.Nil(t, idx.Search([]float32{1, 0}, 10, 0))
}

func TestHybridDeduplicates(t *testing.T) {
	_, idx := seedRetrieval(t)

	// "pantoprazol 20mg" text-matches PANTOPRAZOL while the vector also
	// points at it; the hit must appear once with the text score.
	hits, err := idx.Hybrid(context.Background(), "pantoprazol 20mg", 3, 0.5)
	require.NoError(t, err)

	seen := map[int64]int{}
	for _, h := range hits {
		seen[h.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "example %d returned twice", id)
	}
	assert.Equal(t, "PANTOPRAZOL 40MG C/28CP", hits[0].Description)
}

func TestRebuildSwapsSnapshot(t *testing.T) {
	s, idx := seedRetrieval(t)
	before := idx.Rebuilds()

	_, err := s.IngestExamples([]store.Example{
		{Description: "DIPIRONA 500MG", NCM: "30049090", Embedding: []float32{0.6, 0.8, 0}},
	})
	require.NoError(t, err)
	require.NoError(t, idx.Rebuild(context.Background()))

	assert.Equal(t, before+1, idx.Rebuilds())
	assert.Equal(t, 4, idx.Len())
}

func TestBuildContext(t *testing.T) {
	s, idx := seedRetrieval(t)
	_, err := s.IngestPharma([]store.PharmaProduct{
		{Name: "PANTOPRAZOL SODICO 40MG", ActiveIngredient: "pantoprazol", NCM: "30049090", CEST: "13.001.00"},
	})
	require.NoError(t, err)

	c, err := idx.BuildContext(context.Background(), "pantoprazol 20mg", true, 5, 0.5)
	require.NoError(t, err)

	require.NotEmpty(t, c.Exemplars)
	require.NotEmpty(t, c.Chapters)
	assert.Equal(t, "3004", c.Chapters[0].Chapter)
	require.NotEmpty(t, c.Chapters[0].BoundCESTs)
	assert.Equal(t, "13.001.00", c.Chapters[0].BoundCESTs[0].CEST)
	require.Len(t, c.PharmaMatches, 1)

	text := c.Render()
	assert.Contains(t, text, "NCM CANDIDATE 3004")
	assert.Contains(t, text, "13.001.00")
	assert.Contains(t, text, "PHARMA REFERENCE MATCHES")
}
