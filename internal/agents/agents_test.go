package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classifica/internal/fiscal"
	"classifica/internal/llm"
	"classifica/internal/retrieval"
	"classifica/internal/store"
	"classifica/internal/trace"
)

func emptyContext() retrieval.Context {
	return retrieval.Context{}
}

func exemplar(description, ncm string, score float64) retrieval.Hit {
	return retrieval.Hit{Description: description, NCM: ncm, Score: score}
}

// fakeLLM replays scripted replies in order.
type fakeLLM struct {
	replies []string
	errs    []error
	calls   int
}

func (f *fakeLLM) Generate(_ context.Context, _ llm.Request) (llm.Response, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return llm.Response{}, f.errs[idx]
	}
	reply := ""
	if idx < len(f.replies) {
		reply = f.replies[idx]
	}
	return llm.Response{Text: reply, TokensUsed: 42}, nil
}

func seedAgentStore(t *testing.T) *store.KnowledgeStore {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.IngestNCMHierarchy([]store.NCMEntry{
		{Code: "30", Description: "Produtos farmaceuticos"},
		{Code: "3004", Description: "Medicamentos em doses"},
		{Code: "300490", Description: "Outros medicamentos"},
		{Code: "30049090", Description: "Outros medicamentos em doses"},
		{Code: "8523", Description: "Suportes de gravacao"},
		{Code: "85235290", Description: "Cartoes inteligentes"},
	})
	require.NoError(t, err)
	_, err = s.IngestCESTCategories([]store.CESTEntry{
		{CEST: "13.001.00", Description: "Medicamentos de referencia"},
		{CEST: "13.002.00", Description: "Medicamentos genericos"},
		{CEST: "21.064.00", Description: "Cartoes SIM"},
	})
	require.NoError(t, err)
	_, err = s.IngestBindings([]fiscal.Binding{
		{NCM: "30049090", CEST: "13.001.00", Relation: fiscal.RelationDirect},
		{NCM: "30049090", CEST: "13.002.00", Relation: fiscal.RelationDirect},
		{NCM: "85235290", CEST: "21.064.00", Relation: fiscal.RelationDirect},
	})
	require.NoError(t, err)
	return s
}

func TestDecodeJSONExtractsFromProse(t *testing.T) {
	var out struct {
		NCM string `json:"ncm"`
	}
	reply := "Sure, here is the code:\n```json\n{\"ncm\": \"30049090\"}\n```\nHope it helps."
	require.NoError(t, decodeJSON(reply, &out))
	assert.Equal(t, "30049090", out.NCM)

	err := decodeJSON("no json at all", &out)
	assert.ErrorIs(t, err, ErrAgentFailure)
}

func TestExpansionKeepsInputTokens(t *testing.T) {
	agent := NewExpansionAgent(&fakeLLM{replies: []string{
		`{"expanded_description": "medicamento pantoprazol 40mg embalagem com 28 comprimidos",
		  "keywords": ["pantoprazol", "medicamento", "PANTOPRAZOL", "comprimido"],
		  "category_hint": "medicamentos", "material_hint": "",
		  "is_pharmaceutical": true}`,
	}})
	rec := trace.NewRecorder("c1")

	got, err := agent.Expand(context.Background(), rec, Product{Description: "PANTOPRAZOL 40MG"})
	require.NoError(t, err)
	assert.True(t, got.Pharmaceutical)
	assert.Contains(t, got.Expanded, "pantoprazol")
	assert.Equal(t, "medicamentos", got.CategoryHint)
	assert.Empty(t, got.MaterialHint)
	// Duplicate keyword collapsed after normalization.
	assert.Equal(t, []string{"pantoprazol", "medicamento", "comprimido"}, got.Keywords)

	recs := rec.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "expansion", recs[0].Agent)
	assert.True(t, recs[0].Success)
}

func TestExpansionRejectsDroppedTokens(t *testing.T) {
	agent := NewExpansionAgent(&fakeLLM{replies: []string{
		`{"expanded_description": "some unrelated text", "keywords": ["x"], "is_pharmaceutical": false}`,
	}})
	rec := trace.NewRecorder("c1")

	got, err := agent.Expand(context.Background(), rec, Product{Description: "CHIP TIM PRE"})
	require.NoError(t, err)
	assert.Equal(t, "CHIP TIM PRE", got.Expanded)
}

func TestExpansionCache(t *testing.T) {
	client := &fakeLLM{replies: []string{
		`{"expanded_description": "chip tim pre pago", "keywords": ["chip"], "is_pharmaceutical": false}`,
	}}
	agent := NewExpansionAgent(client)
	rec := trace.NewRecorder("c1")

	first, err := agent.Expand(context.Background(), rec, Product{Description: "CHIP TIM PRE"})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := agent.Expand(context.Background(), rec, Product{Description: "CHIP TIM PRE"})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Expanded, second.Expanded)
	assert.Equal(t, 1, client.calls)
}

func TestExpansionEmptyDescription(t *testing.T) {
	agent := NewExpansionAgent(&fakeLLM{})
	rec := trace.NewRecorder("c1")
	_, err := agent.Expand(context.Background(), rec, Product{Description: "   "})
	assert.ErrorIs(t, err, fiscal.ErrInputFormat)
}

func TestExpansionFallsBackOnModelFailure(t *testing.T) {
	agent := NewExpansionAgent(&fakeLLM{errs: []error{errors.New("model down")}})
	rec := trace.NewRecorder("c1")

	got, err := agent.Expand(context.Background(), rec, Product{Description: "PANTOPRAZOL 40MG C/28CP"})
	require.NoError(t, err)
	assert.Equal(t, "PANTOPRAZOL 40MG C/28CP", got.Expanded)
	assert.NotEmpty(t, got.Keywords)

	recs := rec.Records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
}

func TestNCMSpecialCaseChip(t *testing.T) {
	s := seedAgentStore(t)
	client := &fakeLLM{}
	agent := NewNCMAgent(client, s, 0.7)
	rec := trace.NewRecorder("c1")

	got, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Original: "CHIP TIM PRE PLANO NAKED 4G 30489", Expanded: "CHIP TIM PRE PLANO NAKED 4G 30489"},
		emptyContext())
	require.NoError(t, err)
	assert.Equal(t, "85235290", got.NCM)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)
	assert.Zero(t, client.calls)
}

func TestNCMModelAnswerValidated(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewNCMAgent(&fakeLLM{replies: []string{
		`{"ncm": "3004.90.90", "confidence": 0.88, "justification": "medicine in doses"}`,
	}}, s, 0.7)
	rec := trace.NewRecorder("c1")

	got, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Original: "PANTOPRAZOL 40MG", Expanded: "PANTOPRAZOL 40MG", Pharmaceutical: true},
		emptyContext())
	require.NoError(t, err)
	assert.Equal(t, "30049090", got.NCM)
	assert.InDelta(t, 0.88, got.Confidence, 1e-9)
	assert.Empty(t, got.Fallback)
}

func TestNCMBestMatchAttenuates(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewNCMAgent(&fakeLLM{replies: []string{
		`{"ncm": "30049099", "confidence": 0.8, "justification": "generic medicine"}`,
	}}, s, 0.7)
	rec := trace.NewRecorder("c1")

	got, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Original: "DIPIRONA 500MG", Expanded: "DIPIRONA 500MG", Pharmaceutical: true},
		emptyContext())
	require.NoError(t, err)
	// 30049099 is not in the catalog; the nearest ancestor is 300490.
	assert.Equal(t, "300490", got.NCM)
	assert.InDelta(t, 0.8*0.7, got.Confidence, 1e-9)
	assert.Equal(t, "best_match", got.Fallback)
}

func TestNCMTopExemplarFallback(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewNCMAgent(&fakeLLM{errs: []error{errors.New("model down")}}, s, 0.7)
	rec := trace.NewRecorder("c1")

	kctx := emptyContext()
	kctx.Exemplars = append(kctx.Exemplars, exemplar("OMEPRAZOL 20MG", "30049090", 0.9))

	got, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Original: "ESOMEPRAZOL 20MG", Expanded: "ESOMEPRAZOL 20MG"}, kctx)
	require.NoError(t, err)
	assert.Equal(t, "30049090", got.NCM)
	assert.Equal(t, "top_exemplar", got.Fallback)
	assert.InDelta(t, 0.9*0.7, got.Confidence, 1e-9)
}

func TestNCMPharmaDefaultLastResort(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewNCMAgent(&fakeLLM{errs: []error{errors.New("model down")}}, s, 0.7)
	rec := trace.NewRecorder("c1")

	got, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Original: "XAROPE ARTESANAL", Expanded: "XAROPE ARTESANAL", Pharmaceutical: true},
		emptyContext())
	require.NoError(t, err)
	assert.Equal(t, "30049099", got.NCM)
	assert.Equal(t, "pharma_default", got.Fallback)
	assert.InDelta(t, 0.3, got.Confidence, 1e-9)
}

func TestNCMNoFallbackAvailable(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewNCMAgent(&fakeLLM{errs: []error{errors.New("model down")}}, s, 0.7)
	rec := trace.NewRecorder("c1")

	_, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Original: "PARAFUSO SEXTAVADO", Expanded: "PARAFUSO SEXTAVADO"},
		emptyContext())
	assert.Error(t, err)
}

func TestCESTChipRule(t *testing.T) {
	s := seedAgentStore(t)
	client := &fakeLLM{}
	agent := NewCESTAgent(client, s)
	rec := trace.NewRecorder("c1")

	got, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Expanded: "CHIP TIM"}, NCMResult{NCM: "85235290", Confidence: 0.95})
	require.NoError(t, err)
	assert.Equal(t, "21.064.00", got.CEST)
	assert.True(t, got.HasCEST)
	assert.Zero(t, client.calls)
}

func TestCESTNoCandidates(t *testing.T) {
	s := seedAgentStore(t)
	_, err := s.IngestNCMHierarchy([]store.NCMEntry{{Code: "73181500", Description: "Parafusos"}})
	require.NoError(t, err)
	agent := NewCESTAgent(&fakeLLM{}, s)
	rec := trace.NewRecorder("c1")

	got, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Expanded: "PARAFUSO"}, NCMResult{NCM: "73181500", Confidence: 0.9})
	require.NoError(t, err)
	assert.False(t, got.HasCEST)
	assert.Empty(t, got.CEST)
}

func TestCESTModelChoiceValidated(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewCESTAgent(&fakeLLM{replies: []string{
		`{"cest": "13-002-00", "has_cest": true, "confidence": 0.85,
		  "justification": "generic medicine", "alternatives": ["13.001.00", "bogus"]}`,
	}}, s)
	rec := trace.NewRecorder("c1")

	got, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Expanded: "DIPIRONA GENERICO"}, NCMResult{NCM: "30049090", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, "13.002.00", got.CEST)
	assert.True(t, got.HasCEST)
	// Malformed alternative dropped, valid one normalized.
	assert.Equal(t, []string{"13.001.00"}, got.Alternatives)
}

func TestCESTViolationDowngrades(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewCESTAgent(&fakeLLM{replies: []string{
		`{"cest": "21.064.00", "has_cest": true, "confidence": 0.8, "justification": "sim card cest"}`,
	}}, s)
	rec := trace.NewRecorder("c1")

	got, err := agent.Assign(context.Background(), rec,
		ExpansionResult{Expanded: "PANTOPRAZOL 40MG"}, NCMResult{NCM: "30049090", Confidence: 0.9})
	require.NoError(t, err)
	assert.False(t, got.HasCEST)
	assert.Empty(t, got.CEST)
	assert.InDelta(t, 0.1, got.Confidence, 1e-9)
	assert.Contains(t, got.Justification, "21.064.00")
}

func TestReconcilerAcceptsValidPair(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewReconcilerAgent(s)
	rec := trace.NewRecorder("c1")

	got, err := agent.Reconcile(rec,
		NCMResult{NCM: "30049090", Confidence: 0.9, Justification: "medicine"},
		CESTResult{CEST: "13.001.00", HasCEST: true, Confidence: 0.85})
	require.NoError(t, err)
	assert.Equal(t, "13.001.00", got.CEST)
	assert.False(t, got.NeedsReview)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
}

func TestReconcilerRejectsCrossSegmentPair(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewReconcilerAgent(s)
	rec := trace.NewRecorder("c1")

	// Medicine NCM with a SIM-card CEST violates the segment overlay. The
	// reconciler repairs instead of failing, so the record still lands and
	// goes to human review.
	got, err := agent.Reconcile(rec,
		NCMResult{NCM: "30049090", Confidence: 0.9},
		CESTResult{CEST: "21.064.00", HasCEST: true, Confidence: 0.9})
	require.NoError(t, err)
	assert.True(t, got.NeedsReview)
	assert.InDelta(t, 0.3, got.Confidence, 1e-9)
	assert.NotEmpty(t, got.Audit)
	assert.Contains(t, got.Justification, "binding violation")
}

func TestReconcilerSwapsSingleSuggestion(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewReconcilerAgent(s)
	rec := trace.NewRecorder("c1")

	// The only CEST bound to 85235290 is 21.064.00, so the bogus medicine
	// CEST is replaced with it.
	got, err := agent.Reconcile(rec,
		NCMResult{NCM: "85235290", Confidence: 0.9},
		CESTResult{CEST: "13.001.00", HasCEST: true, Confidence: 0.8})
	require.NoError(t, err)
	assert.Equal(t, "21.064.00", got.CEST)
	assert.True(t, got.NeedsReview)
	assert.InDelta(t, 0.3, got.Confidence, 1e-9)
}

func TestReconcilerCountsSiblingExemplars(t *testing.T) {
	s := seedAgentStore(t)
	_, err := s.IngestExamples([]store.Example{
		{Description: "CHIP CLARO PRE 4G", NCM: "85235290", CEST: "21.064.00"},
		{Description: "CHIP VIVO CONTROLE", NCM: "85235290", CEST: "21.064.00"},
	})
	require.NoError(t, err)
	agent := NewReconcilerAgent(s)
	rec := trace.NewRecorder("c1")

	got, err := agent.Reconcile(rec,
		NCMResult{NCM: "85235290", Confidence: 0.9},
		CESTResult{CEST: "21.064.00", HasCEST: true, Confidence: 0.9})
	require.NoError(t, err)
	assert.Contains(t, got.Audit, "2 exemplars already carry 85235290/21.064.00")
}

func TestReconcilerNoCEST(t *testing.T) {
	s := seedAgentStore(t)
	agent := NewReconcilerAgent(s)
	rec := trace.NewRecorder("c1")

	got, err := agent.Reconcile(rec,
		NCMResult{NCM: "30049090", Confidence: 0.9},
		CESTResult{HasCEST: false, Confidence: 0.9})
	require.NoError(t, err)
	assert.Empty(t, got.CEST)
	assert.False(t, got.NeedsReview)
}
