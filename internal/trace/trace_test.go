package trace

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderBeginFinish(t *testing.T) {
	r := NewRecorder("class-1")
	finish := r.Begin("expansion", map[string]string{"description": "chip tim"})
	finish(map[string]any{"keywords": []string{"chip", "tim"}}, 120, nil)

	recs := r.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "expansion", recs[0].Agent)
	assert.Equal(t, "class-1", recs[0].ClassificationID)
	assert.True(t, recs[0].Success)
	assert.Equal(t, 120, recs[0].TokensUsed)
	assert.NotEmpty(t, recs[0].ID)
	assert.Contains(t, recs[0].InputJSON, "chip tim")
}

func TestRecorderCapturesError(t *testing.T) {
	r := NewRecorder("class-1")
	finish := r.Begin("ncm", nil)
	finish(nil, 0, errors.New("model unavailable"))

	recs := r.Records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, "model unavailable", recs[0].Error)
}

func TestConsultAttachesToLastRecord(t *testing.T) {
	r := NewRecorder("class-1")

	// Dropped when no record exists yet.
	r.Consult(Consultation{Query: "early"})
	assert.Empty(t, r.Records())

	finish := r.Begin("ncm", nil)
	finish(nil, 0, nil)
	r.Consult(Consultation{Query: "cest for 8523", Source: "ncm_cest_mapping", ResultCount: 3})

	recs := r.Records()
	require.Len(t, recs[0].Consultations, 1)
	assert.Equal(t, "cest for 8523", recs[0].Consultations[0].Query)
}

func TestMarshalPayloadDepthLimit(t *testing.T) {
	type node struct {
		Name  string `json:"name"`
		Child *node  `json:"child"`
	}
	deep := &node{Name: "l1"}
	cur := deep
	for i := 2; i <= 10; i++ {
		next := &node{Name: "l"}
		cur.Child = next
		cur = next
	}

	out := MarshalPayload(deep)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, out, "trace.node")
}

func TestMarshalPayloadByteSlices(t *testing.T) {
	out := MarshalPayload(map[string]any{"embedding": make([]byte, 1536)})

	// json.Marshal escapes angle brackets, so decode before asserting.
	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "<1536 bytes>", decoded["embedding"])
}
