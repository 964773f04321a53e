package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classifica/internal/product"
)

func TestAggregateDuplicateChips(t *testing.T) {
	agent := NewAggregationAgent(0.78)
	items := []product.Item{
		{ProductCode: "30489", Description: "CHIP TIM PRE PLANO NAKED 4G"},
		{ProductCode: "30489", Description: "CHIP TIM PRE NAKED 4G"},
		{ProductCode: "30489", Description: "CHIP TIM PRE PLANO NAKED"},
	}

	groups := agent.Aggregate(items)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Indices, 3)
	assert.Equal(t, TagDuplicates, groups[0].Tag)
	assert.Equal(t, "CHIP TIM PRE PLANO NAKED 4G", groups[0].Representative)
}

func TestAggregateKeepsDistinctProductsApart(t *testing.T) {
	agent := NewAggregationAgent(0.78)
	items := []product.Item{
		{Description: "GILLETTE PRESTOBARBA 3 UNIDADES"},
		{Description: "IMOBILIZADOR DE PULSO MORMAII"},
	}

	groups := agent.Aggregate(items)
	require.Len(t, groups, 2)
	assert.Equal(t, TagUnique, groups[0].Tag)
	assert.Equal(t, TagUnique, groups[1].Tag)
}

func TestAggregateMergesNearIdenticalSingletons(t *testing.T) {
	agent := NewAggregationAgent(0.78)
	items := []product.Item{
		{Description: "BISCOITO RECHEADO CHOCOLATE LACTA 140G"},
		{Description: "BISCOITO RECHEADO CHOCOLATE LACTA 140G NOVO"},
	}

	groups := agent.Aggregate(items)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Indices, 2)
	assert.Equal(t, TagUniqueLowConfidence, groups[0].Tag)
	assert.GreaterOrEqual(t, groups[0].Similarity, 0.78)
}

func TestAggregateSplitsIncompatibleCategories(t *testing.T) {
	agent := NewAggregationAgent(0.78)
	// Same barcode on a medicine and an electronics item: a dirty export.
	items := []product.Item{
		{Barcode: "789000", Description: "PANTOPRAZOL MEDICAMENTO GENERICO COMPRIMIDO", NCM: "30049090"},
		{Barcode: "789000", Description: "PANTOPRAZOL MEDICAMENTO GENERICO CHIP", NCM: "85235290"},
	}

	groups := agent.Aggregate(items)
	require.Len(t, groups, 2)
	for _, g := range groups {
		assert.Equal(t, TagHeterogeneousCorrect, g.Tag)
	}
}

func TestAggregateEmpty(t *testing.T) {
	agent := NewAggregationAgent(0.78)
	assert.Nil(t, agent.Aggregate(nil))
}
