package fiscal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCEST(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{name: "canonical passes through", input: "13.001.00", want: "13.001.00", ok: true},
		{name: "bare seven digits", input: "1300100", want: "13.001.00", ok: true},
		{name: "eight digit vendor typo", input: "13001000", want: "13.001.00", ok: true},
		{name: "dashes as separators", input: "21-064-00", want: "21.064.00", ok: true},
		{name: "letters rejected", input: "abc.def.gh", ok: false},
		{name: "six digits rejected", input: "130010", ok: false},
		{name: "nine digits rejected", input: "130010001", ok: false},
		{name: "empty rejected", input: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeCEST(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNormalizeCESTIdempotent(t *testing.T) {
	inputs := []string{"13.001.00", "1300100", "13001000", "21.064.00", "2106400"}
	for _, in := range inputs {
		once, ok := NormalizeCEST(in)
		require.True(t, ok, in)
		twice, ok := NormalizeCEST(once)
		require.True(t, ok, once)
		assert.Equal(t, once, twice)
	}
}

func TestNormalizeNCM(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{input: "30049090", want: "30049090", ok: true},
		{input: "3004.90.90", want: "30049090", ok: true},
		{input: "3004", ok: false},
		{input: "300490901", ok: false},
		{input: "abcdefgh", ok: false},
	}

	for _, tt := range tests {
		got, ok := NormalizeNCM(tt.input)
		assert.Equal(t, tt.ok, ok, tt.input)
		if tt.ok {
			assert.Equal(t, tt.want, got)
			again, ok := NormalizeNCM(got)
			require.True(t, ok)
			assert.Equal(t, got, again)
		}
	}
}

func TestValidateNCMHierarchyFields(t *testing.T) {
	v := ValidateNCM("8523.52.90")
	require.True(t, v.Valid)
	assert.Equal(t, "85235290", v.Normalized)
	assert.Equal(t, "8523", v.Chapter)
	assert.Equal(t, "852352", v.Position)
}

func TestNCMAncestors(t *testing.T) {
	assert.Equal(t, []string{"3004909", "300490", "3004", "30"}, NCMAncestors("30049090"))
	assert.Equal(t, []string{"3004", "30"}, NCMAncestors("300490"))
}

// fakeCatalog serves a fixed binding table keyed by code.
type fakeCatalog map[string][]Binding

func (f fakeCatalog) BindingsFor(code string) ([]Binding, error) {
	return f[code], nil
}

func TestValidateBindingDirect(t *testing.T) {
	cat := fakeCatalog{
		"30049090": {{NCM: "30049090", CEST: "13.001.00", Relation: RelationDirect}},
	}
	res, err := ValidateBinding("30049090", "13001000", cat)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "13.001.00", res.CEST)
}

func TestValidateBindingInheritedFromAncestor(t *testing.T) {
	cat := fakeCatalog{
		"300490": {{NCM: "300490", CEST: "13.004.00", Relation: RelationDirect}},
	}
	res, err := ValidateBinding("30049090", "13.004.00", cat)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidateBindingChapterRequiresInherited(t *testing.T) {
	direct := fakeCatalog{
		"8523": {{NCM: "8523", CEST: "21.064.00", Relation: RelationDirect}},
	}
	_, err := ValidateBinding("85235290", "21.064.00", direct)
	assert.ErrorIs(t, err, ErrBindingViolation)

	inherited := fakeCatalog{
		"8523": {{NCM: "8523", CEST: "21.064.00", Relation: RelationInherited}},
	}
	res, err := ValidateBinding("85235290", "21.064.00", inherited)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidateBindingSuggestions(t *testing.T) {
	cat := fakeCatalog{
		"30049090": {
			{NCM: "30049090", CEST: "13.001.00", Relation: RelationDirect},
			{NCM: "30049090", CEST: "13.002.00", Relation: RelationDirect},
		},
		"3004": {
			{NCM: "3004", CEST: "13.004.00", Relation: RelationInherited},
		},
	}
	res, err := ValidateBinding("30049090", "13.009.99", cat)
	assert.ErrorIs(t, err, ErrBindingViolation)
	assert.Equal(t, []string{"13.001.00", "13.002.00", "13.004.00"}, res.Suggestions)
}

func TestOverlayMedicinesRejectForeignSegment(t *testing.T) {
	// Even with a catalog binding present, the overlay wins.
	cat := fakeCatalog{
		"30049090": {{NCM: "30049090", CEST: "21.064.00", Relation: RelationDirect}},
	}
	res, err := ValidateBinding("30049090", "21.064.00", cat)
	assert.ErrorIs(t, err, ErrBindingViolation)
	require.NotNil(t, res.OverlayRule)
	assert.Equal(t, "3004", res.OverlayRule.NCMPrefix)
}

func TestOverlayIceCreamExactCEST(t *testing.T) {
	_, violated := CheckOverlay("21050010", "21.064.00")
	assert.False(t, violated)

	rule, violated := CheckOverlay("21050010", "13.001.00")
	assert.True(t, violated)
	assert.Equal(t, "21.064.00", rule.RequiredCEST)
}

func TestValidateBindingBadInputs(t *testing.T) {
	cat := fakeCatalog{}
	_, err := ValidateBinding("3004", "13.001.00", cat)
	assert.True(t, errors.Is(err, ErrInputFormat))

	_, err = ValidateBinding("30049090", "1.2.3", cat)
	assert.True(t, errors.Is(err, ErrInputFormat))
}

func TestValidateCESTTruncationFlag(t *testing.T) {
	v := ValidateCEST("13001000")
	require.True(t, v.Valid)
	assert.True(t, v.Truncated)
	assert.Equal(t, "13.001.00", v.Normalized)

	v = ValidateCEST("1300100")
	require.True(t, v.Valid)
	assert.False(t, v.Truncated)
}
