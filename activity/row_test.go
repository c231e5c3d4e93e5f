package activity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3tea/activity-sentinel/capturer"
)

func TestExtractRow(t *testing.T) {
	assert.Equal(t, map[string]any{}, ExtractRow(nil))

	obj := map[string]any{"id": "e1", "deleted_at": nil}
	assert.Equal(t, obj, ExtractRow(obj))

	cols := []capturer.Column{{Name: "id", Value: "e1"}, {Name: "name", Value: nil}}
	assert.Equal(t, map[string]any{"id": "e1", "name": nil}, ExtractRow(cols))

	legacy := []any{
		map[string]any{"name": "id", "value": "e1"},
		map[string]any{"value": "orphan"},
		"garbage",
	}
	assert.Equal(t, map[string]any{"id": "e1"}, ExtractRow(legacy))

	assert.Equal(t, map[string]any{}, ExtractRow(42))
}

func TestToCamel(t *testing.T) {
	for in, want := range map[string]string{
		"id":              "id",
		"organization_id": "organizationId",
		"created_by":      "createdBy",
		"a_b_c":           "aBC",
		"_internal":       "_internal",
		"__meta_data":     "__metaData",
		"trailing_":       "trailing",
		"alreadyCamel":    "alreadyCamel",
	} {
		assert.Equal(t, want, ToCamel(in), in)
	}
}

func TestToCamelKeysPreservesValues(t *testing.T) {
	row := map[string]any{
		"organization_id": "o1",
		"sync_meta":       map[string]any{"mutation_id": "m"},
		"deleted_at":      nil,
	}
	out := ToCamelKeys(row)

	require.Len(t, out, 3)
	assert.Equal(t, "o1", out["organizationId"])
	assert.Equal(t, map[string]any{"mutation_id": "m"}, out["syncMeta"])
	v, ok := out["deletedAt"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestDiffKeys(t *testing.T) {
	oldRow := map[string]any{"name": "old", "email": "a@b"}
	newRow := map[string]any{"name": "new", "email": "a@b"}
	assert.Equal(t, []string{"name"}, DiffKeys(oldRow, newRow, "modified_at"))

	assert.Equal(t, []string{}, DiffKeys(newRow, newRow, "modified_at"))

	touched := map[string]any{"name": "new", "email": "a@b", "modified_at": "2024-02-01"}
	before := map[string]any{"name": "new", "email": "a@b", "modified_at": "2024-01-01"}
	assert.Equal(t, []string{}, DiffKeys(before, touched, "modified_at"))

	assert.Nil(t, DiffKeys(map[string]any{}, newRow, "modified_at"))
	assert.Nil(t, DiffKeys(nil, newRow, "modified_at"))
}

func TestDiffKeysNestedAndCamelCased(t *testing.T) {
	oldRow := map[string]any{
		"display_name": "x",
		"settings":     map[string]any{"theme": "dark", "lang": "en"},
	}
	newRow := map[string]any{
		"display_name": "x",
		"settings":     map[string]any{"lang": "en", "theme": "light"},
		"new_column":   nil,
	}
	// a key missing from the old row compares against null
	assert.Equal(t, []string{"settings"}, DiffKeys(oldRow, newRow, ""))

	newRow["new_column"] = "set"
	assert.Equal(t, []string{"newColumn", "settings"}, DiffKeys(oldRow, newRow, ""))
}

func TestStringValueNumbers(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want string
	}{
		{json.Number("9007199254740993"), "9007199254740993"},
		{float64(1234567), "1234567"},
		{float64(1.5), "1.5"},
		{int64(42), "42"},
	} {
		got, ok := stringValue(tc.in)
		assert.True(t, ok, "%v", tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, ok := stringValue("")
	assert.False(t, ok)
}
