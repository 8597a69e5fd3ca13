package pytree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenUnflattenSequence(t *testing.T) {
	value := []any{1, []any{2, 3}, 4}
	leaves, structure := Flatten(value)
	assert.Equal(t, []any{1, 2, 3, 4}, leaves)

	got := Unflatten(structure, leaves)
	assert.Equal(t, value, got)
}

func TestFlattenUnflattenMapSortedKeys(t *testing.T) {
	value := map[string]any{"b": 2, "a": 1}
	leaves, structure := Flatten(value)
	assert.Equal(t, []any{1, 2}, leaves) // "a" sorts before "b".

	got := Unflatten(structure, leaves)
	assert.Equal(t, value, got)
}

func TestCheckEqualDetectsMismatch(t *testing.T) {
	_, s1 := Flatten([]any{1, 2})
	_, s2 := Flatten([]any{1, []any{2}})
	err := CheckEqual(s1, s2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tree mismatch")
}

func TestCheckEqualMatchingStructures(t *testing.T) {
	_, s1 := Flatten(map[string]any{"x": 1, "y": []any{2, 3}})
	_, s2 := Flatten(map[string]any{"x": 5, "y": []any{6, 7}})
	assert.NoError(t, CheckEqual(s1, s2))
}
