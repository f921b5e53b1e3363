package fts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInvertedIndex_AddDocument tests posting and length bookkeeping.
func TestInvertedIndex_AddDocument(t *testing.T) {
	ix := NewInvertedIndex()

	require.NoError(t, ix.AddDocument("d1", []string{"quick", "brown", "fox", "fox"}))
	require.NoError(t, ix.AddDocument("d2", []string{"lazy", "fox"}))

	assert.Equal(t, 2, ix.DocumentCount())
	assert.Equal(t, 4, ix.DocLength("d1"))
	assert.Equal(t, 2, ix.DocLength("d2"))
	assert.Equal(t, 6, ix.TotalLength())
	assert.InDelta(t, 3.0, ix.AverageDocLength(), 1e-12)

	// tf counts duplicates within a document
	assert.Equal(t, map[string]int{"d1": 2, "d2": 1}, ix.Postings("fox"))
	assert.Equal(t, map[string]int{"d1": 1}, ix.Postings("quick"))
	assert.Nil(t, ix.Postings("unknown"))
}

// TestInvertedIndex_DuplicateAdd tests the re-add guard.
func TestInvertedIndex_DuplicateAdd(t *testing.T) {
	ix := NewInvertedIndex()
	require.NoError(t, ix.AddDocument("d1", []string{"alpha"}))

	err := ix.AddDocument("d1", []string{"beta"})
	assert.ErrorIs(t, err, ErrDuplicateDoc)

	// Failed add must not disturb existing state.
	assert.Equal(t, 1, ix.DocumentCount())
	assert.Equal(t, map[string]int{"d1": 1}, ix.Postings("alpha"))
	assert.Nil(t, ix.Postings("beta"))
}

// TestInvertedIndex_RemoveDocument tests cleanup of emptied terms.
func TestInvertedIndex_RemoveDocument(t *testing.T) {
	ix := NewInvertedIndex()
	require.NoError(t, ix.AddDocument("d1", []string{"shared", "only1"}))
	require.NoError(t, ix.AddDocument("d2", []string{"shared", "only2"}))

	ix.RemoveDocument("d1")

	assert.Equal(t, 1, ix.DocumentCount())
	assert.Equal(t, 2, ix.TotalLength())
	assert.False(t, ix.Contains("d1"))

	// Terms with no remaining postings disappear entirely.
	assert.Nil(t, ix.Postings("only1"))
	assert.Equal(t, map[string]int{"d2": 1}, ix.Postings("shared"))

	// Removing an absent id is a no-op.
	ix.RemoveDocument("d1")
	ix.RemoveDocument("never-added")
	assert.Equal(t, 1, ix.DocumentCount())
	assert.Equal(t, 2, ix.TotalLength())
}

// TestInvertedIndex_InsertionOrder tests the docOrder iteration contract.
func TestInvertedIndex_InsertionOrder(t *testing.T) {
	ix := NewInvertedIndex()
	require.NoError(t, ix.AddDocument("a", []string{"x"}))
	require.NoError(t, ix.AddDocument("b", []string{"x"}))
	require.NoError(t, ix.AddDocument("c", []string{"x"}))

	assert.Equal(t, []string{"a", "b", "c"}, ix.DocumentIDs())

	ix.RemoveDocument("b")
	assert.Equal(t, []string{"a", "c"}, ix.DocumentIDs())

	// A re-added document goes to the back.
	require.NoError(t, ix.AddDocument("b", []string{"x"}))
	assert.Equal(t, []string{"a", "c", "b"}, ix.DocumentIDs())
}

// TestInvertedIndex_Clear tests the full reset.
func TestInvertedIndex_Clear(t *testing.T) {
	ix := NewInvertedIndex()
	require.NoError(t, ix.AddDocument("d1", []string{"alpha", "beta"}))

	ix.Clear()

	assert.Equal(t, 0, ix.DocumentCount())
	assert.Equal(t, 0, ix.TotalLength())
	assert.Equal(t, 0, ix.TermCount())
	assert.Empty(t, ix.DocumentIDs())
	assert.Equal(t, 0.0, ix.AverageDocLength())

	// Index remains usable after Clear.
	require.NoError(t, ix.AddDocument("d1", []string{"alpha"}))
	assert.Equal(t, 1, ix.DocumentCount())
}

// TestInvertedIndex_ZeroLengthDocument tests an empty token list.
func TestInvertedIndex_ZeroLengthDocument(t *testing.T) {
	ix := NewInvertedIndex()
	require.NoError(t, ix.AddDocument("empty", nil))

	assert.Equal(t, 1, ix.DocumentCount())
	assert.Equal(t, 0, ix.DocLength("empty"))
	assert.Equal(t, 0, ix.TotalLength())

	ix.RemoveDocument("empty")
	assert.Equal(t, 0, ix.DocumentCount())
}
