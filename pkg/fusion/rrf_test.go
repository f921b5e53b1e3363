package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFuse_PresenceInBothListsWins tests the core RRF property: rank 2
// in two lists beats rank 1 in a single list.
func TestFuse_PresenceInBothListsWins(t *testing.T) {
	nodeA := []RankedHit{
		{DocID: "solo", Score: 9.9, Source: "node-a"},
		{DocID: "both", Score: 5.0, Source: "node-a"},
	}
	nodeB := []RankedHit{
		{DocID: "other", Score: 7.0, Source: "node-b"},
		{DocID: "both", Score: 4.0, Source: "node-b"},
	}

	fused := Fuse([][]RankedHit{nodeA, nodeB}, DefaultK)
	require.Len(t, fused, 3)

	assert.Equal(t, "both", fused[0].DocID)
	assert.InDelta(t, 1.0/62+1.0/62, fused[0].Score, 1e-12)
	assert.Equal(t, []string{"node-a", "node-b"}, fused[0].Sources)

	// The singletons carry only their own list's contribution.
	for _, hit := range fused[1:] {
		assert.InDelta(t, 1.0/61, hit.Score, 1e-12)
	}
}

// TestFuse_ScoresAreRankBased tests that input scores never leak into
// the fused score.
func TestFuse_ScoresAreRankBased(t *testing.T) {
	huge := []RankedHit{{DocID: "a", Score: 1e9}}
	tiny := []RankedHit{{DocID: "b", Score: 1e-9}}

	fused := Fuse([][]RankedHit{huge, tiny}, DefaultK)
	require.Len(t, fused, 2)
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
}

// TestFuse_TieBreakByDocID tests deterministic ordering of equal RRF
// scores.
func TestFuse_TieBreakByDocID(t *testing.T) {
	fused := Fuse([][]RankedHit{
		{{DocID: "zeta"}},
		{{DocID: "alpha"}},
		{{DocID: "mike"}},
	}, DefaultK)

	require.Len(t, fused, 3)
	assert.Equal(t, "alpha", fused[0].DocID)
	assert.Equal(t, "mike", fused[1].DocID)
	assert.Equal(t, "zeta", fused[2].DocID)
}

// TestFuse_EmptyInputs tests nil and empty list handling.
func TestFuse_EmptyInputs(t *testing.T) {
	assert.Nil(t, Fuse(nil, DefaultK))
	assert.Nil(t, Fuse([][]RankedHit{}, DefaultK))
	assert.Nil(t, Fuse([][]RankedHit{{}, nil}, DefaultK))

	// An empty list alongside a populated one contributes nothing.
	fused := Fuse([][]RankedHit{{{DocID: "a"}}, {}}, DefaultK)
	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/61, fused[0].Score, 1e-12)
}

// TestFuse_KParameter tests the smoothing constant, including the
// default fallback.
func TestFuse_KParameter(t *testing.T) {
	list := [][]RankedHit{{{DocID: "a"}, {DocID: "b"}}}

	small := Fuse(list, 1)
	require.Len(t, small, 2)
	assert.InDelta(t, 1.0/2, small[0].Score, 1e-12)
	assert.InDelta(t, 1.0/3, small[1].Score, 1e-12)

	defaulted := Fuse(list, 0)
	assert.InDelta(t, 1.0/61, defaulted[0].Score, 1e-12)

	negative := Fuse(list, -5)
	assert.InDelta(t, 1.0/61, negative[0].Score, 1e-12)
}

// TestFuse_DuplicateWithinList tests that only the best rank counts
// when a list repeats a document.
func TestFuse_DuplicateWithinList(t *testing.T) {
	fused := Fuse([][]RankedHit{{
		{DocID: "a"},
		{DocID: "a"},
		{DocID: "b"},
	}}, DefaultK)

	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].DocID)
	assert.InDelta(t, 1.0/61, fused[0].Score, 1e-12)
	// b keeps its positional rank 3 even though a's duplicate was ignored.
	assert.InDelta(t, 1.0/63, fused[1].Score, 1e-12)
}

// TestFuse_ManyLists tests fusion across more than two lists.
func TestFuse_ManyLists(t *testing.T) {
	lists := [][]RankedHit{
		{{DocID: "x", Source: "n1"}, {DocID: "y", Source: "n1"}},
		{{DocID: "y", Source: "n2"}, {DocID: "x", Source: "n2"}},
		{{DocID: "x", Source: "n3"}},
	}

	fused := Fuse(lists, DefaultK)
	require.Len(t, fused, 2)
	assert.Equal(t, "x", fused[0].DocID)
	assert.InDelta(t, 1.0/61+1.0/62+1.0/61, fused[0].Score, 1e-12)
	assert.Equal(t, []string{"n1", "n2", "n3"}, fused[0].Sources)
	assert.InDelta(t, 1.0/62+1.0/61, fused[1].Score, 1e-12)
}
