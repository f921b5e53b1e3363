// Package fusion merges independently ranked result lists with
// Reciprocal Rank Fusion (RRF).
//
// RRF combines rankings without normalizing the underlying scores,
// which makes it safe for lists whose scores are not comparable, such
// as BM25 results computed against different corpora.
//
// Formula: RRF_score(doc) = Σ_lists 1 / (k + rank_in_list)
//
// Rank is 1-based; a list that does not contain the document
// contributes nothing. The constant k (default 60, from Cormack,
// Clarke & Buettcher 2009) damps the gap between neighboring ranks so
// that appearing in several lists beats a single top placement.
package fusion

import "sort"

// DefaultK is the standard RRF smoothing constant.
const DefaultK = 60

// RankedHit is one entry of an input list, already in descending score
// order. Source names the list's origin, typically a node id.
type RankedHit struct {
	DocID  string  `json:"docId"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// FusedHit is one entry of the fused output. Score is the RRF score,
// not any of the input scores. Sources lists the origins that ranked
// the document, in input list order.
type FusedHit struct {
	DocID   string   `json:"docId"`
	Score   float64  `json:"score"`
	Sources []string `json:"sources,omitempty"`
}

// Fuse merges the given ranked lists. k values of zero or below select
// DefaultK. Output is sorted by descending RRF score with the document
// id as tiebreak, so fusion is deterministic across nodes.
//
// Each input list is trusted to be rank-ordered already; if a document
// somehow appears twice in one list, its best (first) rank counts.
func Fuse(lists [][]RankedHit, k float64) []FusedHit {
	if k <= 0 {
		k = DefaultK
	}

	scores := make(map[string]float64)
	sources := make(map[string][]string)
	var order []string

	for _, list := range lists {
		seen := make(map[string]struct{}, len(list))
		for i, hit := range list {
			if _, dup := seen[hit.DocID]; dup {
				continue
			}
			seen[hit.DocID] = struct{}{}

			if _, known := scores[hit.DocID]; !known {
				order = append(order, hit.DocID)
			}
			scores[hit.DocID] += 1.0 / (k + float64(i+1))
			if hit.Source != "" {
				sources[hit.DocID] = append(sources[hit.DocID], hit.Source)
			}
		}
	}
	if len(order) == 0 {
		return nil
	}

	out := make([]FusedHit, 0, len(order))
	for _, id := range order {
		out = append(out, FusedHit{DocID: id, Score: scores[id], Sources: sources[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}
