package coordinator

import (
	"github.com/orneryd/hugindb/pkg/fusion"
	"github.com/orneryd/hugindb/pkg/predicate"
	"github.com/orneryd/hugindb/pkg/search"
)

// mergeSearch fuses the per-node initial result lists with RRF and
// seeds the subscription's live result set. Callers hold c.mu.
//
// BM25 scores from different nodes are computed against different
// corpora and are never compared directly; only ranks are merged. The
// value and matched terms for each key come from the first node that
// reported it, in ACK arrival order. The reported total is the sum of
// the per-node totals, so it can exceed the merged length when nodes
// overlap.
func mergeSearch(sub *Subscription, rrfK float64) ([]search.Hit, int) {
	lists := make([][]fusion.RankedHit, 0, len(sub.pendingResults))
	first := make(map[string]ResultEntry)
	totalHits := 0

	for _, nr := range sub.pendingResults {
		totalHits += nr.totalHits
		list := make([]fusion.RankedHit, 0, len(nr.hits))
		for _, h := range nr.hits {
			list = append(list, fusion.RankedHit{DocID: h.Key, Score: h.Score, Source: nr.nodeID})
			if _, seen := first[h.Key]; !seen {
				first[h.Key] = ResultEntry{
					Key:          h.Key,
					Value:        h.Value,
					MatchedTerms: h.MatchedTerms,
					SourceNode:   nr.nodeID,
				}
			}
		}
		lists = append(lists, list)
	}

	fused := fusion.Fuse(lists, rrfK)
	if limit := sub.Options.Limit; limit > 0 && len(fused) > limit {
		fused = fused[:limit]
	}

	hits := make([]search.Hit, 0, len(fused))
	for _, f := range fused {
		entry := first[f.DocID]
		entry.Score = f.Score
		sub.currentResults[f.DocID] = entry
		hits = append(hits, search.Hit{
			Key:          f.DocID,
			Value:        entry.Value,
			Score:        f.Score,
			MatchedTerms: entry.MatchedTerms,
		})
	}
	return hits, totalHits
}

// mergeQuery deduplicates the per-node predicate results, first writer
// wins by key in ACK arrival order, and seeds the live result set.
// Callers hold c.mu.
func mergeQuery(sub *Subscription) []search.Hit {
	seen := make(map[string]struct{})
	var hits []search.Hit
	for _, nr := range sub.pendingResults {
		for _, h := range nr.hits {
			if _, dup := seen[h.Key]; dup {
				continue
			}
			seen[h.Key] = struct{}{}
			sub.currentResults[h.Key] = ResultEntry{
				Key:        h.Key,
				Value:      h.Value,
				SourceNode: nr.nodeID,
			}
			hits = append(hits, h)
		}
	}
	return hits
}

// entriesToHits adapts predicate results to the wire hit shape. Scores
// stay zero, predicate matches are not ranked.
func entriesToHits(entries []predicate.Entry) []search.Hit {
	if len(entries) == 0 {
		return nil
	}
	hits := make([]search.Hit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, search.Hit{Key: e.Key, Value: e.Record})
	}
	return hits
}
