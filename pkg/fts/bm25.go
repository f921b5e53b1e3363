package fts

import (
	"math"
	"sort"
)

// BM25 parameter defaults.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// ScoredDocument is one search hit.
type ScoredDocument struct {
	DocID        string   `json:"docId"`
	Score        float64  `json:"score"`
	MatchedTerms []string `json:"matchedTerms"`
}

// Scorer ranks documents of an InvertedIndex with BM25. K1 tunes term
// frequency saturation, B tunes document length normalization (B=0
// disables it entirely).
type Scorer struct {
	K1 float64
	B  float64
}

// NewScorer creates a Scorer with the default parameters.
func NewScorer() Scorer {
	return Scorer{K1: DefaultK1, B: DefaultB}
}

// idf uses the +1-inside-the-log variant so scores never go negative,
// even for terms present in more than half the corpus.
func (s Scorer) idf(docCount int, docFreq int) float64 {
	n := float64(docCount)
	df := float64(docFreq)
	return math.Log(1.0 + (n-df+0.5)/(df+0.5))
}

// Score ranks every document matching at least one query term. Duplicate
// query terms contribute once per occurrence, so repeating a term boosts
// it. Results are ordered by descending score with docID as tiebreak, and
// MatchedTerms carries each hit's distinct matched terms in query order.
func (s Scorer) Score(ix *InvertedIndex, queryTerms []string) []ScoredDocument {
	docCount := ix.DocumentCount()
	if docCount == 0 || len(queryTerms) == 0 {
		return nil
	}
	avgdl := ix.AverageDocLength()

	scores := make(map[string]float64)
	matched := make(map[string][]string)
	seen := make(map[string]map[string]struct{})

	for _, term := range queryTerms {
		docs := ix.Postings(term)
		if len(docs) == 0 {
			continue
		}
		idf := s.idf(docCount, len(docs))
		for id, tf := range docs {
			scores[id] += s.termScore(idf, tf, ix.DocLength(id), avgdl)
			terms := seen[id]
			if terms == nil {
				terms = make(map[string]struct{})
				seen[id] = terms
			}
			if _, dup := terms[term]; !dup {
				terms[term] = struct{}{}
				matched[id] = append(matched[id], term)
			}
		}
	}
	if len(scores) == 0 {
		return nil
	}

	out := make([]ScoredDocument, 0, len(scores))
	for id, score := range scores {
		out = append(out, ScoredDocument{DocID: id, Score: score, MatchedTerms: matched[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// ScoreTokens scores a single document given its token sequence, using
// the index only for the corpus statistics (document count, document
// frequencies, average length). Term frequencies and document length
// come from docTokens, so the document does not need to be indexed.
// Returns nil when no query term occurs in docTokens or the score is
// not positive. Cost is O(len(queryTerms) + len(docTokens)).
func (s Scorer) ScoreTokens(ix *InvertedIndex, docID string, queryTerms, docTokens []string) *ScoredDocument {
	if len(queryTerms) == 0 || len(docTokens) == 0 {
		return nil
	}
	docCount := ix.DocumentCount()
	avgdl := ix.AverageDocLength()
	dl := len(docTokens)

	counts := make(map[string]int, dl)
	for _, t := range docTokens {
		counts[t]++
	}

	var score float64
	var matchedTerms []string
	seen := make(map[string]struct{})

	for _, term := range queryTerms {
		tf, ok := counts[term]
		if !ok {
			continue
		}
		idf := s.idf(docCount, len(ix.Postings(term)))
		score += s.termScore(idf, tf, dl, avgdl)
		if _, dup := seen[term]; !dup {
			seen[term] = struct{}{}
			matchedTerms = append(matchedTerms, term)
		}
	}
	if len(matchedTerms) == 0 || score <= 0 {
		return nil
	}
	return &ScoredDocument{DocID: docID, Score: score, MatchedTerms: matchedTerms}
}

func (s Scorer) termScore(idf float64, tf int, docLen int, avgdl float64) float64 {
	f := float64(tf)
	norm := 1.0
	if avgdl > 0 {
		norm = 1.0 - s.B + s.B*(float64(docLen)/avgdl)
	}
	return idf * (f * (s.K1 + 1.0)) / (f + s.K1*norm)
}
