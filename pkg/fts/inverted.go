// Package fts implements the BM25 full-text engine: an incrementally
// maintained inverted index, batch and single-document scoring, and the
// multi-field FullTextIndex façade used by the live search layer.
package fts

import (
	"errors"
	"fmt"
)

// Errors returned by index operations.
var (
	ErrDuplicateDoc    = errors.New("document already indexed")
	ErrCodecVersion    = errors.New("unsupported index snapshot version")
	ErrCorruptSnapshot = errors.New("corrupt index snapshot")
)

// InvertedIndex stores postings grouped by term plus per-document token
// counts. It is not safe for concurrent use; FullTextIndex provides the
// synchronization.
//
// Invariants, held after every mutation:
//   - a term's posting map is never empty and every tf is positive
//   - the sum of docLengths equals totalLength
//   - docOrder lists exactly the keys of docLengths, in insertion order
type InvertedIndex struct {
	postings    map[string]map[string]int
	docLengths  map[string]int
	docOrder    []string
	totalLength int
}

// NewInvertedIndex creates an empty index.
func NewInvertedIndex() *InvertedIndex {
	return &InvertedIndex{
		postings:   make(map[string]map[string]int),
		docLengths: make(map[string]int),
	}
}

// AddDocument indexes tokens under id. Re-adding an indexed id fails with
// ErrDuplicateDoc; callers must remove first.
func (ix *InvertedIndex) AddDocument(id string, tokens []string) error {
	if _, ok := ix.docLengths[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDoc, id)
	}
	for _, term := range tokens {
		docs := ix.postings[term]
		if docs == nil {
			docs = make(map[string]int)
			ix.postings[term] = docs
		}
		docs[id]++
	}
	ix.docLengths[id] = len(tokens)
	ix.docOrder = append(ix.docOrder, id)
	ix.totalLength += len(tokens)
	return nil
}

// RemoveDocument removes id from the index. Removing an absent id is a
// no-op. Terms whose last posting disappears are deleted outright.
func (ix *InvertedIndex) RemoveDocument(id string) {
	length, ok := ix.docLengths[id]
	if !ok {
		return
	}
	for term, docs := range ix.postings {
		if _, present := docs[id]; present {
			delete(docs, id)
			if len(docs) == 0 {
				delete(ix.postings, term)
			}
		}
	}
	delete(ix.docLengths, id)
	for i, d := range ix.docOrder {
		if d == id {
			ix.docOrder = append(ix.docOrder[:i], ix.docOrder[i+1:]...)
			break
		}
	}
	ix.totalLength -= length
}

// Postings returns the doc→tf map for term, or nil when the term is
// unknown. The returned map is the live posting list; callers must not
// mutate it.
func (ix *InvertedIndex) Postings(term string) map[string]int {
	return ix.postings[term]
}

// DocumentCount returns the number of indexed documents.
func (ix *InvertedIndex) DocumentCount() int { return len(ix.docLengths) }

// DocLength returns the token count recorded for id (0 when absent).
func (ix *InvertedIndex) DocLength(id string) int { return ix.docLengths[id] }

// AverageDocLength returns the mean token count across documents.
func (ix *InvertedIndex) AverageDocLength() float64 {
	if len(ix.docLengths) == 0 {
		return 0
	}
	return float64(ix.totalLength) / float64(len(ix.docLengths))
}

// TotalLength returns the summed token count of all documents.
func (ix *InvertedIndex) TotalLength() int { return ix.totalLength }

// TermCount returns the number of distinct terms.
func (ix *InvertedIndex) TermCount() int { return len(ix.postings) }

// DocumentIDs returns the indexed ids in insertion order.
func (ix *InvertedIndex) DocumentIDs() []string {
	out := make([]string, len(ix.docOrder))
	copy(out, ix.docOrder)
	return out
}

// Contains reports whether id is indexed.
func (ix *InvertedIndex) Contains(id string) bool {
	_, ok := ix.docLengths[id]
	return ok
}

// Clear resets the index to empty.
func (ix *InvertedIndex) Clear() {
	ix.postings = make(map[string]map[string]int)
	ix.docLengths = make(map[string]int)
	ix.docOrder = nil
	ix.totalLength = 0
}
