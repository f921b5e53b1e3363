package fts

import (
	"sort"
	"sync"
	"time"

	"github.com/orneryd/hugindb/pkg/analysis"
	"github.com/orneryd/hugindb/pkg/cache"
	"github.com/orneryd/hugindb/pkg/pool"
	"github.com/orneryd/hugindb/pkg/record"
)

// Config controls a FullTextIndex. Start from DefaultConfig and
// override; a zero Config indexes nothing.
type Config struct {
	// Fields lists the record attributes to index, in the order their
	// tokens are concatenated into the combined document.
	Fields []string

	// Tokenizer analyzes both documents and queries. Index and query
	// sides must share it or stems will not line up. Nil selects the
	// default analyzer.
	Tokenizer *analysis.Tokenizer

	// K1 tunes term-frequency saturation. Zero or negative selects
	// DefaultK1.
	K1 float64

	// B tunes document-length normalization and is used verbatim:
	// zero disables length normalization. DefaultConfig sets DefaultB.
	B float64

	// QueryCacheSize bounds the memo of query string to query terms.
	// Zero disables the cache.
	QueryCacheSize int

	// QueryCacheTTL expires cached query tokenizations. Zero means no
	// expiry.
	QueryCacheTTL time.Duration
}

// DefaultConfig returns a Config with the standard analyzer and BM25
// parameters over the given fields.
func DefaultConfig(fields ...string) Config {
	return Config{
		Fields:         fields,
		Tokenizer:      analysis.NewTokenizer(analysis.DefaultConfig()),
		K1:             DefaultK1,
		B:              DefaultB,
		QueryCacheSize: 512,
	}
}

// SearchOptions shape a search call.
type SearchOptions struct {
	// Limit truncates the ranked result list. Zero or negative means
	// unlimited.
	Limit int `json:"limit,omitempty"`

	// MinScore drops hits scoring below it. Applied before Limit.
	MinScore float64 `json:"minScore,omitempty"`

	// Boost, when non-empty, switches to per-field scoring: each
	// listed field's BM25 score is multiplied by its weight and the
	// weighted scores are summed per document. Configured fields
	// absent from Boost weigh 1.0.
	Boost map[string]float64 `json:"boost,omitempty"`
}

// FullTextIndex maintains one combined inverted index plus one index
// per configured field, so queries can be answered field-agnostic or
// field-boosted. It is safe for concurrent use.
//
// Example:
//
//	idx := fts.NewFullTextIndex(fts.DefaultConfig("title", "body"))
//	idx.OnSet("doc-1", record.Record{
//		"title": record.String("Go concurrency patterns"),
//		"body":  record.String("Share memory by communicating."),
//	})
//	hits := idx.Search("concurrency", fts.SearchOptions{Limit: 10})
type FullTextIndex struct {
	mu          sync.RWMutex
	cfg         Config
	scorer      Scorer
	combined    *InvertedIndex
	perField    map[string]*InvertedIndex
	indexedDocs map[string]struct{}
	docTokens   map[string][]string
	queryCache  *cache.TokenCache
}

// NewFullTextIndex creates an empty index for cfg.
func NewFullTextIndex(cfg Config) *FullTextIndex {
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = analysis.NewTokenizer(analysis.DefaultConfig())
	}
	if cfg.K1 <= 0 {
		cfg.K1 = DefaultK1
	}
	if cfg.B < 0 {
		cfg.B = 0
	}
	if cfg.B > 1 {
		cfg.B = 1
	}
	f := &FullTextIndex{
		cfg:         cfg,
		scorer:      Scorer{K1: cfg.K1, B: cfg.B},
		combined:    NewInvertedIndex(),
		perField:    make(map[string]*InvertedIndex, len(cfg.Fields)),
		indexedDocs: make(map[string]struct{}),
		docTokens:   make(map[string][]string),
	}
	for _, field := range cfg.Fields {
		f.perField[field] = NewInvertedIndex()
	}
	if cfg.QueryCacheSize > 0 {
		f.queryCache = cache.NewTokenCache(cfg.QueryCacheSize, cfg.QueryCacheTTL)
	}
	return f
}

// Fields returns the configured field list.
func (f *FullTextIndex) Fields() []string {
	out := make([]string, len(f.cfg.Fields))
	copy(out, f.cfg.Fields)
	return out
}

// OnSet indexes doc under docID, replacing any previous indexing of the
// same id. Only string-valued configured fields contribute tokens; a
// document producing no tokens at all ends up unindexed.
func (f *FullTextIndex) OnSet(docID string, doc record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(docID)

	var combined []string
	for _, field := range f.cfg.Fields {
		text, ok := doc.Get(field).AsString()
		if !ok || text == "" {
			continue
		}
		tokens := f.cfg.Tokenizer.Tokenize(text)
		if len(tokens) == 0 {
			continue
		}
		// removeLocked above makes a duplicate impossible.
		_ = f.perField[field].AddDocument(docID, tokens)
		combined = append(combined, tokens...)
	}
	if len(combined) == 0 {
		return
	}
	_ = f.combined.AddDocument(docID, combined)
	f.indexedDocs[docID] = struct{}{}
	f.docTokens[docID] = combined
}

// OnRemove drops docID from every index. Unknown ids are a no-op.
func (f *FullTextIndex) OnRemove(docID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(docID)
}

func (f *FullTextIndex) removeLocked(docID string) {
	if _, ok := f.indexedDocs[docID]; !ok {
		return
	}
	f.combined.RemoveDocument(docID)
	for _, ix := range f.perField {
		ix.RemoveDocument(docID)
	}
	delete(f.indexedDocs, docID)
	delete(f.docTokens, docID)
}

// Contains reports whether docID is currently indexed.
func (f *FullTextIndex) Contains(docID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.indexedDocs[docID]
	return ok
}

// DocumentCount returns the number of indexed documents.
func (f *FullTextIndex) DocumentCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.combined.DocumentCount()
}

// TokenizeQuery analyzes query with the index's tokenizer. Subscription
// setup calls this once so stored query terms match the index exactly.
func (f *FullTextIndex) TokenizeQuery(query string) []string {
	if f.queryCache != nil {
		if terms, ok := f.queryCache.Get(query); ok {
			return terms
		}
	}
	terms := f.cfg.Tokenizer.Tokenize(query)
	if f.queryCache != nil {
		f.queryCache.Put(query, terms)
	}
	return terms
}

// Search tokenizes query and ranks matching documents. With a non-empty
// Boost it scores each configured field separately and sums the
// weighted field scores; otherwise it scores the combined index once.
// MinScore filtering runs before Limit slicing and order is preserved.
func (f *FullTextIndex) Search(query string, opts SearchOptions) []ScoredDocument {
	terms := f.TokenizeQuery(query)
	if len(terms) == 0 {
		return nil
	}

	f.mu.RLock()
	var hits []ScoredDocument
	if len(opts.Boost) > 0 {
		hits = f.searchBoostedLocked(terms, opts.Boost)
	} else {
		hits = f.scorer.Score(f.combined, terms)
	}
	f.mu.RUnlock()

	if opts.MinScore > 0 {
		kept := hits[:0]
		for _, h := range hits {
			if h.Score >= opts.MinScore {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits
}

func (f *FullTextIndex) searchBoostedLocked(terms []string, boost map[string]float64) []ScoredDocument {
	scores := make(map[string]float64)
	matched := make(map[string][]string)
	seen := make(map[string]map[string]struct{})

	for _, field := range f.cfg.Fields {
		weight := 1.0
		if w, ok := boost[field]; ok {
			weight = w
		}
		for _, hit := range f.scorer.Score(f.perField[field], terms) {
			scores[hit.DocID] += hit.Score * weight
			termSet := seen[hit.DocID]
			if termSet == nil {
				termSet = make(map[string]struct{})
				seen[hit.DocID] = termSet
			}
			for _, t := range hit.MatchedTerms {
				if _, dup := termSet[t]; !dup {
					termSet[t] = struct{}{}
					matched[hit.DocID] = append(matched[hit.DocID], t)
				}
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
	sortScored(out)
	return out
}

// ScoreSingleDocument scores one document against pre-tokenized query
// terms without scanning other posting lists. Tokens come from the
// document-token cache when the id is indexed, else from tokenizing doc
// on the fly. Returns nil when the document shares no terms with the
// query or scores zero or below.
func (f *FullTextIndex) ScoreSingleDocument(docID string, queryTerms []string, doc record.Record) *ScoredDocument {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if tokens, ok := f.docTokens[docID]; ok {
		return f.scorer.ScoreTokens(f.combined, docID, queryTerms, tokens)
	}
	if doc == nil {
		return nil
	}
	scratch := pool.GetTokens()
	for _, field := range f.cfg.Fields {
		text, ok := doc.Get(field).AsString()
		if !ok || text == "" {
			continue
		}
		scratch = append(scratch, f.cfg.Tokenizer.Tokenize(text)...)
	}
	scored := f.scorer.ScoreTokens(f.combined, docID, queryTerms, scratch)
	pool.PutTokens(scratch)
	return scored
}

// Clear resets every index and cache.
func (f *FullTextIndex) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.combined.Clear()
	for _, ix := range f.perField {
		ix.Clear()
	}
	f.indexedDocs = make(map[string]struct{})
	f.docTokens = make(map[string][]string)
	if f.queryCache != nil {
		f.queryCache.Purge()
	}
}

func sortScored(hits []ScoredDocument) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
}
