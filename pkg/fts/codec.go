package fts

import (
	"encoding/json"
	"fmt"

	"github.com/orneryd/hugindb/pkg/analysis"
)

// codecVersion tags serialized snapshots so incompatible layouts are
// rejected on load instead of misread.
const codecVersion = 1

// indexSnapshot is the persisted form of the combined index. Per-field
// indexes are not persisted; boosting after a load requires a rebuild
// from the source records.
type indexSnapshot struct {
	Version     int                       `json:"version"`
	K1          float64                   `json:"k1"`
	B           float64                   `json:"b"`
	Tokenizer   tokenizerMeta             `json:"tokenizer"`
	Fields      []string                  `json:"fields"`
	Postings    map[string]map[string]int `json:"postings"`
	DocOrder    []string                  `json:"docOrder"`
	DocLengths  map[string]int            `json:"docLengths"`
	TotalLength int                       `json:"totalLength"`
}

// tokenizerMeta records how the snapshot's terms were produced. Load
// does not apply it; a mismatch with the loading index's analyzer means
// queries will stem differently than the stored postings.
type tokenizerMeta struct {
	Lowercase bool   `json:"lowercase"`
	Stemmer   string `json:"stemmer"`
	MinLength int    `json:"minLength"`
	MaxLength int    `json:"maxLength"`
}

// Serialize encodes the combined index. The snapshot records the BM25
// parameters and field list for inspection; Load does not apply them.
func (f *FullTextIndex) Serialize() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tokCfg := f.cfg.Tokenizer.Config()
	snap := indexSnapshot{
		Version: codecVersion,
		K1:      f.scorer.K1,
		B:       f.scorer.B,
		Tokenizer: tokenizerMeta{
			Lowercase: tokCfg.Lowercase,
			Stemmer:   analysis.StemmerName(tokCfg.Stemmer),
			MinLength: tokCfg.MinLength,
			MaxLength: tokCfg.MaxLength,
		},
		Fields:      f.cfg.Fields,
		Postings:    f.combined.postings,
		DocOrder:    f.combined.docOrder,
		DocLengths:  f.combined.docLengths,
		TotalLength: f.combined.totalLength,
	}
	return json.Marshal(snap)
}

// Load replaces the combined index with a snapshot produced by
// Serialize. Per-field indexes are reset empty and the document-token
// and query caches are cleared, since neither is persisted.
func (f *FullTextIndex) Load(data []byte) error {
	var snap indexSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.Version != codecVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrCodecVersion, snap.Version, codecVersion)
	}
	if snap.Postings == nil {
		snap.Postings = make(map[string]map[string]int)
	}
	if snap.DocLengths == nil {
		snap.DocLengths = make(map[string]int)
	}
	if err := validateSnapshot(&snap); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.combined = &InvertedIndex{
		postings:    snap.Postings,
		docLengths:  snap.DocLengths,
		docOrder:    snap.DocOrder,
		totalLength: snap.TotalLength,
	}
	f.perField = make(map[string]*InvertedIndex, len(f.cfg.Fields))
	for _, field := range f.cfg.Fields {
		f.perField[field] = NewInvertedIndex()
	}
	f.indexedDocs = make(map[string]struct{}, len(snap.DocOrder))
	for _, id := range snap.DocOrder {
		f.indexedDocs[id] = struct{}{}
	}
	f.docTokens = make(map[string][]string)
	if f.queryCache != nil {
		f.queryCache.Purge()
	}
	return nil
}

func validateSnapshot(snap *indexSnapshot) error {
	if len(snap.DocOrder) != len(snap.DocLengths) {
		return fmt.Errorf("%w: docOrder lists %d ids, docLengths has %d",
			ErrCorruptSnapshot, len(snap.DocOrder), len(snap.DocLengths))
	}
	seen := make(map[string]struct{}, len(snap.DocOrder))
	total := 0
	for _, id := range snap.DocOrder {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate doc id %q in docOrder", ErrCorruptSnapshot, id)
		}
		seen[id] = struct{}{}
		length, ok := snap.DocLengths[id]
		if !ok {
			return fmt.Errorf("%w: doc id %q missing from docLengths", ErrCorruptSnapshot, id)
		}
		if length < 0 {
			return fmt.Errorf("%w: negative length for doc %q", ErrCorruptSnapshot, id)
		}
		total += length
	}
	if total != snap.TotalLength {
		return fmt.Errorf("%w: docLengths sum %d, totalLength %d",
			ErrCorruptSnapshot, total, snap.TotalLength)
	}
	for term, docs := range snap.Postings {
		if len(docs) == 0 {
			return fmt.Errorf("%w: term %q has no postings", ErrCorruptSnapshot, term)
		}
		for id, tf := range docs {
			if tf <= 0 {
				return fmt.Errorf("%w: term %q doc %q has tf %d", ErrCorruptSnapshot, term, id, tf)
			}
			if _, ok := snap.DocLengths[id]; !ok {
				return fmt.Errorf("%w: term %q references unknown doc %q", ErrCorruptSnapshot, term, id)
			}
		}
	}
	return nil
}
