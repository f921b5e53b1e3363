// Package analysis turns raw text into the normalized term sequence the
// full-text index stores and scores.
//
// The pipeline is: lowercase (optional), split on runs of non-letter,
// non-digit runes, drop words shorter than MinLength, drop stopwords,
// stem, then drop stems outside [MinLength, MaxLength]. Stopword checks
// happen before stemming so "having" is dropped as itself, not as "have".
//
// Identical input always yields identical output; the tokenizer keeps no
// state between calls.
//
// Example:
//
//	tok := analysis.NewTokenizer(analysis.DefaultConfig())
//	tok.Tokenize("The quick-brown foxes!") // ["quick", "brown", "fox"]
package analysis

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Stemmer reduces a word to its stem. Implementations must be pure:
// same input, same output, no shared state.
type Stemmer interface {
	Stem(word string) string
}

// Config is the immutable tokenizer configuration.
type Config struct {
	Lowercase bool
	Stopwords map[string]struct{}
	Stemmer   Stemmer
	MinLength int
	MaxLength int
}

// DefaultConfig returns the standard English pipeline: lowercasing on,
// the 174-word English stopword list, the Porter stemmer, and length
// bounds [2, 40].
func DefaultConfig() Config {
	return Config{
		Lowercase: true,
		Stopwords: DefaultStopwords(),
		Stemmer:   PorterStemmer{},
		MinLength: 2,
		MaxLength: 40,
	}
}

// Tokenizer converts text into index terms.
type Tokenizer struct {
	cfg Config
}

// NewTokenizer builds a tokenizer from cfg. A nil Stemmer falls back to
// NoopStemmer; a nil stopword set means no stopword filtering.
func NewTokenizer(cfg Config) *Tokenizer {
	if cfg.Stemmer == nil {
		cfg.Stemmer = NoopStemmer{}
	}
	if cfg.MinLength < 1 {
		cfg.MinLength = 1
	}
	if cfg.MaxLength < cfg.MinLength {
		cfg.MaxLength = cfg.MinLength
	}
	return &Tokenizer{cfg: cfg}
}

// Config returns the tokenizer's configuration.
func (t *Tokenizer) Config() Config { return t.cfg }

// Tokenize splits text into normalized stems. Empty and whitespace-only
// input yields an empty sequence. The returned slice is freshly
// allocated on every call and is never retained by the tokenizer.
func (t *Tokenizer) Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	if t.cfg.Lowercase {
		text = strings.ToLower(text)
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil
	}
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if utf8.RuneCountInString(w) < t.cfg.MinLength {
			continue
		}
		if _, stop := t.cfg.Stopwords[w]; stop {
			continue
		}
		stem := t.cfg.Stemmer.Stem(w)
		n := utf8.RuneCountInString(stem)
		if n < t.cfg.MinLength || n > t.cfg.MaxLength {
			continue
		}
		terms = append(terms, stem)
	}
	return terms
}
