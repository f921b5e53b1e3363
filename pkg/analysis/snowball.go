package analysis

import (
	"fmt"

	"github.com/kljensen/snowball"
)

// SnowballStemmer stems with the Snowball (Porter2) English stemmer.
// Porter2 stems differ from classical Porter for some words, so indexes
// built with one stemmer must be queried with the same one.
type SnowballStemmer struct{}

// Stem returns the Snowball English stem of word, or word itself when
// the library rejects the input.
func (SnowballStemmer) Stem(word string) string {
	stemmed, err := snowball.Stem(word, "english", false)
	if err != nil {
		return word
	}
	return stemmed
}

// NoopStemmer leaves words unchanged, for exact-term indexes.
type NoopStemmer struct{}

// Stem returns word unchanged.
func (NoopStemmer) Stem(word string) string { return word }

// StemmerByName resolves a configured stemmer name.
func StemmerByName(name string) (Stemmer, error) {
	switch name {
	case "", "porter":
		return PorterStemmer{}, nil
	case "snowball":
		return SnowballStemmer{}, nil
	case "none":
		return NoopStemmer{}, nil
	default:
		return nil, fmt.Errorf("unknown stemmer %q", name)
	}
}

// StemmerName is the inverse of StemmerByName, used when recording a
// tokenizer's setup in snapshot metadata.
func StemmerName(s Stemmer) string {
	switch s.(type) {
	case PorterStemmer:
		return "porter"
	case SnowballStemmer:
		return "snowball"
	case NoopStemmer:
		return "none"
	default:
		return "custom"
	}
}
