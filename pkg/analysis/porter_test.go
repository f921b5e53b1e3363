package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPorterClassicVectors(t *testing.T) {
	vectors := map[string]string{
		// step 1a
		"caresses": "caress",
		"ponies":   "poni",
		"flies":    "fli",
		"dies":     "di",
		"cats":     "cat",
		"caress":   "caress",
		// step 1b and repairs
		"agreed":    "agree",
		"feed":      "feed",
		"plastered": "plaster",
		"motoring":  "motor",
		"sing":      "sing",
		"conflated": "conflat",
		"troubled":  "troubl",
		"sized":     "size",
		"hopping":   "hop",
		"falling":   "fall",
		"hissing":   "hiss",
		"fizzed":    "fizz",
		"failing":   "fail",
		"filing":    "file",
		// step 1c
		"happy": "happi",
		"sky":   "sky",
		// step 2
		"relational":  "relat",
		"conditional": "condit",
		"rational":    "ration",
		"valenci":     "valenc",
		"hesitanci":   "hesit",
		"digitizer":   "digit",
		"operator":    "oper",
		"feudalism":   "feudal",
		"sensitivity": "sensit",
		"sensibility": "sensibl",
		"formality":   "formal",
		"hopefulness": "hope",
		"callousness": "callous",
		// step 3
		"triplicate": "triplic",
		"formative":  "form",
		"formalize":  "formal",
		"electrical": "electr",
		"hopeful":    "hope",
		"goodness":   "good",
		// step 4
		"revival":     "reviv",
		"allowance":   "allow",
		"inference":   "infer",
		"airliner":    "airlin",
		"gyroscopic":  "gyroscop",
		"adjustable":  "adjust",
		"defensible":  "defens",
		"irritant":    "irrit",
		"replacement": "replac",
		"adjustment":  "adjust",
		"dependent":   "depend",
		"adoption":    "adopt",
		"communism":   "commun",
		"activate":    "activ",
		"angularity":  "angular",
		"homologous":  "homolog",
		"effective":   "effect",
		"bowdlerize":  "bowdler",
		// step 5
		"probate":  "probat",
		"rate":     "rate",
		"cease":    "ceas",
		"controll": "control",
		"roll":     "roll",
	}

	var p PorterStemmer
	for word, want := range vectors {
		assert.Equal(t, want, p.Stem(word), "stem(%q)", word)
	}
}

func TestPorterShortAndNonAlphaUnchanged(t *testing.T) {
	var p PorterStemmer
	assert.Equal(t, "at", p.Stem("at"))
	assert.Equal(t, "by", p.Stem("by"))
	assert.Equal(t, "a", p.Stem("a"))
	assert.Equal(t, "node42", p.Stem("node42"), "digits disable stemming")
	assert.Equal(t, "café", p.Stem("café"), "non-ascii disables stemming")
	assert.Equal(t, "Hello", p.Stem("Hello"), "uppercase disables stemming")
}

func TestPorterStemsAreFixedPoints(t *testing.T) {
	words := []string{
		"relational", "hopefulness", "motoring", "troubled", "dies",
		"sensibility", "triplicate", "adoption", "controll", "searching",
	}
	var p PorterStemmer
	for _, w := range words {
		once := p.Stem(w)
		assert.Equal(t, once, p.Stem(once), "re-stemming %q must not change %q", w, once)
	}
}

func BenchmarkPorterStem(b *testing.B) {
	var p PorterStemmer
	words := []string{"relational", "troubled", "adjustment", "gyroscopic", "formalize"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Stem(words[i%len(words)])
	}
}
