package analysis

// PorterStemmer implements the classical Porter stemming algorithm
// (M.F. Porter, 1980): steps 1a, 1b with the -at/-bl/-iz and
// double-consonant repairs, 1c, the 2/3/4 suffix tables, 5a, and 5b.
//
// A letter is a consonant when it is not a, e, i, o, u and not a y
// preceded by a consonant. The measure m counts vowel-to-consonant
// transitions in the [C](VC)^m[V] form of the stem.
//
// Words shorter than three letters and words containing anything other
// than a-z are returned unchanged. Stems are fixed points: stemming a
// stem returns it as is.
type PorterStemmer struct{}

// Stem reduces word to its Porter stem.
func (PorterStemmer) Stem(word string) string {
	if len(word) < 3 {
		return word
	}
	for i := 0; i < len(word); i++ {
		if word[i] < 'a' || word[i] > 'z' {
			return word
		}
	}
	w := porterWord{b: []byte(word)}
	w.step1a()
	w.step1b()
	w.step1c()
	w.step2()
	w.step3()
	w.step4()
	w.step5a()
	w.step5b()
	return string(w.b)
}

type porterWord struct {
	b []byte
}

// cons reports whether b[i] is a consonant. y counts as a vowel only
// when the preceding letter is a consonant.
func (w *porterWord) cons(i int) bool {
	switch w.b[i] {
	case 'a', 'e', 'i', 'o', 'u':
		return false
	case 'y':
		if i == 0 {
			return true
		}
		return !w.cons(i - 1)
	}
	return true
}

// m computes the measure of b[0..j].
func (w *porterWord) m(j int) int {
	n := 0
	i := 0
	for i <= j && w.cons(i) {
		i++
	}
	for i <= j {
		for i <= j && !w.cons(i) {
			i++
		}
		if i > j {
			break
		}
		n++
		for i <= j && w.cons(i) {
			i++
		}
	}
	return n
}

// hasVowel reports whether b[0..j] contains a vowel.
func (w *porterWord) hasVowel(j int) bool {
	for i := 0; i <= j; i++ {
		if !w.cons(i) {
			return true
		}
	}
	return false
}

// doubleEnd reports whether the word ends in a doubled consonant.
func (w *porterWord) doubleEnd() bool {
	n := len(w.b)
	return n >= 2 && w.b[n-1] == w.b[n-2] && w.cons(n-1)
}

// cvcEnd reports whether b[0..j] ends consonant-vowel-consonant where
// the final consonant is not w, x or y.
func (w *porterWord) cvcEnd(j int) bool {
	if j < 2 || !w.cons(j) || w.cons(j-1) || !w.cons(j-2) {
		return false
	}
	c := w.b[j]
	return c != 'w' && c != 'x' && c != 'y'
}

func (w *porterWord) hasSuffix(s string) bool {
	n := len(w.b)
	if len(s) > n {
		return false
	}
	return string(w.b[n-len(s):]) == s
}

// stemEnd returns the index of the last letter before suffix s.
func (w *porterWord) stemEnd(s string) int {
	return len(w.b) - len(s) - 1
}

func (w *porterWord) truncate(n int) {
	w.b = w.b[:len(w.b)-n]
}

func (w *porterWord) endsAny(letters ...byte) bool {
	last := w.b[len(w.b)-1]
	for _, l := range letters {
		if last == l {
			return true
		}
	}
	return false
}

// suffixRule rewrites suffix s1 to s2 when the measure of the stem
// before s1 exceeds minM.
type suffixRule struct {
	s1   string
	s2   string
	minM int
}

// applyRules finds the first matching suffix and rewrites it when its
// measure condition holds. Per the algorithm, once a suffix matches no
// further rule in the step is considered, even if the condition fails.
// Rules whose suffix contains another rule's suffix are listed first.
func (w *porterWord) applyRules(rules []suffixRule) {
	for _, r := range rules {
		if !w.hasSuffix(r.s1) {
			continue
		}
		if w.m(w.stemEnd(r.s1)) > r.minM {
			w.truncate(len(r.s1))
			w.b = append(w.b, r.s2...)
		}
		return
	}
}

func (w *porterWord) step1a() {
	switch {
	case w.hasSuffix("sses"):
		w.truncate(2) // sses -> ss
	case w.hasSuffix("ies"):
		w.truncate(2) // ies -> i
	case w.hasSuffix("ss"):
		// keep
	case w.hasSuffix("s"):
		w.truncate(1)
	}
}

func (w *porterWord) step1b() {
	switch {
	case w.hasSuffix("eed"):
		if w.m(w.stemEnd("eed")) > 0 {
			w.truncate(1) // eed -> ee
		}
	case w.hasSuffix("ed"):
		if w.hasVowel(w.stemEnd("ed")) {
			w.truncate(2)
			w.repair1b()
		}
	case w.hasSuffix("ing"):
		if w.hasVowel(w.stemEnd("ing")) {
			w.truncate(3)
			w.repair1b()
		}
	}
}

// repair1b runs after -ed/-ing removal: restore an e after -at/-bl/-iz,
// undouble a trailing consonant (except l, s, z), or add an e to a
// short (m == 1, cvc) stem.
func (w *porterWord) repair1b() {
	switch {
	case w.hasSuffix("at"), w.hasSuffix("bl"), w.hasSuffix("iz"):
		w.b = append(w.b, 'e')
	case w.doubleEnd() && !w.endsAny('l', 's', 'z'):
		w.truncate(1)
	case w.m(len(w.b)-1) == 1 && w.cvcEnd(len(w.b)-1):
		w.b = append(w.b, 'e')
	}
}

func (w *porterWord) step1c() {
	if w.hasSuffix("y") && w.hasVowel(w.stemEnd("y")) {
		w.b[len(w.b)-1] = 'i'
	}
}

var step2Rules = []suffixRule{
	{"ational", "ate", 0},
	{"tional", "tion", 0},
	{"enci", "ence", 0},
	{"anci", "ance", 0},
	{"izer", "ize", 0},
	{"abli", "able", 0},
	{"alli", "al", 0},
	{"entli", "ent", 0},
	{"eli", "e", 0},
	{"ousli", "ous", 0},
	{"ization", "ize", 0},
	{"ation", "ate", 0},
	{"ator", "ate", 0},
	{"alism", "al", 0},
	{"iveness", "ive", 0},
	{"fulness", "ful", 0},
	{"ousness", "ous", 0},
	{"aliti", "al", 0},
	{"iviti", "ive", 0},
	{"biliti", "ble", 0},
}

func (w *porterWord) step2() { w.applyRules(step2Rules) }

var step3Rules = []suffixRule{
	{"icate", "ic", 0},
	{"ative", "", 0},
	{"alize", "al", 0},
	{"iciti", "ic", 0},
	{"ical", "ic", 0},
	{"ful", "", 0},
	{"ness", "", 0},
}

func (w *porterWord) step3() { w.applyRules(step3Rules) }

var step4Rules = []suffixRule{
	{"al", "", 1},
	{"ance", "", 1},
	{"ence", "", 1},
	{"er", "", 1},
	{"ic", "", 1},
	{"able", "", 1},
	{"ible", "", 1},
	{"ant", "", 1},
	{"ement", "", 1},
	{"ment", "", 1},
	{"ent", "", 1},
	// ion handled separately: it also needs the stem to end in s or t.
	{"ou", "", 1},
	{"ism", "", 1},
	{"ate", "", 1},
	{"iti", "", 1},
	{"ous", "", 1},
	{"ive", "", 1},
	{"ize", "", 1},
}

func (w *porterWord) step4() {
	if w.hasSuffix("ion") {
		j := w.stemEnd("ion")
		if j >= 0 && (w.b[j] == 's' || w.b[j] == 't') && w.m(j) > 1 {
			w.truncate(3)
		}
		return
	}
	w.applyRules(step4Rules)
}

func (w *porterWord) step5a() {
	if !w.hasSuffix("e") {
		return
	}
	j := w.stemEnd("e")
	m := w.m(j)
	if m > 1 || (m == 1 && !w.cvcEnd(j)) {
		w.truncate(1)
	}
}

func (w *porterWord) step5b() {
	n := len(w.b)
	if n >= 2 && w.b[n-1] == 'l' && w.b[n-2] == 'l' && w.m(n-1) > 1 {
		w.truncate(1)
	}
}
