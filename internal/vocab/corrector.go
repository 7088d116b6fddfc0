package vocab

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// minRunes is the shortest single word that is ever rewritten.
const minRunes = 3

// Correction records one rewrite applied to a transcript.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
	// Phonetic is true when the match was found via shared phonetic codes.
	Phonetic bool
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term that
// shares a phonetic code with the spoken words. Default: 0.70.
func WithPhoneticThreshold(v float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term without a
// shared phonetic code. Default: 0.85.
func WithFuzzyThreshold(v float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = v }
}

// WithLogger sets the logger used to report corrections at debug level.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Corrector) { c.log = l }
}

// Corrector rewrites words in a transcript that sound like a vocabulary term
// into the term's canonical spelling. It is read-only after construction and
// safe for concurrent use.
type Corrector struct {
	terms             []term
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
	log               *slog.Logger
}

// New returns a Corrector for terms. Blank terms are ignored.
func New(terms []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		log:               slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	for _, s := range terms {
		t, ok := newTerm(s)
		if !ok {
			continue
		}
		c.terms = append(c.terms, t)
		c.maxWords = max(c.maxWords, len(t.tokens))
	}
	return c
}

// Len returns the number of usable terms.
func (c *Corrector) Len() int { return len(c.terms) }

// Correct returns text with vocabulary corrections applied.
func (c *Corrector) Correct(text string) string {
	out, corrections := c.Apply(text)
	for _, cr := range corrections {
		c.log.Log(context.Background(), slog.LevelDebug, "vocab: corrected transcript",
			"original", cr.Original,
			"corrected", cr.Corrected,
			"confidence", cr.Confidence,
			"phonetic", cr.Phonetic,
		)
	}
	return out
}

// Apply returns the corrected text and every rewrite it made.
//
// At each word the longest window that matches a term wins. A term of k words
// is tried against windows of k+1 and k words; the wider window catches a
// term the recognizer split in two and is only considered when its first
// word already shares a phonetic code with the term's first word. Leading
// and trailing punctuation of a window is kept around the replacement.
func (c *Corrector) Apply(text string) (string, []Correction) {
	words := strings.Fields(text)
	if len(words) == 0 || len(c.terms) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(words); {
		n, cr, ok := c.matchAt(words, i)
		if !ok {
			out = append(out, words[i])
			i++
			continue
		}
		prefix, _, _ := splitPunct(words[i])
		_, _, suffix := splitPunct(words[i+n-1])
		out = append(out, prefix+cr.Corrected+suffix)
		if cr.Original != cr.Corrected {
			corrections = append(corrections, cr)
		}
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// matchAt finds the best term for the longest matching window starting at
// words[i]. It returns the number of words consumed.
func (c *Corrector) matchAt(words []string, i int) (int, Correction, bool) {
	for n := min(c.maxWords+1, len(words)-i); n >= 1; n-- {
		window := normalize(words[i : i+n])
		if len(window) != n {
			continue
		}
		if n == 1 && utf8.RuneCountInString(window[0]) < minRunes {
			continue
		}
		codes := codesFor(window)
		first := codesFor(window[:1])

		var (
			best     Correction
			found    bool
			phonetic bool
		)
		for _, t := range c.terms {
			k := len(t.tokens)
			if n != k && n != k+1 {
				continue
			}
			if n == k+1 && !overlap(first, t.first) {
				continue
			}
			score := similarity(window, t, n == k)
			if overlap(codes, t.codes) {
				if score >= c.phoneticThreshold && (!phonetic || score > best.Confidence) {
					best, found, phonetic = Correction{Corrected: t.text, Confidence: score, Phonetic: true}, true, true
				}
			} else if !phonetic && score >= c.fuzzyThreshold && score > best.Confidence {
				best, found = Correction{Corrected: t.text, Confidence: score}, true
			}
		}
		if found {
			best.Original = strings.Join(stripWindow(words[i:i+n]), " ")
			return n, best, true
		}
	}
	return 0, Correction{}, false
}

// normalize lower-cases the words of a window and trims their punctuation.
// Words that are pure punctuation are dropped.
func normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		_, core, _ := splitPunct(w)
		if core == "" {
			continue
		}
		out = append(out, strings.ToLower(core))
	}
	return out
}

// stripWindow returns the window with the outer punctuation removed, keeping
// the original casing.
func stripWindow(words []string) []string {
	out := append([]string(nil), words...)
	_, core, suffix := splitPunct(out[0])
	out[0] = core + suffix
	if len(out) == 1 {
		out[0] = core
		return out
	}
	prefix, core, _ := splitPunct(out[len(out)-1])
	out[len(out)-1] = prefix + core
	return out
}

// splitPunct splits w into leading punctuation, core and trailing
// punctuation.
func splitPunct(w string) (prefix, core, suffix string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(w, isWord)
	if start < 0 {
		return w, "", ""
	}
	end := strings.LastIndexFunc(w, isWord)
	_, size := utf8.DecodeRuneInString(w[end:])
	end += size
	return w[:start], w[start:end], w[end:]
}
