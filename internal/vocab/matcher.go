// Package vocab corrects final transcripts against a list of custom
// vocabulary terms such as product names or jargon that speech recognition
// tends to misspell.
//
// Matching runs in two stages. Double Metaphone codes of the spoken words are
// compared with the codes of each term; terms sharing a code are candidates
// and are accepted when their Jaro-Winkler similarity reaches the phonetic
// threshold. Without a shared code a term is only accepted when the plain
// Jaro-Winkler similarity reaches the higher fuzzy threshold.
package vocab

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// term is a vocabulary entry with its phonetic codes computed once.
type term struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
	// first holds the codes of the first word only.
	first map[string]struct{}
}

func newTerm(s string) (term, bool) {
	text := strings.TrimSpace(s)
	if text == "" {
		return term{}, false
	}
	lower := strings.ToLower(text)
	tokens := strings.Fields(lower)
	return term{
		text:   text,
		lower:  lower,
		tokens: tokens,
		codes:  codesFor(tokens),
		first:  codesFor(tokens[:1]),
	}, true
}

// codesFor returns the union of the primary and alternate Double Metaphone
// codes of tokens. Empty codes are skipped.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity returns the best Jaro-Winkler score of window against t. The
// full strings and their space-stripped forms are always compared. When
// aligned is set the window has as many words as the term and the best
// word-by-word score is considered too.
func similarity(window []string, t term, aligned bool) float64 {
	full := strings.Join(window, " ")
	score := matchr.JaroWinkler(full, t.lower, false)
	if len(window) > 1 || len(t.tokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(window, ""), strings.Join(t.tokens, ""), false); s > score {
			score = s
		}
	}
	if !aligned {
		return score
	}
	for _, w := range window {
		for _, tt := range t.tokens {
			if s := matchr.JaroWinkler(w, tt, false); s > score {
				score = s
			}
		}
	}
	return score
}
