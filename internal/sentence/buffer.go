// Package sentence segments a stream of LLM text fragments into units that are
// individually worth synthesising.
//
// A Buffer accumulates fragments and emits a Unit each time it sees a sentence
// boundary: terminal punctuation (optionally followed by closing quotes or
// brackets) that is followed by whitespace, or a newline. Punctuation at the
// very end of the buffered text is not treated as a boundary until more input
// arrives, because "3." may still become "3.5". Runs of text without any
// boundary are cut once they reach a rune cap.
//
// Concatenating the Raw field of every emitted Unit reproduces the input
// byte-for-byte.
package sentence

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxRunes is the default hard cap on unit length.
const DefaultMaxRunes = 200

// Unit is one synthesizable slice of model output.
type Unit struct {
	// Raw is the exact source text, including trailing whitespace.
	Raw string

	// Position is the zero-based index of the unit within the current response.
	Position int
}

// Text returns Raw with surrounding whitespace removed.
func (u Unit) Text() string {
	return strings.TrimSpace(u.Raw)
}

// Blank reports whether the unit carries no speakable text.
func (u Unit) Blank() bool {
	return u.Text() == ""
}

// Buffer accumulates text fragments and splits them into Units.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	maxRunes int
	residual string
	next     int
}

// Option is a functional option for Buffer.
type Option func(*Buffer)

// WithMaxRunes sets the hard cap on unit length. Values below 1 are ignored.
func WithMaxRunes(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxRunes = n
		}
	}
}

// NewBuffer returns an empty Buffer.
func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{maxRunes: DefaultMaxRunes}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Accumulate appends fragment to the residual and returns every unit that is
// now complete, in order. The returned slice is nil when no unit is ready.
func (b *Buffer) Accumulate(fragment string) []Unit {
	b.residual += fragment

	var units []Unit
	for {
		end := b.cut()
		if end <= 0 {
			return units
		}
		units = append(units, b.emit(end))
	}
}

// Flush emits whatever text remains as the final unit of the response.
// It returns false when the residual is empty.
func (b *Buffer) Flush() (Unit, bool) {
	if b.residual == "" {
		return Unit{}, false
	}
	return b.emit(len(b.residual)), true
}

// Reset discards the residual and restarts positions at zero.
func (b *Buffer) Reset() {
	b.residual = ""
	b.next = 0
}

// Pending returns the buffered text that has not been emitted yet.
func (b *Buffer) Pending() string {
	return b.residual
}

func (b *Buffer) emit(end int) Unit {
	u := Unit{Raw: b.residual[:end], Position: b.next}
	b.residual = b.residual[end:]
	b.next++
	return u
}

// cut returns the byte length of the next complete unit in the residual, or
// -1 if none is ready.
func (b *Buffer) cut() int {
	s := b.residual[:completePrefix(b.residual)]

	runes := 0
	capIdx := -1
	for i := 0; i < len(s); {
		if runes == b.maxRunes {
			capIdx = i
			break
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		runes++

		switch {
		case r == '\n':
			return i + size + spaceRun(s[i+size:])
		case isTerminal(r):
			j := i + size
			j += closerRun(s[j:])
			if j >= len(s) {
				// Trailing punctuation; wait for more input.
				return -1
			}
			// Full-width marks end a sentence without a following space.
			if ws, _ := utf8.DecodeRuneInString(s[j:]); unicode.IsSpace(ws) || isFullWidth(r) {
				return j + spaceRun(s[j:])
			}
		}
		i += size
	}
	if capIdx < 0 && runes == b.maxRunes {
		capIdx = len(s)
	}
	if capIdx < 0 {
		return -1
	}
	return hardCut(s, capIdx)
}

// hardCut splits s within its first capIdx bytes, after the last whitespace
// that follows some text. Without such whitespace it cuts at capIdx.
func hardCut(s string, capIdx int) int {
	head := s[:capIdx]
	trimmed := strings.TrimRightFunc(head, unicode.IsSpace)
	if trimmed == "" {
		return capIdx
	}
	if len(trimmed) < len(head) {
		return capIdx + spaceRun(s[capIdx:])
	}
	k := strings.LastIndexFunc(trimmed, unicode.IsSpace)
	if k <= 0 || strings.TrimSpace(trimmed[:k]) == "" {
		return capIdx
	}
	_, size := utf8.DecodeRuneInString(trimmed[k:])
	return k + size
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

func isFullWidth(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»', '」':
		return true
	}
	return false
}

func closerRun(s string) int {
	n := 0
	for n < len(s) {
		r, size := utf8.DecodeRuneInString(s[n:])
		if !isCloser(r) {
			break
		}
		n += size
	}
	return n
}

func spaceRun(s string) int {
	n := 0
	for n < len(s) {
		r, size := utf8.DecodeRuneInString(s[n:])
		if !unicode.IsSpace(r) {
			break
		}
		n += size
	}
	return n
}

// completePrefix returns the length of s without a trailing incomplete UTF-8
// sequence, so a rune split across fragments is never cut in half.
func completePrefix(s string) int {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			if !utf8.FullRuneInString(s[i:]) {
				return i
			}
			break
		}
	}
	return len(s)
}
