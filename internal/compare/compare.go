// Package compare decides whether a recognizer transcript matches the
// sentence the learner was asked to say.
package compare

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Compare reports whether hypothesis matches reference after normalization.
// An empty hypothesis never matches.
func Compare(reference, hypothesis string) bool {
	h := Normalize(hypothesis)
	if h == "" {
		return false
	}
	return Normalize(reference) == h
}

// Normalize folds width and case, drops apostrophes inside words and
// digit-group commas, turns every other punctuation or symbol into a word
// break and collapses whitespace.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	// A Caser is stateful, so each call builds its own.
	s = cases.Lower(language.English).String(s)

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r), unicode.Is(unicode.Mn, r):
			b.WriteRune(r)
		case isApostrophe(r) && between(runes, i):
		case r == ',' && betweenDigits(runes, i):
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isApostrophe(r rune) bool {
	switch r {
	case '\'', '’', 'ʼ':
		return true
	}
	return false
}

func between(runes []rune, i int) bool {
	return i > 0 && i < len(runes)-1 && unicode.IsLetter(runes[i-1]) && unicode.IsLetter(runes[i+1])
}

func betweenDigits(runes []rune, i int) bool {
	return i > 0 && i < len(runes)-1 && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1])
}
