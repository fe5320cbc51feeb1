package context

import "unicode/utf8"

// TailTrimmer keeps only the last MaxChars characters of a string.
// Characters are runes, so a trim never splits a UTF-8 sequence.
type TailTrimmer struct {
	MaxChars int
}

// Trim drops exactly len(s)-MaxChars characters from the front of s.
// The cut is not line aware and may land in the middle of a turn.
func (t TailTrimmer) Trim(s string) string {
	if t.MaxChars <= 0 {
		return s
	}
	overflow := utf8.RuneCountInString(s) - t.MaxChars
	if overflow <= 0 {
		return s
	}
	i := 0
	for ; overflow > 0; overflow-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[i:]
}
