package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// IsLogographic reports whether r belongs to a script written without
// inter-word spaces (Han, Hiragana, Katakana).
func IsLogographic(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana)
}

// NormalizeLogographic removes whitespace runs that sit strictly between two
// logographic characters. All other whitespace is preserved:
//
//	"你 好 世 界" -> "你好世界"
//	"Hi 你好"     -> "Hi 你好"
func NormalizeLogographic(s string) string {
	if !strings.ContainsFunc(s, IsLogographic) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prev := rune(-1)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !unicode.IsSpace(r) {
			b.WriteString(s[i : i+size])
			prev = r
			i += size
			continue
		}
		// Measure the whitespace run and peek at the rune after it.
		j := i
		for j < len(s) {
			rr, sz := utf8.DecodeRuneInString(s[j:])
			if !unicode.IsSpace(rr) {
				break
			}
			j += sz
		}
		next := rune(-1)
		if j < len(s) {
			next, _ = utf8.DecodeRuneInString(s[j:])
		}
		if !(prev >= 0 && next >= 0 && IsLogographic(prev) && IsLogographic(next)) {
			b.WriteString(s[i:j])
		}
		i = j
	}
	return b.String()
}
