package views

import (
	"strings"
	"unicode/utf8"
)

// sanitizeForTerminal prepares untrusted message text for a tview cell:
// - C0/C1 control characters other than newline and tab are dropped, so
//   escape sequences in message content never reach the terminal
// - Skin tone modifiers (U+1F3FB..U+1F3FF) that create multi-codepoint emoji
// - Zero Width Joiner (U+200D) used in emoji sequences
// - Variation Selectors that modify preceding characters
// Invalid UTF-8 is replaced with U+FFFD.
func sanitizeForTerminal(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			b.WriteRune(utf8.RuneError)
		case !isProblematicRune(r):
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}

func isProblematicRune(r rune) bool {
	switch {
	case r == '\n' || r == '\t':
		return false
	case r < 0x20 || (r >= 0x7F && r <= 0x9F):
		return true
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	case r == 0x200D:
		return true
	case r >= 0xFE00 && r <= 0xFE0F:
		return true
	case r >= 0xE0100 && r <= 0xE01EF:
		return true
	default:
		return false
	}
}
