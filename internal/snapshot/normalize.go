package snapshot

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

var invisibleReplacer = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\ufeff", "",
)

// Normalize canonicalizes editor content before diffing: zero-width
// characters and byte-order marks are removed, line endings become LF,
// the text is NFC-composed and non-empty text ends with a newline.
func Normalize(s string) string {
	s = invisibleReplacer.Replace(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = norm.NFC.String(s)
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
