package inference

import "strings"

// CleanText removes non-speech annotations such as "[BLANK_AUDIO]",
// "(music)" or "*laughs*" and placeholder special tokens from transcript
// text, and collapses the whitespace left behind.
func CleanText(text string) string {
	s := stripEnclosed(text, '[', ']')
	s = stripEnclosed(s, '(', ')')
	s = stripEnclosed(s, '*', '*')
	s = stripEnclosed(s, '♪', '♪')
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	out := strings.Join(fields, " ")
	// Segment text keeps its leading space so segments concatenate.
	if strings.HasPrefix(text, " ") {
		out = " " + out
	}
	return out
}

func stripEnclosed(text string, open, close rune) string {
	var b strings.Builder
	rest := text
	for {
		start := strings.IndexRune(rest, open)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		inner := rest[start+len(string(open)):]
		end := strings.IndexRune(inner, close)
		if end < 0 {
			break // drop an unclosed annotation tail
		}
		rest = inner[end+len(string(close)):]
	}
	return b.String()
}
