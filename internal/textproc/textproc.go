// Package textproc holds the text helpers shared by the TextProcessor
// implementations: sentence splitting, passage trimming and keyword
// normalization.
package textproc

import (
	"slices"
	"strings"
	"unicode"
)

// Sentences splits text on terminal punctuation followed by whitespace.
// Decimal points and abbreviations such as "e.g." followed by a lowercase
// word do not end a sentence.
func Sentences(text string) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isCloser(runes[j]) {
			j++
		}
		if j < len(runes) && runes[j] != ' ' {
			continue
		}
		if j+1 < len(runes) && unicode.IsLower(runes[j+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start:j])); s != "" {
			out = append(out, s)
		}
		start = j
		i = j
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// Truncate keeps at most n sentences of text. n <= 0 keeps everything.
func Truncate(text string, n int) string {
	sentences := Sentences(text)
	if n > 0 && len(sentences) > n {
		sentences = sentences[:n]
	}
	return strings.Join(sentences, " ")
}

// NormalizeKeywords lower-cases, trims and de-duplicates keywords, keeping
// first-seen order. Surrounding quotes, bullets and numbering are removed.
func NormalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		kw = stripListMarker(kw)
		kw = strings.Trim(kw, "\"'`.;: ")
		kw = strings.Join(strings.Fields(kw), " ")
		if kw == "" || slices.Contains(out, kw) {
			continue
		}
		out = append(out, kw)
	}
	return out
}

// stripListMarker removes "- ", "* ", "• " and "1. " / "1) " prefixes.
func stripListMarker(s string) string {
	s = strings.TrimLeft(s, "-*• ")
	digits := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if digits > 0 && digits+1 < len(s) && (s[digits] == '.' || s[digits] == ')') && s[digits+1] == ' ' {
		s = s[digits+1:]
	}
	return strings.TrimSpace(s)
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == ']' || r == '”' || r == '’'
}
