package utils

import (
	"regexp"
	"strings"
)

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// FormatResponse cleans up model output before sending: collapses runs of
// three or more newlines and trims surrounding whitespace.
func FormatResponse(s string) string {
	return strings.TrimSpace(excessNewlines.ReplaceAllString(s, "\n\n"))
}

// Truncate shortens s to max runes, appending "..." when cut.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// SplitMessage splits a message into chunks no longer than limit, packing
// whole sentences greedily. A sentence ends at '.', '!' or '?' followed by
// whitespace; the separating whitespace is consumed at each boundary.
// Sentences longer than the limit are hard-wrapped so no chunk ever exceeds
// it. A message at or under the limit is returned unchanged as one chunk.
func SplitMessage(message string, limit int) []string {
	if limit <= 0 || len(message) <= limit {
		return []string{message}
	}

	var chunks []string
	var current strings.Builder

	for _, sentence := range splitSentences(message) {
		for len(sentence) > limit {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, sentence[:limit])
			sentence = sentence[limit:]
		}
		if sentence == "" {
			continue
		}

		needed := len(sentence)
		if current.Len() > 0 {
			needed += current.Len() + 1 // joining space
		}
		if needed <= limit {
			if current.Len() > 0 {
				current.WriteByte(' ')
			}
			current.WriteString(sentence)
			continue
		}

		chunks = append(chunks, current.String())
		current.Reset()
		current.WriteString(sentence)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// splitSentences cuts text at sentence-ending punctuation followed by
// whitespace. The whitespace run is dropped; everything else is preserved.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	i := 0
	for i < len(text) {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\n' || text[j] == '\r') {
				j++
			}
			if j > i+1 {
				sentences = append(sentences, text[start:i+1])
				start = j
				i = j
				continue
			}
		}
		i++
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}
