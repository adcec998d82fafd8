package bot

import (
	"strings"
	"unicode/utf8"
)

// Chunk splits a reply into pieces of at most max bytes, never cutting
// a UTF-8 sequence. Splits prefer line breaks, then spaces, then fall
// back to the last rune boundary. The split separator itself is not
// carried into either chunk.
func Chunk(s string, max int) []string {
	if max <= 0 || len(s) <= max {
		if s == "" {
			return nil
		}
		return []string{s}
	}

	var chunks []string
	for len(s) > max {
		cut, skip := splitPoint(s, max)
		chunk := strings.TrimRight(s[:cut], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		s = s[cut+skip:]
	}
	if s = strings.TrimLeft(s, " \n"); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// splitPoint returns where to cut the next chunk and how many bytes of
// separator to drop after the cut.
func splitPoint(s string, max int) (cut, skip int) {
	window := s[:max+1]

	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i, 1
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return i, 1
	}

	// No natural break: cut at the last rune boundary at or below max.
	cut = max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return cut, 0
}
