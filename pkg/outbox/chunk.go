package outbox

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize is the safe outbound message size in runes, kept
// under Telegram's 4096-character sendMessage ceiling.
const DefaultChunkSize = 4000

// Chunk splits body into transport-sized pieces and guarantees the
// footer appears exactly once, in the final chunk. Splitting is
// paragraph-aware, falls back to line boundaries, and hard-slices a
// single oversized line as the last resort. Concatenating the returned
// chunks reproduces the body and footer without loss.
func Chunk(body, footer string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkSize
	}

	if body == "" {
		if footer == "" {
			return nil
		}
		return splitToSize(footer, limit)
	}

	chunks := splitToSize(body, limit)
	if footer == "" {
		return chunks
	}

	last := chunks[len(chunks)-1]
	if utf8.RuneCountInString(last)+2+utf8.RuneCountInString(footer) <= limit {
		chunks[len(chunks)-1] = last + "\n\n" + footer
		return chunks
	}
	// Footer does not fit alongside the final body chunk; give it a
	// chunk of its own so it is never dropped.
	return append(chunks, splitToSize(footer, limit)...)
}

// splitToSize splits s into chunks of at most limit runes, preferring
// paragraph boundaries, then line boundaries, then hard slices.
// Separators stay attached to the preceding piece so the chunks
// concatenate back to s exactly.
func splitToSize(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	emit := func(piece string) {
		n := utf8.RuneCountInString(piece)
		if curLen+n > limit {
			flush()
		}
		if n <= limit {
			cur.WriteString(piece)
			curLen += n
			return
		}
		// Single oversized piece: hard rune slicing.
		runes := []rune(piece)
		for len(runes) > 0 {
			take := limit
			if take > len(runes) {
				take = len(runes)
			}
			chunks = append(chunks, string(runes[:take]))
			runes = runes[take:]
		}
	}

	for _, para := range splitAfterSep(s, "\n\n") {
		if utf8.RuneCountInString(para) <= limit {
			emit(para)
			continue
		}
		for _, line := range splitAfterSep(para, "\n") {
			emit(line)
		}
	}
	flush()
	return chunks
}

// splitAfterSep splits s after each occurrence of sep, keeping the
// separator attached to the preceding piece.
func splitAfterSep(s, sep string) []string {
	parts := strings.SplitAfter(s, sep)
	// SplitAfter can produce a trailing empty piece when s ends in sep.
	if n := len(parts); n > 1 && parts[n-1] == "" {
		parts = parts[:n-1]
	}
	return parts
}
