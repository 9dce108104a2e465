package outbox

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunk_ShortBodyWithFooter(t *testing.T) {
	chunks := Chunk("hello", "⚙ 100 tok (3%)", 100)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != "hello\n\n⚙ 100 tok (3%)" {
		t.Errorf("chunk: got %q", chunks[0])
	}
}

func TestChunk_EmptyBody(t *testing.T) {
	if chunks := Chunk("", "", 100); chunks != nil {
		t.Errorf("expected nil for empty body and footer, got %v", chunks)
	}
	chunks := Chunk("", "footer only", 100)
	if len(chunks) != 1 || chunks[0] != "footer only" {
		t.Errorf("footer-only: got %v", chunks)
	}
}

func TestChunk_PrefersParagraphBoundaries(t *testing.T) {
	a := strings.Repeat("a", 60)
	b := strings.Repeat("b", 60)
	chunks := Chunk(a+"\n\n"+b, "", 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != a+"\n\n" {
		t.Errorf("first chunk should end at paragraph break, got %q", chunks[0])
	}
	if chunks[1] != b {
		t.Errorf("second chunk: got %q", chunks[1])
	}
}

func TestChunk_FallsBackToLines(t *testing.T) {
	// One paragraph of three lines, none of which fit together.
	lines := []string{strings.Repeat("x", 60), strings.Repeat("y", 60), strings.Repeat("z", 60)}
	body := strings.Join(lines, "\n")
	chunks := Chunk(body, "", 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0] != lines[0]+"\n" {
		t.Errorf("first chunk: got %q", chunks[0])
	}
}

func TestChunk_HardSlicesOversizedLine(t *testing.T) {
	body := strings.Repeat("я", 250)
	chunks := Chunk(body, "", 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Errorf("chunk %d: %d runes exceeds limit", i, n)
		}
	}
}

func TestChunk_ConcatenationIsLossless(t *testing.T) {
	bodies := []string{
		"plain",
		strings.Repeat("long paragraph ", 50) + "\n\n" + strings.Repeat("second ", 40),
		strings.Repeat("line\n", 80),
		strings.Repeat("無間", 300),
	}
	for _, body := range bodies {
		chunks := Chunk(body, "", 100)
		if got := strings.Join(chunks, ""); got != body {
			t.Errorf("chunks do not concatenate back to the body (len %d vs %d)", len(got), len(body))
		}
	}
}

func TestChunk_FooterAlwaysInFinalChunk(t *testing.T) {
	footer := "⚙ 2048 tok (41%) · big-model"
	body := strings.Repeat("word ", 500)
	chunks := Chunk(body, footer, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		has := strings.Contains(c, footer)
		if i == len(chunks)-1 && !has {
			t.Error("footer missing from final chunk")
		}
		if i < len(chunks)-1 && has {
			t.Errorf("footer leaked into chunk %d", i)
		}
	}
}

func TestChunk_FooterTooBigForLastChunkGetsOwnChunk(t *testing.T) {
	body := strings.Repeat("a", 95)
	footer := strings.Repeat("f", 20)
	chunks := Chunk(body, footer, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected footer in its own chunk, got %d chunks", len(chunks))
	}
	if chunks[1] != footer {
		t.Errorf("final chunk: got %q, want footer", chunks[1])
	}
}

func TestChunk_ZeroLimitUsesDefault(t *testing.T) {
	body := strings.Repeat("a", DefaultChunkSize+10)
	chunks := Chunk(body, "", 0)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks at default limit, got %d", len(chunks))
	}
}
