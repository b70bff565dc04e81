package chunker

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("EstimateTokens(empty)=%d, want 0", got)
	}
	if got := EstimateTokens("abcd"); got != 2 {
		t.Fatalf("EstimateTokens(4 chars)=%d, want 2", got)
	}
	if got := EstimateTokens(strings.Repeat("x", 400)); got != 101 {
		t.Fatalf("EstimateTokens(400 chars)=%d, want 101", got)
	}
}

func TestSplit_EmptyAndWhitespace(t *testing.T) {
	t.Parallel()

	if got := Split(""); got != nil {
		t.Fatalf("Split(empty)=%v, want nil", got)
	}
	if got := Split("  \n\n\t "); got != nil {
		t.Fatalf("Split(whitespace)=%v, want nil", got)
	}
}

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	t.Parallel()

	chunks := Split("A short note.\n\nWith two paragraphs.")
	if len(chunks) != 1 {
		t.Fatalf("len(chunks)=%d, want 1", len(chunks))
	}
	if chunks[0].Index != 0 {
		t.Fatalf("Index=%d, want 0", chunks[0].Index)
	}
	if !strings.Contains(chunks[0].Text, "A short note.") || !strings.Contains(chunks[0].Text, "With two paragraphs.") {
		t.Fatalf("chunk text lost content: %q", chunks[0].Text)
	}
}

func TestSplit_RespectsParagraphBoundaries(t *testing.T) {
	t.Parallel()

	// Each paragraph is ~220 tokens, so two fit within the 400-500 target and
	// the split must land on the paragraph boundary, not mid-paragraph.
	para := strings.Repeat("word one two. ", 63)
	text := strings.Join([]string{para, para, para, para}, "\n\n")

	chunks := Split(text)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks)=%d, want >= 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunks[%d].Index=%d, want %d", i, c.Index, i)
		}
		if c.TokenCount > MaxChunkTokens {
			t.Fatalf("chunks[%d].TokenCount=%d, want <= %d", i, c.TokenCount, MaxChunkTokens)
		}
		if strings.HasSuffix(c.Text, "two") || strings.HasSuffix(c.Text, "one") {
			t.Fatalf("chunks[%d] ends mid-sentence: %q", i, c.Text[len(c.Text)-30:])
		}
	}
	for _, c := range chunks[:len(chunks)-1] {
		if c.TokenCount < MinChunkTokens {
			t.Fatalf("non-final chunk TokenCount=%d, want >= %d", c.TokenCount, MinChunkTokens)
		}
	}
}

func TestSplit_OversizedParagraphFallsBackToSentences(t *testing.T) {
	t.Parallel()

	// One paragraph far over the maximum, made of many sentences.
	text := strings.TrimSpace(strings.Repeat("This sentence carries roughly a dozen tokens of filler text for splitting. ", 120))

	chunks := Split(text)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks)=%d, want >= 2", len(chunks))
	}
	for i, c := range chunks {
		if c.TokenCount > MaxChunkTokens {
			t.Fatalf("chunks[%d].TokenCount=%d, want <= %d", i, c.TokenCount, MaxChunkTokens)
		}
		if !strings.HasSuffix(c.Text, ".") {
			t.Fatalf("chunks[%d] does not end on a sentence boundary: %q", i, c.Text[len(c.Text)-30:])
		}
	}
}

func TestSplit_HardSplitsUnbrokenText(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 12000)
	chunks := Split(text)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks)=%d, want >= 2", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if c.TokenCount > MaxChunkTokens {
			t.Fatalf("chunks[%d].TokenCount=%d, want <= %d", i, c.TokenCount, MaxChunkTokens)
		}
		total += len(c.Text)
	}
	if total != 12000 {
		t.Fatalf("total chars=%d, want 12000 (no text lost)", total)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("Stable input should give stable chunks. ", 200)
	a := Split(text)
	b := Split(text)
	if len(a) != len(b) {
		t.Fatalf("len mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunks[%d] differ between runs", i)
		}
	}
}
