// Package chunker splits document text into retrieval-sized pieces.
package chunker

import (
	"strings"
)

const (
	// Target token range per chunk. The packer stops adding material once a
	// chunk reaches the minimum and would overflow the maximum; only the last
	// chunk of a document may fall short.
	MinChunkTokens = 400
	MaxChunkTokens = 500
)

// Chunk is one contiguous piece of a document in source order.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
}

// EstimateTokens approximates the token count of a text. The heuristic
// (roughly four characters per token) intentionally overestimates for short
// strings so budget math stays conservative.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len([]rune(text))/4 + 1
}

// Split breaks text into chunks of MinChunkTokens..MaxChunkTokens, preferring
// paragraph boundaries, then sentence boundaries, and hard-splitting only
// when a single sentence exceeds the maximum. Splitting is deterministic:
// identical input yields identical chunks.
func Split(text string) []Chunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	units := splitUnits(text)
	if len(units) == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, len(units)/2+1)
	var b strings.Builder
	tokens := 0

	flush := func() {
		out := strings.TrimSpace(b.String())
		if out == "" {
			b.Reset()
			tokens = 0
			return
		}
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       out,
			TokenCount: EstimateTokens(out),
		})
		b.Reset()
		tokens = 0
	}

	for _, u := range units {
		ut := EstimateTokens(u)
		if tokens > 0 && tokens+ut > MaxChunkTokens {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(u)
		tokens += ut
		if tokens >= MinChunkTokens {
			flush()
		}
	}
	flush()

	return chunks
}

// splitUnits produces boundary-respecting pieces, each at most MaxChunkTokens:
// paragraphs first, oversized paragraphs broken into sentences, oversized
// sentences hard-split on rune count.
func splitUnits(text string) []string {
	out := make([]string, 0, 16)
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if EstimateTokens(para) <= MaxChunkTokens {
			out = append(out, para)
			continue
		}
		for _, sent := range splitSentences(para) {
			if EstimateTokens(sent) <= MaxChunkTokens {
				out = append(out, sent)
				continue
			}
			out = append(out, hardSplit(sent)...)
		}
	}
	return out
}

// splitSentences cuts on sentence-ending punctuation followed by whitespace.
// Abbreviation handling is deliberately not attempted; a rare bad cut only
// shifts a boundary, it never loses text.
func splitSentences(para string) []string {
	runes := []rune(para)
	out := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 < len(runes) && runes[i+1] != ' ' && runes[i+1] != '\n' && runes[i+1] != '\t' {
				continue
			}
			sent := strings.TrimSpace(string(runes[start : i+1]))
			if sent != "" {
				out = append(out, sent)
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		tail := strings.TrimSpace(string(runes[start:]))
		if tail != "" {
			out = append(out, tail)
		}
	}
	if len(out) == 0 {
		return []string{para}
	}
	return out
}

func hardSplit(text string) []string {
	// MaxChunkTokens back-converted to runes via the estimate heuristic.
	maxRunes := (MaxChunkTokens - 1) * 4
	runes := []rune(text)
	out := make([]string, 0, len(runes)/maxRunes+1)
	for start := 0; start < len(runes); start += maxRunes {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}
