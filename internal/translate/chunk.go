package translate

import (
	"regexp"
	"strings"
)

const (
	// Delimiter separates segments inside one provider request
	Delimiter = "\n<sb>\n"
	// MaxSegment is the longest segment sent whole, in runes
	MaxSegment = 800
	// MaxPerCall is the rune budget of one joined chunk
	MaxPerCall = 1800

	splitLookahead = 100
	minCutRatio    = 0.6
)

var (
	delimiterSplit = regexp.MustCompile(`\s*<sb>\s*`)
	sentenceEnd    = regexp.MustCompile(`[。！？!?.\n\r]`)
)

// piece is one provider-sized unit of text and the input slot it belongs to
type piece struct {
	text  string
	index int
}

// Chunk is one delimiter-joined provider request
type Chunk struct {
	Text   string
	Pieces []int // indices into the piece list, in order
}

// splitLongSegment cuts s into parts of at most limit+lookahead runes, preferring
// a newline, then a sentence terminator, past 60% of the limit.
func splitLongSegment(s string, limit int) []string {
	var out []string
	rest := []rune(s)
	minCut := int(float64(limit) * minCutRatio)

	for len(rest) > limit {
		window := rest[:min(len(rest), limit+splitLookahead)]
		ws := string(window)

		cut := -1
		if nl := strings.LastIndex(ws, "\n"); nl >= 0 {
			cut = len([]rune(ws[:nl]))
		}
		if cut < minCut {
			found := -1
			for _, loc := range sentenceEnd.FindAllStringIndex(ws, -1) {
				at := len([]rune(ws[:loc[0]]))
				if at >= minCut {
					found = len([]rune(ws[:loc[1]]))
				}
			}
			if found > 0 {
				cut = found
			}
		}
		if cut < minCut {
			cut = limit
		}

		if part := strings.TrimSpace(string(rest[:cut])); part != "" {
			out = append(out, part)
		}
		rest = []rune(strings.TrimSpace(string(rest[cut:])))
	}
	if len(rest) > 0 {
		out = append(out, string(rest))
	}
	return out
}

// Pack greedily groups piece texts into chunks whose joined rune length stays
// within budget. Pieces are never split, so a single oversize piece forms its
// own chunk.
func Pack(texts []string, budget int) []Chunk {
	var chunks []Chunk
	var sb strings.Builder
	var idx []int
	size := 0
	delimLen := len([]rune(Delimiter))

	flush := func() {
		if len(idx) > 0 {
			chunks = append(chunks, Chunk{Text: sb.String(), Pieces: idx})
		}
		sb.Reset()
		idx = nil
		size = 0
	}

	for i, t := range texts {
		n := len([]rune(t))
		if len(idx) > 0 && size+delimLen+n > budget {
			flush()
		}
		if len(idx) > 0 {
			sb.WriteString(Delimiter)
			size += delimLen
		}
		sb.WriteString(t)
		size += n
		idx = append(idx, i)
	}
	flush()
	return chunks
}

// SplitTranslated breaks a provider response back into segments
func SplitTranslated(text string) []string {
	parts := delimiterSplit.Split(text, -1)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// align maps provider output onto the chunk's source pieces. Missing or blank
// outputs fall back to the source piece and extra outputs are dropped.
func align(parts []string, sources []string) []string {
	out := make([]string, len(sources))
	for i, src := range sources {
		if i < len(parts) && parts[i] != "" {
			out[i] = parts[i]
			continue
		}
		out[i] = src
	}
	return out
}

func allBlank(parts []string) bool {
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}
