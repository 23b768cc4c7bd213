package overlay

import (
	"strconv"
	"strings"
	"sync"
)

// DefaultMeasureCacheSize bounds the measurement cache before it is reset
const DefaultMeasureCacheSize = 2000

// measureCache memoizes text widths per font size and string. Regions of one
// page share most of their vocabulary, so hit rates are high.
type measureCache struct {
	mu       sync.Mutex
	measurer Measurer
	limit    int
	widths   map[string]float64
}

func newMeasureCache(m Measurer, limit int) *measureCache {
	if limit <= 0 {
		limit = DefaultMeasureCacheSize
	}
	return &measureCache{measurer: m, limit: limit, widths: make(map[string]float64)}
}

func (c *measureCache) width(sizePx float64, text string) (float64, error) {
	key := strconv.FormatFloat(sizePx, 'f', -1, 64) + "|" + text

	c.mu.Lock()
	if w, ok := c.widths[key]; ok {
		c.mu.Unlock()
		return w, nil
	}
	c.mu.Unlock()

	w, err := c.measurer.MeasureText(sizePx, text)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if len(c.widths) >= c.limit {
		c.widths = make(map[string]float64)
	}
	c.widths[key] = w
	c.mu.Unlock()
	return w, nil
}

func (c *measureCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.widths)
}

// wrap breaks text into lines no wider than maxWidth. Words are packed
// greedily; a word that alone exceeds maxWidth is broken between runes.
// Explicit newlines always start a new line.
func (c *measureCache) wrap(text string, sizePx, maxWidth float64) ([]string, error) {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}

		line := ""
		for _, word := range words {
			candidate := word
			if line != "" {
				candidate = line + " " + word
			}
			w, err := c.width(sizePx, candidate)
			if err != nil {
				return nil, err
			}
			if w <= maxWidth {
				line = candidate
				continue
			}

			if line != "" {
				lines = append(lines, line)
				line = ""
			}
			ww, err := c.width(sizePx, word)
			if err != nil {
				return nil, err
			}
			if ww <= maxWidth {
				line = word
				continue
			}

			pieces, err := c.breakWord(word, sizePx, maxWidth)
			if err != nil {
				return nil, err
			}
			lines = append(lines, pieces[:len(pieces)-1]...)
			line = pieces[len(pieces)-1]
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// breakWord splits word between runes. Each piece holds at least one rune.
func (c *measureCache) breakWord(word string, sizePx, maxWidth float64) ([]string, error) {
	var pieces []string
	cur := ""
	for _, r := range word {
		candidate := cur + string(r)
		w, err := c.width(sizePx, candidate)
		if err != nil {
			return nil, err
		}
		if cur != "" && w > maxWidth {
			pieces = append(pieces, cur)
			cur = string(r)
			continue
		}
		cur = candidate
	}
	return append(pieces, cur), nil
}
