/**
 * Region Clusterer
 *
 * Groups word-level OCR boxes into text regions (speech balloons, captions,
 * narration boxes). Two words join the same region when they are close on
 * both axes relative to the typical glyph height and share either a row or
 * a column, which keeps multi-line paragraphs together without bridging
 * separate balloons across empty artwork.
 */

package cluster

import (
	"math"
	"sort"
	"strings"
)

// RegionPadding is added on every side of a clustered region
const RegionPadding = 6

// CoordinateSpace tells the layout engine how region coordinates relate to the image
type CoordinateSpace string

const (
	// SpaceNatural is intrinsic image pixels
	SpaceNatural CoordinateSpace = "natural"
	// SpaceDisplay is on-screen pixels of the rendered image
	SpaceDisplay CoordinateSpace = "display"
)

// WordBox is a single OCR word in source-image pixels
type WordBox struct {
	Text   string `json:"text"`
	Left   int    `json:"left"`
	Top    int    `json:"top"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (w WordBox) right() int  { return w.Left + w.Width }
func (w WordBox) bottom() int { return w.Top + w.Height }

// Region is a merged text area
type Region struct {
	Left   int             `json:"left"`
	Top    int             `json:"top"`
	Width  int             `json:"width"`
	Height int             `json:"height"`
	Text   string          `json:"text"`
	Space  CoordinateSpace `json:"space"`
}

// Area returns width*height
func (r Region) Area() int { return r.Width * r.Height }

// Contains reports whether w lies fully inside r
func (r Region) Contains(w WordBox) bool {
	return w.Left >= r.Left && w.Top >= r.Top &&
		w.right() <= r.Left+r.Width && w.bottom() <= r.Top+r.Height
}

// Scaled returns a copy of r with coordinates multiplied by sx/sy
func (r Region) Scaled(sx, sy float64) Region {
	out := r
	out.Left = int(math.Round(float64(r.Left) * sx))
	out.Top = int(math.Round(float64(r.Top) * sy))
	out.Width = int(math.Max(1, math.Round(float64(r.Width)*sx)))
	out.Height = int(math.Max(1, math.Round(float64(r.Height)*sy)))
	return out
}

// Cluster groups word boxes into regions. The result is sorted by top, then
// left, then text, so the same set of words always yields the same regions.
func Cluster(words []WordBox) []Region {
	boxes := usable(words)
	if len(boxes) == 0 {
		return nil
	}

	// A canonical order makes BFS component discovery independent of input order
	sort.SliceStable(boxes, func(i, j int) bool { return lessWord(boxes[i], boxes[j]) })

	median := medianHeight(boxes)
	gapX := math.Max(8, median*1.0)
	gapY := math.Max(8, median*1.2)

	n := len(boxes)
	adj := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if neighbors(boxes[i], boxes[j], gapX, gapY) {
				adj[i] = append(adj[i], j)
				adj[j] = append(adj[j], i)
			}
		}
	}

	seen := make([]bool, n)
	regions := make([]Region, 0)
	for start := 0; start < n; start++ {
		if seen[start] {
			continue
		}
		seen[start] = true
		queue := []int{start}
		members := make([]WordBox, 0, 4)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			members = append(members, boxes[cur])
			for _, next := range adj[cur] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		regions = append(regions, buildRegion(members))
	}

	sort.SliceStable(regions, func(i, j int) bool {
		a, b := regions[i], regions[j]
		if a.Top != b.Top {
			return a.Top < b.Top
		}
		if a.Left != b.Left {
			return a.Left < b.Left
		}
		return a.Text < b.Text
	})
	return regions
}

// neighbors implements the anisotropic gap test. Each axis limit is the
// global gap capped by a fraction of the pair's own size.
func neighbors(a, b WordBox, gapX, gapY float64) bool {
	maxW := float64(max(a.Width, b.Width))
	maxH := float64(max(a.Height, b.Height))

	dx := axisGap(a.Left, a.right(), b.Left, b.right())
	dy := axisGap(a.Top, a.bottom(), b.Top, b.bottom())

	xLimit := math.Min(gapX, maxW*0.6)
	yLimit := math.Min(gapY, maxH*0.5)
	if dx > xLimit || dy > yLimit {
		return false
	}

	acx := float64(a.Left) + float64(a.Width)/2
	bcx := float64(b.Left) + float64(b.Width)/2
	acy := float64(a.Top) + float64(a.Height)/2
	bcy := float64(b.Top) + float64(b.Height)/2

	sameRow := math.Abs(acy-bcy) <= maxH*0.8
	sameCol := math.Abs(acx-bcx) <= maxW*0.8
	return sameRow || sameCol
}

// axisGap is the empty distance between two intervals, zero when they overlap
func axisGap(a0, a1, b0, b1 int) float64 {
	if a1 < b0 {
		return float64(b0 - a1)
	}
	if b1 < a0 {
		return float64(a0 - b1)
	}
	return 0
}

func buildRegion(members []WordBox) Region {
	sort.SliceStable(members, func(i, j int) bool { return lessWord(members[i], members[j]) })

	minX, minY := members[0].Left, members[0].Top
	maxX, maxY := members[0].right(), members[0].bottom()
	texts := make([]string, 0, len(members))
	for _, m := range members {
		minX = min(minX, m.Left)
		minY = min(minY, m.Top)
		maxX = max(maxX, m.right())
		maxY = max(maxY, m.bottom())
		texts = append(texts, strings.TrimSpace(m.Text))
	}

	left := max(0, minX-RegionPadding)
	top := max(0, minY-RegionPadding)
	return Region{
		Left:   left,
		Top:    top,
		Width:  maxX + RegionPadding - left,
		Height: maxY + RegionPadding - top,
		Text:   strings.Join(texts, " "),
		Space:  SpaceNatural,
	}
}

// usable drops blank and degenerate boxes without touching the caller's slice
func usable(words []WordBox) []WordBox {
	out := make([]WordBox, 0, len(words))
	for _, w := range words {
		if w.Width <= 0 || w.Height <= 0 || strings.TrimSpace(w.Text) == "" {
			continue
		}
		out = append(out, w)
	}
	return out
}

func lessWord(a, b WordBox) bool {
	if a.Top != b.Top {
		return a.Top < b.Top
	}
	if a.Left != b.Left {
		return a.Left < b.Left
	}
	if a.Width != b.Width {
		return a.Width < b.Width
	}
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	return a.Text < b.Text
}

func medianHeight(boxes []WordBox) float64 {
	hs := make([]int, len(boxes))
	for i, b := range boxes {
		hs[i] = b.Height
	}
	sort.Ints(hs)
	mid := len(hs) / 2
	if len(hs)%2 == 1 {
		return float64(hs[mid])
	}
	return float64(hs[mid-1]+hs[mid]) / 2
}
