package cluster

import (
	"image"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	// MinArea drops regions too small to hold readable text
	MinArea = 400
	// MaxBoxes bounds how many regions per image are translated
	MaxBoxes = 12

	sampleSize = 48
)

// DefaultNoisePattern matches credit lines and chapter headers common on scans.
// It drops whole regions before translation and leaves URLs and watermarks
// to translate.DefaultNoisePattern, which runs on the segments sent to a provider.
var DefaultNoisePattern = regexp.MustCompile(`(?i)(chapter|episode|creative|chief|producer|executive|mount\s*heng|责编|出品|制作|监制|章|话|卷|广告)`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// FilterOptions controls Filter
type FilterOptions struct {
	SkipNoiseFilter bool
	Noise           *regexp.Regexp // nil means DefaultNoisePattern
}

// ScoredRegion pairs a region with its ranking score
type ScoredRegion struct {
	Region
	Score float64
}

// IsCJK reports whether r belongs to a Han, Hiragana, Katakana or Hangul script
func IsCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// CollapseCJKSpaces removes single spaces OCR inserts between CJK characters
func CollapseCJKSpaces(s string) string {
	rs := []rune(s)
	var sb strings.Builder
	sb.Grow(len(s))
	for i, r := range rs {
		if r == ' ' && i > 0 && i < len(rs)-1 && IsCJK(rs[i-1]) && IsCJK(rs[i+1]) {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.TrimSpace(sb.String())
}

// NormalizeText collapses whitespace runs and CJK spacing
func NormalizeText(s string) string {
	return CollapseCJKSpaces(strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " ")))
}

// Filter normalizes region text and drops blank regions. Unless the noise
// filter is skipped it also drops credit/noise text and tiny regions.
func Filter(regions []Region, opts FilterOptions) []Region {
	noise := opts.Noise
	if noise == nil {
		noise = DefaultNoisePattern
	}

	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		r.Text = NormalizeText(r.Text)
		if r.Text == "" {
			continue
		}
		if !opts.SkipNoiseFilter {
			if noise.MatchString(r.Text) || r.Area() < MinArea {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// Score ranks regions by how much they look like balloon text: dense glyphs on
// a bright, flat background. img is sampled at region coordinates multiplied
// by scale (image pixels per region pixel). A nil image scores on density only.
func Score(img image.Image, regions []Region, scale float64) []ScoredRegion {
	if scale <= 0 {
		scale = 1
	}
	out := make([]ScoredRegion, 0, len(regions))
	for _, r := range regions {
		compact := strings.Join(strings.Fields(r.Text), "")
		if compact == "" {
			continue
		}
		area := math.Max(1, float64(r.Area()))
		density := float64(len([]rune(compact))) / area

		luma, flat := 0.0, 0.0
		if img != nil {
			luma, flat = sampleLuminance(img, r, scale)
		}
		out = append(out, ScoredRegion{
			Region: r,
			Score:  density*0.6 + (luma*0.8+flat*0.2)*0.4,
		})
	}
	return out
}

// Select keeps the top limit regions by score and returns them in reading order
func Select(scored []ScoredRegion, limit int) []Region {
	ranked := make([]ScoredRegion, len(scored))
	copy(ranked, scored)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]Region, len(ranked))
	for i, s := range ranked {
		out[i] = s.Region
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Top != out[j].Top {
			return out[i].Top < out[j].Top
		}
		return out[i].Left < out[j].Left
	})
	return out
}

// sampleLuminance nearest-neighbour samples the region onto a 48x48 grid and
// returns mean luminance and flatness, both in [0,1].
func sampleLuminance(img image.Image, r Region, scale float64) (luma, flat float64) {
	b := img.Bounds()
	sx := b.Min.X + int(math.Floor(float64(r.Left)*scale))
	sy := b.Min.Y + int(math.Floor(float64(r.Top)*scale))
	sw := max(1, int(math.Floor(float64(r.Width)*scale)))
	sh := max(1, int(math.Floor(float64(r.Height)*scale)))

	var sum, sum2 float64
	count := float64(sampleSize * sampleSize)
	for y := 0; y < sampleSize; y++ {
		py := min(b.Max.Y-1, max(b.Min.Y, sy+y*sh/sampleSize))
		for x := 0; x < sampleSize; x++ {
			px := min(b.Max.X-1, max(b.Min.X, sx+x*sw/sampleSize))
			cr, cg, cb, _ := img.At(px, py).RGBA()
			l := 0.299*float64(cr>>8) + 0.587*float64(cg>>8) + 0.114*float64(cb>>8)
			sum += l
			sum2 += l * l
		}
	}
	mean := sum / count
	variance := math.Max(0, sum2/count-mean*mean)
	return mean / 255, 1 - math.Min(1, math.Sqrt(variance)/128)
}
