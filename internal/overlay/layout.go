/**
 * Overlay Layout Engine
 *
 * Places translated text over the regions it replaces. Region coordinates are
 * mapped from their coordinate space onto the displayed image, the text is
 * word-wrapped to the box, and the font shrinks step by step until the lines
 * fit the box height. Text that still overflows at the minimum size is
 * clipped. Every box is painted with an opaque background covering the whole
 * region, then each line is drawn with an outline and a fill.
 */

package overlay

import (
	"fmt"
	"image/color"
	"strings"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
)

// Geometry describes how an image is shown: intrinsic size, on-screen size
// and the device pixel ratio of the screen.
type Geometry struct {
	NaturalW int     `json:"naturalWidth"`
	NaturalH int     `json:"naturalHeight"`
	DisplayW int     `json:"displayWidth"`
	DisplayH int     `json:"displayHeight"`
	DPR      float64 `json:"devicePixelRatio"`
}

// Normalized fills a missing display size from the natural size and a
// missing DPR with 1.
func (g Geometry) Normalized() Geometry {
	if g.DisplayW <= 0 || g.DisplayH <= 0 {
		g.DisplayW, g.DisplayH = g.NaturalW, g.NaturalH
	}
	if g.NaturalW <= 0 || g.NaturalH <= 0 {
		g.NaturalW, g.NaturalH = g.DisplayW, g.DisplayH
	}
	if g.DPR <= 0 {
		g.DPR = 1
	}
	return g
}

// Scale returns the natural-to-display factors
func (g Geometry) Scale() (sx, sy float64) {
	g = g.Normalized()
	if g.NaturalW <= 0 || g.NaturalH <= 0 {
		return 1, 1
	}
	return float64(g.DisplayW) / float64(g.NaturalW), float64(g.DisplayH) / float64(g.NaturalH)
}

// OverlayBox is one laid-out region in display pixels
type OverlayBox struct {
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
	Text       string   `json:"text"`
	FontSizePx float64  `json:"fontSizePx"`
	Lines      []string `json:"lines"`
}

// Engine lays out and renders overlay boxes. It is safe for concurrent use.
type Engine struct {
	baseSize   float64
	minSize    float64
	step       float64
	lineHeight float64
	padding    float64
	bgAlpha    float64
	cacheSize  int

	fill       color.Color
	stroke     color.Color
	background color.Color

	fonts    *Fonts
	measurer Measurer
	cache    *measureCache
	logger   *logging.Logger
}

// Option configures an Engine
type Option func(*Engine)

func WithBaseFontSize(px float64) Option   { return func(e *Engine) { e.baseSize = px } }
func WithMinFontSize(px float64) Option    { return func(e *Engine) { e.minSize = px } }
func WithFontStep(px float64) Option       { return func(e *Engine) { e.step = px } }
func WithLineHeight(factor float64) Option { return func(e *Engine) { e.lineHeight = factor } }
func WithPadding(px float64) Option        { return func(e *Engine) { e.padding = px } }
func WithBackgroundAlpha(a float64) Option { return func(e *Engine) { e.bgAlpha = a } }
func WithMeasureCacheSize(n int) Option    { return func(e *Engine) { e.cacheSize = n } }
func WithFonts(f *Fonts) Option            { return func(e *Engine) { e.fonts = f } }
func WithLogger(l *logging.Logger) Option  { return func(e *Engine) { e.logger = l } }
func WithMeasurer(m Measurer) Option       { return func(e *Engine) { e.measurer = m } }
func WithColors(fill, stroke color.Color) Option {
	return func(e *Engine) { e.fill, e.stroke = fill, stroke }
}

// NewEngine creates an engine. Defaults: 18px base, 12px floor, 1px step,
// 1.25 line height, 6px padding, opaque white background, black text with a
// white outline, Go Regular.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		baseSize:   18,
		minSize:    12,
		step:       1,
		lineHeight: 1.25,
		padding:    6,
		bgAlpha:    1,
		fill:       color.Black,
		stroke:     color.White,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.baseSize <= 0 || e.minSize <= 0 {
		return nil, fmt.Errorf("font sizes must be positive, got base=%v min=%v", e.baseSize, e.minSize)
	}
	if e.minSize > e.baseSize {
		return nil, fmt.Errorf("minimum font size %v exceeds base size %v", e.minSize, e.baseSize)
	}
	if e.step <= 0 {
		return nil, fmt.Errorf("font step must be positive, got %v", e.step)
	}
	if e.lineHeight <= 0 {
		return nil, fmt.Errorf("line height must be positive, got %v", e.lineHeight)
	}
	if e.padding < 0 {
		e.padding = 0
	}
	e.bgAlpha = min(1, max(0, e.bgAlpha))

	if e.fonts == nil {
		fonts, err := DefaultFonts()
		if err != nil {
			return nil, err
		}
		e.fonts = fonts
	}
	if e.measurer == nil {
		e.measurer = e.fonts
	}
	if e.logger == nil {
		e.logger = logging.NewLogger("overlay")
	}
	e.background = color.NRGBA{R: 255, G: 255, B: 255, A: uint8(e.bgAlpha*255 + 0.5)}
	e.cache = newMeasureCache(e.measurer, e.cacheSize)
	return e, nil
}

// Fonts returns the font set used for raster surfaces
func (e *Engine) Fonts() *Fonts { return e.fonts }

// MinFontSize returns the configured floor
func (e *Engine) MinFontSize() float64 { return e.minSize }

// Layout maps each region onto the display and fits its text. texts[i]
// belongs to regions[i]. Regions that are degenerate, have no text or
// cannot be measured are skipped.
func (e *Engine) Layout(geom Geometry, regions []cluster.Region, texts []string) []OverlayBox {
	sx, sy := geom.Scale()
	boxes := make([]OverlayBox, 0, len(regions))

	for i, r := range regions {
		if i >= len(texts) {
			break
		}
		text := strings.TrimSpace(texts[i])

		x, y := float64(r.Left), float64(r.Top)
		w, h := float64(r.Width), float64(r.Height)
		if r.Space != cluster.SpaceDisplay {
			x, y, w, h = x*sx, y*sy, w*sx, h*sy
		}
		if w <= 1 || h <= 1 || text == "" {
			continue
		}

		box, err := e.fit(x, y, w, h, text)
		if err != nil {
			e.logger.Warn("Skipping region", "index", i, "error", err)
			continue
		}
		boxes = append(boxes, box)
	}
	return boxes
}

// fit shrinks the font until the wrapped lines fit the box height and no
// line is wider than the box. At the minimum size a line may still overflow
// when a single glyph is wider than the box.
func (e *Engine) fit(x, y, w, h float64, text string) (OverlayBox, error) {
	_, maxWidth := e.textArea(w)
	avail := h - 2*e.padding

	size := e.baseSize
	var lines []string
	for {
		var err error
		lines, err = e.cache.wrap(text, size, maxWidth)
		if err != nil {
			return OverlayBox{}, errors.NewLayoutFailedError(text, err)
		}
		if size <= e.minSize {
			break
		}
		tall := float64(len(lines))*e.lineHeight*size > avail
		wide, err := e.overflows(lines, size, maxWidth)
		if err != nil {
			return OverlayBox{}, errors.NewLayoutFailedError(text, err)
		}
		if !tall && !wide {
			break
		}
		size = max(e.minSize, size-e.step)
	}
	if len(lines) == 0 {
		return OverlayBox{}, errors.NewLayoutFailedError(text, fmt.Errorf("no printable lines"))
	}

	if fits := int(avail / (e.lineHeight * size)); len(lines) > fits {
		lines = lines[:max(1, fits)]
	}

	return OverlayBox{
		X:          x,
		Y:          y,
		Width:      w,
		Height:     h,
		Text:       text,
		FontSizePx: size,
		Lines:      lines,
	}, nil
}

// textArea returns the left inset and usable line width for a box w wide.
// Narrow boxes give up padding before the line width drops below 8px, and
// inset+maxWidth never exceeds w.
func (e *Engine) textArea(w float64) (inset, maxWidth float64) {
	maxWidth = min(w, max(8, w-2*e.padding))
	inset = min(e.padding, max(0, (w-maxWidth)/2))
	return inset, maxWidth
}

// overflows reports whether any line is wider than maxWidth at sizePx
func (e *Engine) overflows(lines []string, sizePx, maxWidth float64) (bool, error) {
	for _, line := range lines {
		w, err := e.cache.width(sizePx, line)
		if err != nil {
			return false, err
		}
		if w > maxWidth {
			return true, nil
		}
	}
	return false, nil
}

// Render paints boxes onto s. A line that fails to draw is logged and the
// remaining lines are still drawn.
func (e *Engine) Render(s Surface, boxes []OverlayBox) {
	for _, b := range boxes {
		s.FillRect(b.X, b.Y, b.Width, b.Height, e.background)

		lh := b.FontSizePx * e.lineHeight
		strokeWidth := max(2, b.FontSizePx/6)
		inset, _ := e.textArea(b.Width)
		for i, line := range b.Lines {
			lx := b.X + inset
			ly := b.Y + e.padding + float64(i)*lh
			if err := s.DrawText(b.FontSizePx, lx, ly, line, e.fill, e.stroke, strokeWidth); err != nil {
				e.logger.Warn("Failed to draw line", "line", i, "error", err)
			}
		}
	}
}
