package overlay

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
)

// monoMeasurer treats every rune as half the font size wide
type monoMeasurer struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (m *monoMeasurer) MeasureText(sizePx float64, text string) (float64, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.fail {
		return 0, stderrors.New("no glyphs")
	}
	return float64(len([]rune(text))) * sizePx / 2, nil
}

type textCall struct {
	size, x, y   float64
	text         string
	fill, stroke color.Color
	strokeWidth  float64
}

// recordingSurface captures drawing calls
type recordingSurface struct {
	monoMeasurer
	fills []OverlayBox
	texts []textCall
}

func (s *recordingSurface) Size() (int, int) { return 500, 500 }

func (s *recordingSurface) FillRect(x, y, w, h float64, c color.Color) {
	s.fills = append(s.fills, OverlayBox{X: x, Y: y, Width: w, Height: h})
}

func (s *recordingSurface) DrawText(sizePx, x, y float64, text string, fill, stroke color.Color, strokeWidth float64) error {
	s.texts = append(s.texts, textCall{size: sizePx, x: x, y: y, text: text, fill: fill, stroke: stroke, strokeWidth: strokeWidth})
	return nil
}

func quietLogger() *logging.Logger {
	return logging.NewLoggerTo(io.Discard, "test")
}

func newMonoEngine(t *testing.T, m Measurer, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithMeasurer(m), WithLogger(quietLogger())}, opts...)
	e, err := NewEngine(opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func display(left, top, w, h int) cluster.Region {
	return cluster.Region{Left: left, Top: top, Width: w, Height: h, Space: cluster.SpaceDisplay}
}

func TestLayoutShrinksThenClips(t *testing.T) {
	e := newMonoEngine(t, &monoMeasurer{})
	geom := Geometry{NaturalW: 500, NaturalH: 500}

	testCases := []struct {
		name      string
		region    cluster.Region
		text      string
		wantSize  float64
		wantLines []string
	}{
		{
			name:      "fits at base size",
			region:    display(0, 0, 200, 40),
			text:      "hello world",
			wantSize:  18,
			wantLines: []string{"hello world"},
		},
		{
			name:      "shrinks to floor and clips",
			region:    display(0, 0, 200, 40),
			text:      "the quick brown fox jumps over the lazy dog",
			wantSize:  12,
			wantLines: []string{"the quick brown fox jumps over"},
		},
		{
			name:      "keeps explicit newlines",
			region:    display(0, 0, 200, 200),
			text:      "one\ntwo",
			wantSize:  18,
			wantLines: []string{"one", "two"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			boxes := e.Layout(geom, []cluster.Region{tc.region}, []string{tc.text})
			if len(boxes) != 1 {
				t.Fatalf("expected one box, got %d", len(boxes))
			}
			if boxes[0].FontSizePx != tc.wantSize {
				t.Errorf("font size = %v, want %v", boxes[0].FontSizePx, tc.wantSize)
			}
			if !reflect.DeepEqual(boxes[0].Lines, tc.wantLines) {
				t.Errorf("lines = %q, want %q", boxes[0].Lines, tc.wantLines)
			}
		})
	}
}

func TestLayoutBreaksLongWords(t *testing.T) {
	m := &monoMeasurer{}
	e := newMonoEngine(t, m)

	boxes := e.Layout(Geometry{NaturalW: 500, NaturalH: 500}, []cluster.Region{display(0, 0, 60, 400)}, []string{"abcdefghijkl"})
	if len(boxes) != 1 {
		t.Fatalf("expected one box, got %d", len(boxes))
	}
	want := []string{"abcde", "fghij", "kl"}
	if !reflect.DeepEqual(boxes[0].Lines, want) {
		t.Errorf("lines = %q, want %q", boxes[0].Lines, want)
	}
}

func TestLayoutInvariants(t *testing.T) {
	m := &monoMeasurer{}
	e := newMonoEngine(t, m)
	rng := rand.New(rand.NewSource(7))
	vocab := []string{"a", "to", "the", "hello", "adventure", "translation", "世界", "超长的单词没有空格"}

	for i := 0; i < 200; i++ {
		r := display(rng.Intn(100), rng.Intn(100), 40+rng.Intn(200), 20+rng.Intn(150))
		words := make([]string, 1+rng.Intn(20))
		for j := range words {
			words[j] = vocab[rng.Intn(len(vocab))]
		}
		text := strings.Join(words, " ")

		boxes := e.Layout(Geometry{NaturalW: 500, NaturalH: 500}, []cluster.Region{r}, []string{text})
		if len(boxes) != 1 {
			t.Fatalf("case %d: expected one box", i)
		}
		b := boxes[0]
		if b.FontSizePx < 12 || b.FontSizePx > 18 {
			t.Fatalf("case %d: font size %v outside [12, 18]", i, b.FontSizePx)
		}
		if len(b.Lines) == 0 {
			t.Fatalf("case %d: no lines", i)
		}
		maxWidth := max(8, b.Width-12)
		for _, line := range b.Lines {
			w, _ := m.MeasureText(b.FontSizePx, line)
			if w > maxWidth {
				t.Fatalf("case %d: line %q is %vpx wide, max %v", i, line, w, maxWidth)
			}
		}
	}

	// Boxes narrower than one glyph at the base size shrink the font
	// instead of drawing past the right edge
	narrow := []struct {
		name      string
		region    cluster.Region
		text      string
		wantSize  float64
		wantLines []string
	}{
		{name: "one glyph per line", region: display(0, 0, 20, 200), text: "WWW", wantSize: 16, wantLines: []string{"W", "W", "W"}},
		{name: "box under padding", region: display(0, 0, 7, 200), text: "ab", wantSize: 14, wantLines: []string{"a", "b"}},
	}
	for _, tc := range narrow {
		t.Run(tc.name, func(t *testing.T) {
			boxes := e.Layout(Geometry{NaturalW: 500, NaturalH: 500}, []cluster.Region{tc.region}, []string{tc.text})
			if len(boxes) != 1 {
				t.Fatalf("expected one box, got %d", len(boxes))
			}
			b := boxes[0]
			if b.FontSizePx != tc.wantSize || !reflect.DeepEqual(b.Lines, tc.wantLines) {
				t.Fatalf("got size %v lines %q, want %v %q", b.FontSizePx, b.Lines, tc.wantSize, tc.wantLines)
			}
			s := &recordingSurface{}
			e.Render(s, boxes)
			for _, c := range s.texts {
				w, _ := m.MeasureText(c.size, c.text)
				if c.x < b.X || c.x+w > b.X+b.Width {
					t.Errorf("line %q drawn over [%v, %v], box spans [%v, %v]", c.text, c.x, c.x+w, b.X, b.X+b.Width)
				}
			}
		})
	}
}

func TestLayoutCoordinateSpaces(t *testing.T) {
	e := newMonoEngine(t, &monoMeasurer{})
	geom := Geometry{NaturalW: 1000, NaturalH: 800, DisplayW: 500, DisplayH: 400, DPR: 2}

	regions := []cluster.Region{
		{Left: 100, Top: 100, Width: 200, Height: 100, Space: cluster.SpaceNatural},
		display(10, 20, 100, 50),
	}
	boxes := e.Layout(geom, regions, []string{"one", "two"})
	if len(boxes) != 2 {
		t.Fatalf("expected 2 boxes, got %d", len(boxes))
	}

	got := [][4]float64{
		{boxes[0].X, boxes[0].Y, boxes[0].Width, boxes[0].Height},
		{boxes[1].X, boxes[1].Y, boxes[1].Width, boxes[1].Height},
	}
	want := [][4]float64{{50, 50, 100, 50}, {10, 20, 100, 50}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("boxes = %v, want %v", got, want)
	}
}

func TestLayoutSkipsUnusableRegions(t *testing.T) {
	regions := []cluster.Region{
		display(0, 0, 1, 50),
		display(0, 0, 50, 1),
		display(0, 0, 100, 100),
		display(0, 0, 100, 100),
	}
	e := newMonoEngine(t, &monoMeasurer{})
	boxes := e.Layout(Geometry{NaturalW: 500, NaturalH: 500}, regions, []string{"a", "b", "   ", "d"})
	if len(boxes) != 1 || boxes[0].Text != "d" {
		t.Errorf("expected only the last region, got %+v", boxes)
	}

	if boxes := e.Layout(Geometry{}, regions, []string{"x"}); len(boxes) != 0 {
		t.Errorf("regions without text must be skipped, got %d boxes", len(boxes))
	}

	failing := newMonoEngine(t, &monoMeasurer{fail: true})
	if boxes := failing.Layout(Geometry{}, []cluster.Region{display(0, 0, 100, 100)}, []string{"x"}); len(boxes) != 0 {
		t.Errorf("unmeasurable text should be skipped, got %d boxes", len(boxes))
	}
}

func TestMeasureCache(t *testing.T) {
	m := &monoMeasurer{}
	e := newMonoEngine(t, m)
	regions := []cluster.Region{display(0, 0, 200, 100)}

	e.Layout(Geometry{}, regions, []string{"hello there"})
	first := m.calls
	e.Layout(Geometry{}, regions, []string{"hello there"})
	if m.calls != first {
		t.Errorf("second layout should be served from cache, measured %d more times", m.calls-first)
	}

	c := newMeasureCache(m, 3)
	for i := 0; i < 10; i++ {
		if _, err := c.width(12, fmt.Sprint(i)); err != nil {
			t.Fatalf("width: %v", err)
		}
		if c.len() > 3 {
			t.Fatalf("cache grew to %d entries", c.len())
		}
	}
}

func TestRenderDrawsBackgroundThenOutlinedLines(t *testing.T) {
	e := newMonoEngine(t, &monoMeasurer{})
	s := &recordingSurface{}
	boxes := []OverlayBox{
		{X: 10, Y: 20, Width: 100, Height: 60, FontSizePx: 18, Lines: []string{"one", "two"}},
		{X: 0, Y: 0, Width: 50, Height: 30, FontSizePx: 12, Lines: []string{"x"}},
	}

	e.Render(s, boxes)

	if len(s.fills) != 2 || s.fills[0].Width != 100 || s.fills[0].Height != 60 {
		t.Fatalf("expected one full-box fill per box, got %+v", s.fills)
	}
	if len(s.texts) != 3 {
		t.Fatalf("expected 3 lines drawn, got %d", len(s.texts))
	}
	first, second := s.texts[0], s.texts[1]
	if first.x != 16 || first.y != 26 || second.y != 26+18*1.25 {
		t.Errorf("unexpected line positions %+v / %+v", first, second)
	}
	if first.strokeWidth != 3 || s.texts[2].strokeWidth != 2 {
		t.Errorf("stroke widths = %v, %v", first.strokeWidth, s.texts[2].strokeWidth)
	}
	if first.fill != color.Black || first.stroke != color.White {
		t.Errorf("expected black fill with white outline")
	}
}

func TestNewEngineValidates(t *testing.T) {
	testCases := []struct {
		name string
		opts []Option
	}{
		{name: "floor above base", opts: []Option{WithBaseFontSize(10), WithMinFontSize(12)}},
		{name: "zero step", opts: []Option{WithFontStep(0)}},
		{name: "negative size", opts: []Option{WithBaseFontSize(-1)}},
		{name: "zero line height", opts: []Option{WithLineHeight(0)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewEngine(append(tc.opts, WithMeasurer(&monoMeasurer{}))...); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestFontsMeasure(t *testing.T) {
	fonts, err := DefaultFonts()
	if err != nil {
		t.Fatalf("DefaultFonts: %v", err)
	}
	w0, err := fonts.MeasureText(18, "")
	if err != nil || w0 != 0 {
		t.Errorf("empty text width = %v, %v", w0, err)
	}
	a, _ := fonts.MeasureText(18, "a")
	ab, _ := fonts.MeasureText(18, "ab")
	big, _ := fonts.MeasureText(36, "ab")
	if !(a > 0 && ab > a && big > ab) {
		t.Errorf("widths not monotonic: a=%v ab=%v ab@36=%v", a, ab, big)
	}
	if _, err := fonts.MeasureText(0, "a"); err == nil {
		t.Errorf("expected error for zero size")
	}
}

func TestTargetDrawRepositionClear(t *testing.T) {
	e, err := NewEngine(WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	geom := Geometry{NaturalW: 400, NaturalH: 200, DisplayW: 200, DisplayH: 100, DPR: 2}
	target := NewTarget(e, geom)

	regions := []cluster.Region{{Left: 20, Top: 20, Width: 300, Height: 120, Space: cluster.SpaceNatural}}
	drawn := target.Draw(regions, []string{"Hello"})
	if len(drawn) != 1 {
		t.Fatalf("expected one box, got %d", len(drawn))
	}

	data, err := target.PNG()
	if err != nil {
		t.Fatalf("PNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 200 {
		t.Fatalf("backing store is %dx%d, want 400x200", b.Dx(), b.Dy())
	}
	// box starts at display (10,10); one pixel inside is background
	if _, _, _, a := img.At(22, 22).RGBA(); a != 0xffff {
		t.Errorf("expected opaque background inside the box, alpha=%x", a)
	}
	if _, _, _, a := img.At(2, 2).RGBA(); a != 0 {
		t.Errorf("expected transparent pixel outside boxes, alpha=%x", a)
	}

	target.Reposition(Geometry{NaturalW: 400, NaturalH: 200, DisplayW: 400, DisplayH: 200, DPR: 1})
	boxes := target.Boxes()
	if len(boxes) != 1 || boxes[0].X != 20 || boxes[0].Width != 300 {
		t.Errorf("reposition should re-layout retained regions, got %+v", boxes)
	}
	if b := target.Image().Bounds(); b.Dx() != 400 || b.Dy() != 200 {
		t.Errorf("surface not recreated for new geometry: %v", b)
	}

	target.Clear()
	if len(target.Boxes()) != 0 {
		t.Errorf("Clear should drop boxes")
	}
	if _, _, _, a := target.Image().At(22, 22).RGBA(); a != 0 {
		t.Errorf("Clear should blank the surface")
	}
}
