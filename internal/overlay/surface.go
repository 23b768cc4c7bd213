package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Measurer reports the advance width of text rendered at sizePx
type Measurer interface {
	MeasureText(sizePx float64, text string) (float64, error)
}

// Surface is a 2D raster target addressed in display pixels
type Surface interface {
	Measurer
	Size() (width, height int)
	FillRect(x, y, w, h float64, c color.Color)
	DrawText(sizePx, x, y float64, text string, fill, stroke color.Color, strokeWidth float64) error
}

// Fonts parses one OpenType font and caches a face per pixel size.
// opentype faces are not safe for concurrent use, so every face access
// happens under mu.
type Fonts struct {
	mu    sync.Mutex
	font  *opentype.Font
	faces map[float64]font.Face
}

var (
	defaultFontsOnce sync.Once
	defaultFonts     *Fonts
	defaultFontsErr  error
)

// DefaultFonts returns the shared Go Regular font set
func DefaultFonts() (*Fonts, error) {
	defaultFontsOnce.Do(func() {
		defaultFonts, defaultFontsErr = NewFonts(goregular.TTF)
	})
	return defaultFonts, defaultFontsErr
}

// NewFonts parses a TTF/OTF font
func NewFonts(data []byte) (*Fonts, error) {
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	return &Fonts{font: f, faces: make(map[float64]font.Face)}, nil
}

// faceLocked returns the face for sizePx. At 72 DPI one point is one pixel.
func (f *Fonts) faceLocked(sizePx float64) (font.Face, error) {
	if face, ok := f.faces[sizePx]; ok {
		return face, nil
	}
	face, err := opentype.NewFace(f.font, &opentype.FaceOptions{
		Size:    sizePx,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create face at %vpx: %w", sizePx, err)
	}
	f.faces[sizePx] = face
	return face, nil
}

// MeasureText returns the advance width of text in pixels
func (f *Fonts) MeasureText(sizePx float64, text string) (float64, error) {
	if sizePx <= 0 {
		return 0, fmt.Errorf("invalid font size %v", sizePx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	face, err := f.faceLocked(sizePx)
	if err != nil {
		return 0, err
	}
	return fromFixed(font.MeasureString(face, text)), nil
}

func (f *Fonts) drawString(dst draw.Image, sizePx, x, baseline float64, text string, c color.Color) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	face, err := f.faceLocked(sizePx)
	if err != nil {
		return err
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: toFixed(x), Y: toFixed(baseline)},
	}
	d.DrawString(text)
	return nil
}

func (f *Fonts) ascent(sizePx float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	face, err := f.faceLocked(sizePx)
	if err != nil {
		return 0, err
	}
	return fromFixed(face.Metrics().Ascent), nil
}

func toFixed(v float64) fixed.Int26_6   { return fixed.Int26_6(math.Round(v * 64)) }
func fromFixed(v fixed.Int26_6) float64 { return float64(v) / 64 }

// RasterSurface draws onto an RGBA backing store sized at dpr times the
// display size. Callers use display coordinates throughout.
type RasterSurface struct {
	img           *image.RGBA
	width, height int
	scale         float64
	fonts         *Fonts
}

// NewRasterSurface creates a transparent surface. dpr <= 0 is treated as 1.
func NewRasterSurface(width, height int, dpr float64, fonts *Fonts) *RasterSurface {
	if dpr <= 0 {
		dpr = 1
	}
	bw := max(1, int(math.Round(float64(width)*dpr)))
	bh := max(1, int(math.Round(float64(height)*dpr)))
	return &RasterSurface{
		img:    image.NewRGBA(image.Rect(0, 0, bw, bh)),
		width:  width,
		height: height,
		scale:  dpr,
		fonts:  fonts,
	}
}

// Size returns the display size
func (s *RasterSurface) Size() (int, int) { return s.width, s.height }

// Image returns the backing store
func (s *RasterSurface) Image() *image.RGBA { return s.img }

// Scale returns the device pixel ratio of the backing store
func (s *RasterSurface) Scale() float64 { return s.scale }

func (s *RasterSurface) FillRect(x, y, w, h float64, c color.Color) {
	r := image.Rect(
		int(math.Floor(x*s.scale)), int(math.Floor(y*s.scale)),
		int(math.Ceil((x+w)*s.scale)), int(math.Ceil((y+h)*s.scale)),
	).Intersect(s.img.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(s.img, r, image.NewUniform(c), image.Point{}, draw.Over)
}

func (s *RasterSurface) MeasureText(sizePx float64, text string) (float64, error) {
	return s.fonts.MeasureText(sizePx, text)
}

// DrawText draws one line whose top edge is at y. A positive strokeWidth
// first stamps the text in stroke at eight offsets to outline the glyphs.
func (s *RasterSurface) DrawText(sizePx, x, y float64, text string, fill, stroke color.Color, strokeWidth float64) error {
	size := sizePx * s.scale
	ascent, err := s.fonts.ascent(size)
	if err != nil {
		return err
	}
	bx, by := x*s.scale, y*s.scale+ascent

	if strokeWidth > 0 && stroke != nil {
		o := strokeWidth * s.scale / 2
		for _, d := range [8][2]float64{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}} {
			if err := s.fonts.drawString(s.img, size, bx+d[0]*o, by+d[1]*o, text, stroke); err != nil {
				return err
			}
		}
	}
	return s.fonts.drawString(s.img, size, bx, by, text, fill)
}
