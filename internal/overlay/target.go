package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
	"golang.org/x/image/draw"
)

type placement struct {
	region cluster.Region
	text   string
}

// Target is the render target of one image. It retains every placed region
// so the overlay survives a change of on-screen geometry.
type Target struct {
	mu         sync.Mutex
	engine     *Engine
	geom       Geometry
	surface    *RasterSurface
	placements []placement
	boxes      []OverlayBox
}

// NewTarget creates an empty target for geom
func NewTarget(engine *Engine, geom Geometry) *Target {
	geom = geom.Normalized()
	return &Target{
		engine:  engine,
		geom:    geom,
		surface: NewRasterSurface(geom.DisplayW, geom.DisplayH, geom.DPR, engine.Fonts()),
	}
}

// Draw lays out regions with their texts, paints them and retains them.
// It returns the boxes that were drawn.
func (t *Target) Draw(regions []cluster.Region, texts []string) []OverlayBox {
	t.mu.Lock()
	defer t.mu.Unlock()

	boxes := t.engine.Layout(t.geom, regions, texts)
	t.engine.Render(t.surface, boxes)
	for i, r := range regions {
		if i < len(texts) {
			t.placements = append(t.placements, placement{region: r, text: texts[i]})
		}
	}
	t.boxes = append(t.boxes, boxes...)
	return boxes
}

// Reposition recreates the surface for a new geometry and redraws everything
// placed so far.
func (t *Target) Reposition(geom Geometry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.geom = geom.Normalized()
	t.surface = NewRasterSurface(t.geom.DisplayW, t.geom.DisplayH, t.geom.DPR, t.engine.Fonts())

	regions := make([]cluster.Region, len(t.placements))
	texts := make([]string, len(t.placements))
	for i, p := range t.placements {
		regions[i], texts[i] = p.region, p.text
	}
	t.boxes = t.engine.Layout(t.geom, regions, texts)
	t.engine.Render(t.surface, t.boxes)
}

// Clear drops every placement and blanks the surface
func (t *Target) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.placements = nil
	t.boxes = nil
	t.surface = NewRasterSurface(t.geom.DisplayW, t.geom.DisplayH, t.geom.DPR, t.engine.Fonts())
}

// Geometry returns the current geometry
func (t *Target) Geometry() Geometry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.geom
}

// Boxes returns a copy of the boxes currently drawn
func (t *Target) Boxes() []OverlayBox {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]OverlayBox(nil), t.boxes...)
}

// Image returns a copy of the overlay layer
func (t *Target) Image() *image.RGBA {
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.surface.Image()
	out := image.NewRGBA(src.Bounds())
	draw.Draw(out, out.Bounds(), src, image.Point{}, draw.Src)
	return out
}

// PNG encodes the transparent overlay layer
func (t *Target) PNG() ([]byte, error) {
	return encodePNG(t.Image())
}

// Composite scales base to the backing store size and draws the overlay on top
func (t *Target) Composite(base image.Image) *image.RGBA {
	layer := t.Image()
	out := image.NewRGBA(layer.Bounds())
	draw.CatmullRom.Scale(out, out.Bounds(), base, base.Bounds(), draw.Src, nil)
	draw.Draw(out, out.Bounds(), layer, image.Point{}, draw.Over)
	return out
}

// CompositePNG encodes Composite(base)
func (t *Target) CompositePNG(base image.Image) ([]byte, error) {
	return encodePNG(t.Composite(base))
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
