/**
 * Tesseract OCR - Offline word-level recognition
 *
 * Extracts word bounding boxes with Tesseract. The boxes feed the region
 * clusterer, so only word-level iteration is used.
 */

package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
	"github.com/otiai10/gosseract/v2"
)

// ocrClient is the subset of *gosseract.Client used here
type ocrClient interface {
	SetLanguage(langs ...string) error
	SetImageFromBytes(data []byte) error
	GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error)
	Close() error
}

// TesseractOCR handles word-level OCR using Tesseract
type TesseractOCR struct {
	languages []string
	newClient func() ocrClient
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages []string
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) (*TesseractOCR, error) {
	langs := []string{"eng"}
	if cfg != nil && len(cfg.Languages) > 0 {
		langs = cfg.Languages
	}

	return &TesseractOCR{
		languages: langs,
		newClient: func() ocrClient { return gosseract.NewClient() },
	}, nil
}

func (t *TesseractOCR) Name() string { return "tesseract" }

// Recognize returns one WordBox per recognized word
func (t *TesseractOCR) Recognize(ctx context.Context, image []byte) (*OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTime := time.Now()

	client := t.newClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages %v: %w", t.languages, err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	words := make([]cluster.WordBox, 0, len(boxes))
	texts := make([]string, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" || b.Box.Dx() <= 0 || b.Box.Dy() <= 0 {
			continue
		}
		words = append(words, cluster.WordBox{
			Text:   text,
			Left:   b.Box.Min.X,
			Top:    b.Box.Min.Y,
			Width:  b.Box.Dx(),
			Height: b.Box.Dy(),
		})
		texts = append(texts, text)
	}

	return &OCRResult{
		Words:    words,
		Text:     strings.Join(texts, " "),
		Engine:   t.Name(),
		Duration: time.Since(startTime),
	}, nil
}
