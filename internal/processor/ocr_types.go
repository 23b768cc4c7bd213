/**
 * OCR Types - Shared data structures for OCR operations
 *
 * Common types used by the Tesseract word-box engine and the vision-model
 * engine.
 */

package processor

import (
	"context"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
)

// Recognizer is the OCR capability. image holds encoded image bytes; word
// and region coordinates in the result are pixels of that image.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (*OCRResult, error)
}

// TranslatingRecognizer is a Recognizer whose output is already translated.
// lang selects the target language per image.
type TranslatingRecognizer interface {
	Recognizer
	RecognizeInto(ctx context.Context, image []byte, lang string) (*OCRResult, error)
}

// OCRResult represents the result of OCR processing
type OCRResult struct {
	Words []cluster.WordBox `json:"words,omitempty"`
	// Regions are set by engines that segment text themselves. When present
	// they replace clustering of Words.
	Regions []cluster.Region `json:"regions,omitempty"`
	Text    string           `json:"text"`
	// PreTranslated marks region text that is already in the target language
	PreTranslated bool          `json:"preTranslated,omitempty"`
	Engine        string        `json:"engine"`
	Duration      time.Duration `json:"duration"`
}

// scaled returns a copy with every coordinate multiplied by factor
func (r *OCRResult) scaled(factor float64) *OCRResult {
	out := *r
	if factor == 1 {
		return &out
	}
	out.Words = make([]cluster.WordBox, len(r.Words))
	for i, w := range r.Words {
		out.Words[i] = cluster.WordBox{
			Text:   w.Text,
			Left:   int(float64(w.Left)*factor + 0.5),
			Top:    int(float64(w.Top)*factor + 0.5),
			Width:  max(1, int(float64(w.Width)*factor+0.5)),
			Height: max(1, int(float64(w.Height)*factor+0.5)),
		}
	}
	out.Regions = make([]cluster.Region, len(r.Regions))
	for i, reg := range r.Regions {
		out.Regions[i] = reg.Scaled(factor, factor)
	}
	return &out
}
