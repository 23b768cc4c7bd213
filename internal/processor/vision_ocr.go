/**
 * Vision OCR - OCR and translation in one vision-model call
 *
 * The model returns tight boxes around each text region together with the
 * text already translated into the target language. Regions come back
 * segmented, so clustering and the translation batcher are skipped.
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/adverant/nexus/imagetranslate-worker/internal/translate"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// maxVisionBoxArea drops boxes covering most of the page
const maxVisionBoxArea = 0.7

// VisionConfig holds vision OCR configuration
type VisionConfig struct {
	Model          string
	Keys           []string
	TargetLanguage string
	// VerticalText hints top-to-bottom, right-to-left reading order
	VerticalText  bool
	ClientOptions []option.ClientOption
	Logger        *logging.Logger
}

// generateFunc sends one prompt plus image with key and returns the raw text
type generateFunc func(ctx context.Context, key, instruction string, img []byte, format string) (string, error)

// VisionOCR recognizes and translates text with a Gemini vision model
type VisionOCR struct {
	cfg      VisionConfig
	generate generateFunc
	logger   *logging.Logger
}

// NewVisionOCR creates a vision OCR engine
func NewVisionOCR(cfg VisionConfig) (*VisionOCR, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("vision OCR requires at least one API key")
	}
	if cfg.Model == "" {
		cfg.Model = translate.ResolveGeminiModel("gemini", "")
	}
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = "en"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("VisionOCR")
	}

	v := &VisionOCR{cfg: cfg, logger: logger}
	v.generate = v.generateContent
	return v, nil
}

func (v *VisionOCR) Name() string { return "vision" }

// Recognize translates into the configured target language
func (v *VisionOCR) Recognize(ctx context.Context, img []byte) (*OCRResult, error) {
	return v.RecognizeInto(ctx, img, v.cfg.TargetLanguage)
}

// RecognizeInto returns regions translated into lang, in pixels of image.
// Keys are tried in order; quota and auth failures move to the next key.
func (v *VisionOCR) RecognizeInto(ctx context.Context, img []byte, lang string) (*OCRResult, error) {
	startTime := time.Now()
	if lang == "" {
		lang = v.cfg.TargetLanguage
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	instruction := visionInstruction(lang, v.cfg.VerticalText)

	var raw string
	var lastErr error
	for i, key := range v.cfg.Keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, lastErr = v.generate(ctx, key, instruction, img, format)
		if lastErr == nil {
			break
		}
		if stderrors.Is(lastErr, context.Canceled) {
			return nil, lastErr
		}
		v.logger.Warn("Vision call failed, trying next key",
			"key_index", i, "code", errors.CodeOf(lastErr), "error", lastErr)
	}
	if lastErr != nil {
		return nil, lastErr
	}

	result := &OCRResult{
		PreTranslated: true,
		Engine:        v.Name(),
	}
	regions, ok := parseVisionItems(raw, cfg.Width, cfg.Height)
	switch {
	case ok && len(regions) > 0:
		result.Regions = regions
	case !ok && strings.TrimSpace(raw) != "":
		// Unstructured answer: treat it as one paragraph over the whole image
		result.Regions = []cluster.Region{{
			Left: 0, Top: 0, Width: cfg.Width, Height: cfg.Height,
			Text:  strings.TrimSpace(raw),
			Space: cluster.SpaceNatural,
		}}
	}

	texts := make([]string, len(result.Regions))
	for i, r := range result.Regions {
		texts[i] = r.Text
	}
	result.Text = strings.Join(texts, "\n")
	result.Duration = time.Since(startTime)
	return result, nil
}

func (v *VisionOCR) generateContent(ctx context.Context, key, instruction string, img []byte, format string) (string, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(key)}, v.cfg.ClientOptions...)
	cl, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return "", translate.ClassifyGeminiError(err, time.Now())
	}
	defer cl.Close()

	m := cl.GenerativeModel(v.cfg.Model)
	m.SetTemperature(0)
	m.ResponseMIMEType = "application/json"

	resp, err := m.GenerateContent(ctx, genai.Text(instruction), genai.ImageData(format, img))
	if err != nil {
		return "", translate.ClassifyGeminiError(err, time.Now())
	}
	if resp == nil {
		return "", nil
	}
	var sb strings.Builder
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		break
	}
	return strings.TrimSpace(sb.String()), nil
}

func visionInstruction(targetLang string, vertical bool) string {
	lang := translate.LanguageName(targetLang)
	hint := ""
	if vertical {
		hint = " Reading order is vertical (top-to-bottom, right-to-left) when applicable."
	}
	return fmt.Sprintf(`You are an OCR and translation engine for images.%s

Translate ALL detected text to %s. Never return the original text.

Return ONLY strict JSON with this shape:
{"items":[{"x":0.0-1.0,"y":0.0-1.0,"w":0.0-1.0,"h":0.0-1.0,"text":"..."}]}

Where:
- (x,y,w,h) are fractions of the image size, origin at top-left
- text is the %s translation of the region
- Segment by speech balloons and narration boxes, one entry per region in reading order
- Boxes must be tight around each region; avoid boxes with area above 0.6
- Omit unreadable regions and do not add other keys or commentary`, hint, lang, lang)
}

// visionItem accepts the key styles models tend to produce
type visionItem struct {
	X       *float64  `json:"x"`
	Y       *float64  `json:"y"`
	W       *float64  `json:"w"`
	H       *float64  `json:"h"`
	Left    *float64  `json:"left"`
	Top     *float64  `json:"top"`
	Width   *float64  `json:"width"`
	Height  *float64  `json:"height"`
	BBox    []float64 `json:"bbox"`
	CX      *float64  `json:"cx"`
	CY      *float64  `json:"cy"`
	Radius  *float64  `json:"radius"`
	Text    string    `json:"text"`
	Caption string    `json:"caption"`
}

func firstOf(vals ...*float64) (float64, bool) {
	for _, v := range vals {
		if v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
			return *v, true
		}
	}
	return 0, false
}

func bboxAt(b []float64, i int) *float64 {
	if i < len(b) {
		return &b[i]
	}
	return nil
}

// parseVisionItems converts a model answer into regions in pixels of a
// width x height image. ok is false when raw is not an {"items":[...]} object.
// Coordinates may be fractions (max <= 1.2), percentages (max <= 100) or
// pixels.
func parseVisionItems(raw string, width, height int) ([]cluster.Region, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var doc struct {
		Items []visionItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc.Items == nil {
		return nil, false
	}

	W, H := float64(width), float64(height)
	regions := make([]cluster.Region, 0, len(doc.Items))
	for _, it := range doc.Items {
		text := strings.TrimSpace(it.Text)
		if text == "" {
			text = strings.TrimSpace(it.Caption)
		}
		if text == "" {
			continue
		}

		x, okX := firstOf(it.X, it.Left, bboxAt(it.BBox, 0))
		y, okY := firstOf(it.Y, it.Top, bboxAt(it.BBox, 1))
		w, okW := firstOf(it.W, it.Width, bboxAt(it.BBox, 2))
		h, okH := firstOf(it.H, it.Height, bboxAt(it.BBox, 3))
		if !(okX && okY && okW && okH) {
			cx, okCX := firstOf(it.CX)
			cy, okCY := firstOf(it.CY)
			r, okR := firstOf(it.Radius)
			if !(okCX && okCY && okR) {
				continue
			}
			x, y, w, h = cx-r, cy-r, 2*r, 2*r
		}

		maxVal := math.Max(math.Max(x, y), math.Max(w, h))
		switch {
		case maxVal <= 1.2:
		case maxVal <= 100:
			x, y, w, h = x/100, y/100, w/100, h/100
		default:
			x, y, w, h = x/W, y/H, w/W, h/H
		}
		x, y, w, h = clamp01(x), clamp01(y), clamp01(w), clamp01(h)
		if w*h > maxVisionBoxArea {
			continue
		}

		regions = append(regions, cluster.Region{
			Left:   int(math.Round(x * W)),
			Top:    int(math.Round(y * H)),
			Width:  max(1, int(math.Round(w*W))),
			Height: max(1, int(math.Round(h*H))),
			Text:   text,
			Space:  cluster.SpaceNatural,
		})
	}
	return regions, true
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
