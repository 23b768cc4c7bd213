/**
 * Image Processor for the image translation worker
 *
 * Runs one image through the overlay pipeline:
 * - decode, size gate and downscale for OCR
 * - OCR (Tesseract word boxes or vision OCR) with result caching
 * - region clustering, filtering and ranking
 * - batched translation with progressive overlay rendering
 */

package processor

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cache"
	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
	"github.com/adverant/nexus/imagetranslate-worker/internal/events"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/adverant/nexus/imagetranslate-worker/internal/overlay"
	"github.com/adverant/nexus/imagetranslate-worker/internal/translate"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMinWidth    = 220
	DefaultMinHeight   = 220
	DefaultBatchSize   = 3
	DefaultBatchDelay  = 75 * time.Millisecond
	DefaultOCRCacheTTL = 24 * time.Hour
	DefaultTargetLang  = "en"
	DefaultOCRTimeout  = 2 * time.Minute

	maxDownloadBytes = 32 << 20
)

// Skip reasons reported in Result.Skipped
const (
	SkipTooSmall = "too_small"
	SkipNoText   = "no_text"
)

// ImageProcessorInterface defines the interface for image processing
type ImageProcessorInterface interface {
	Process(ctx context.Context, req *Request) (*Result, error)
}

// Translator is the translation capability used for OCR text
type Translator interface {
	TranslateAll(ctx context.Context, texts []string, targetLang string) ([]string, error)
}

// Halter stops admission of new work once translation is degraded
type Halter interface {
	Halt()
}

// Config holds processor configuration
type Config struct {
	Recognizer Recognizer
	Translator Translator // may be nil when Recognizer pre-translates
	Engine     *overlay.Engine
	Emitter    events.Emitter
	Halter     Halter

	// OCRCache stores OCR results keyed by image source (optional)
	OCRCache    cache.Cache
	OCRCacheTTL time.Duration

	Clock      translate.Clock
	HTTPClient *http.Client

	// DefaultTargetLanguage applies to requests without a TargetLanguage
	DefaultTargetLanguage string

	// OCRTimeout bounds one shared OCR call
	OCRTimeout time.Duration

	MinWidth     int
	MinHeight    int
	MaxSide      int
	MaxBoxes     int
	BatchSize    int
	BatchDelay   time.Duration
	PerHostLimit int
	Filter       cluster.FilterOptions
	Logger       *logging.Logger
}

// Request represents one image to translate
type Request struct {
	JobID  string
	ItemID string
	// Source is the image URL or any stable identifier of its content
	Source string
	// Image holds encoded bytes. When empty, Source is fetched over HTTP.
	Image    []byte
	Geometry overlay.Geometry
	// TargetLanguage falls back to Config.DefaultTargetLanguage when empty
	TargetLanguage string
	// Composite renders the overlay on top of the source image
	Composite bool
	// Events also receives this request's events (optional)
	Events events.Emitter
}

// Result represents the processing result
type Result struct {
	JobID            string               `json:"jobId"`
	ItemID           string               `json:"itemId"`
	Regions          []cluster.Region     `json:"regions"`
	Translated       []string             `json:"translated"`
	Boxes            []overlay.OverlayBox `json:"boxes"`
	OverlayPNG       []byte               `json:"-"`
	Degraded         bool                 `json:"degraded,omitempty"`
	Skipped          string               `json:"skipped,omitempty"`
	OCREngine        string               `json:"ocrEngine,omitempty"`
	ProcessingTimeMs int64                `json:"processingTimeMs"`
}

// ImageProcessor handles per-image processing
type ImageProcessor struct {
	config   Config
	gate     *hostGate
	flight   singleflight.Group
	degraded atomic.Bool
	logger   *logging.Logger
}

// NewImageProcessor creates a new image processor
func NewImageProcessor(cfg Config) (*ImageProcessor, error) {
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("overlay engine is required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.Multi{}
	}
	if cfg.Clock == nil {
		cfg.Clock = translate.RealClock
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.DefaultTargetLanguage == "" {
		cfg.DefaultTargetLanguage = DefaultTargetLang
	}
	if cfg.OCRTimeout <= 0 {
		cfg.OCRTimeout = DefaultOCRTimeout
	}
	if cfg.OCRCacheTTL <= 0 {
		cfg.OCRCacheTTL = DefaultOCRCacheTTL
	}
	if cfg.MinWidth <= 0 {
		cfg.MinWidth = DefaultMinWidth
	}
	if cfg.MinHeight <= 0 {
		cfg.MinHeight = DefaultMinHeight
	}
	if cfg.MaxSide <= 0 {
		cfg.MaxSide = DefaultMaxSide
	}
	if cfg.MaxBoxes <= 0 {
		cfg.MaxBoxes = cluster.MaxBoxes
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("ImageProcessor")
	}

	return &ImageProcessor{
		config: cfg,
		gate:   newHostGate(cfg.PerHostLimit),
		logger: cfg.Logger,
	}, nil
}

// Degraded reports whether translation has been marked degraded
func (p *ImageProcessor) Degraded() bool { return p.degraded.Load() }

// ResetDegraded re-arms the one-shot degraded notification, typically after
// the breaker is cleared and the controller resumed
func (p *ImageProcessor) ResetDegraded() { p.degraded.Store(false) }

// Process runs the pipeline for one image. On translation degradation the
// partial result is returned together with an ErrServiceDegraded error.
func (p *ImageProcessor) Process(ctx context.Context, req *Request) (*Result, error) {
	startTime := time.Now()
	log := p.logger.With("job", req.JobID, "item", req.ItemID)
	p.emit(ctx, events.TypeStarted, req, nil)

	res, err := p.process(ctx, req, log)
	if res != nil {
		res.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	}

	switch {
	case err == nil:
		p.emit(ctx, events.TypeCompleted, req, func(e *events.Event) {
			e.Count = len(res.Boxes)
			if res.Skipped != "" {
				e.Message = "skipped: " + res.Skipped
			}
		})
	case errors.CodeOf(err) == errors.ErrorAborted, errors.CodeOf(err) == errors.ErrorServiceDegraded:
		log.Info("Processing stopped", "code", errors.CodeOf(err))
	default:
		log.Error("Processing failed", "error", err)
		p.emit(ctx, events.TypeError, req, func(e *events.Event) {
			e.Code = string(errors.CodeOf(err))
			e.Message = err.Error()
		})
	}
	return res, err
}

func (p *ImageProcessor) process(ctx context.Context, req *Request, log *logging.Logger) (*Result, error) {
	res := &Result{JobID: req.JobID, ItemID: req.ItemID}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewAbortedError(err)
	}
	lang := req.TargetLanguage
	if lang == "" {
		lang = p.config.DefaultTargetLanguage
	}

	data := req.Image
	if len(data) == 0 {
		fetched, err := p.fetch(ctx, req.Source)
		if err != nil {
			return nil, p.wrapAbort(ctx, err)
		}
		data = fetched
	}

	img, _, err := DecodeImage(data)
	if err != nil {
		return nil, errors.NewOCRFailedError(req.JobID, "decode", err)
	}
	b := img.Bounds()

	geom := req.Geometry
	if geom.NaturalW <= 0 || geom.NaturalH <= 0 {
		geom.NaturalW, geom.NaturalH = b.Dx(), b.Dy()
	}
	geom = geom.Normalized()

	if b.Dx() < p.config.MinWidth || b.Dy() < p.config.MinHeight {
		log.Debug("Image below minimum size", "width", b.Dx(), "height", b.Dy())
		res.Skipped = SkipTooSmall
		return res, nil
	}

	ocr, err := p.recognize(ctx, req, data, img, lang)
	if err != nil {
		return nil, err
	}
	res.OCREngine = ocr.Engine

	regions := p.selectRegions(img, ocr)
	res.Regions = regions
	p.emit(ctx, events.TypeRegionCount, req, func(e *events.Event) { e.Count = len(regions) })
	if len(regions) == 0 {
		res.Skipped = SkipNoText
		return res, nil
	}

	target := overlay.NewTarget(p.config.Engine, geom)
	res.Translated = make([]string, 0, len(regions))
	for start := 0; start < len(regions); start += p.config.BatchSize {
		if start > 0 && p.config.BatchDelay > 0 {
			if err := p.config.Clock.Sleep(ctx, p.config.BatchDelay); err != nil {
				return res, errors.NewAbortedError(err)
			}
		}
		end := min(start+p.config.BatchSize, len(regions))
		batch := regions[start:end]

		texts, err := p.translateBatch(ctx, batch, ocr.PreTranslated, lang)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrorServiceDegraded {
				res.Degraded = true
				p.degrade(ctx, req, err)
				break
			}
			return res, err
		}

		boxes := target.Draw(batch, texts)
		res.Translated = append(res.Translated, texts...)
		p.emit(ctx, events.TypeTranslated, req, func(e *events.Event) { e.Count = len(boxes) })
	}
	res.Boxes = target.Boxes()

	if req.Composite {
		res.OverlayPNG, err = target.CompositePNG(img)
	} else {
		res.OverlayPNG, err = target.PNG()
	}
	if err != nil {
		return res, errors.NewLayoutFailedError("", err)
	}

	if res.Degraded {
		return res, errors.NewServiceDegradedError(errors.ErrorQuotaExceeded, "translate")
	}
	return res, nil
}

// recognize returns OCR output in natural image pixels. Results are cached
// by source and concurrent requests for the same source share one call. The
// shared call outlives any single waiter, bounded by OCRTimeout.
func (p *ImageProcessor) recognize(ctx context.Context, req *Request, data []byte, img image.Image, lang string) (*OCRResult, error) {
	translating, isTranslating := p.config.Recognizer.(TranslatingRecognizer)
	key := p.ocrKey(req.Source, data)
	if isTranslating {
		key += ":" + lang
	}

	if p.config.OCRCache != nil {
		if raw, ok := p.config.OCRCache.Get(ctx, key); ok {
			var cached OCRResult
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
			p.logger.Warn("Discarding unreadable OCR cache entry", "key", key)
		}
	}

	ch := p.flight.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.OCRTimeout)
		defer cancel()

		release, err := p.gate.acquire(ctx, req.Source)
		if err != nil {
			return nil, err
		}
		defer release()

		small, factor := Downscale(img, p.config.MaxSide)
		input := data
		if factor != 1 {
			if input, err = EncodePNG(small); err != nil {
				return nil, err
			}
		}

		var out *OCRResult
		if isTranslating {
			out, err = translating.RecognizeInto(ctx, input, lang)
		} else {
			out, err = p.config.Recognizer.Recognize(ctx, input)
		}
		if err != nil {
			return nil, err
		}
		out = out.scaled(factor)

		if p.config.OCRCache != nil {
			if raw, err := json.Marshal(out); err == nil {
				p.config.OCRCache.Set(ctx, key, raw, p.config.OCRCacheTTL)
			}
		}
		return out, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			if ctx.Err() != nil {
				return nil, errors.NewAbortedError(r.Err)
			}
			if code := errors.CodeOf(r.Err); code == errors.ErrorQuotaExceeded || code == errors.ErrorAuthFailed {
				return nil, r.Err
			}
			return nil, errors.NewOCRFailedError(req.JobID, p.config.Recognizer.Name(), r.Err)
		}
		return r.Val.(*OCRResult), nil
	case <-ctx.Done():
		return nil, errors.NewAbortedError(ctx.Err())
	}
}

func (p *ImageProcessor) ocrKey(source string, data []byte) string {
	h := sha1.New()
	if source != "" {
		io.WriteString(h, source)
	} else {
		h.Write(data)
	}
	return fmt.Sprintf("ocr:%s:%s", p.config.Recognizer.Name(), hex.EncodeToString(h.Sum(nil)))
}

// selectRegions clusters, filters and ranks OCR output
func (p *ImageProcessor) selectRegions(img image.Image, ocr *OCRResult) []cluster.Region {
	regions := ocr.Regions
	if len(regions) == 0 {
		regions = cluster.Cluster(ocr.Words)
	}

	opts := p.config.Filter
	if ocr.PreTranslated {
		opts.SkipNoiseFilter = true
	}
	regions = cluster.Filter(regions, opts)
	return cluster.Select(cluster.Score(img, regions, 1), p.config.MaxBoxes)
}

func (p *ImageProcessor) translateBatch(ctx context.Context, batch []cluster.Region, preTranslated bool, lang string) ([]string, error) {
	texts := make([]string, len(batch))
	for i, r := range batch {
		texts[i] = r.Text
	}
	if preTranslated {
		return texts, nil
	}
	if p.config.Translator == nil {
		return nil, fmt.Errorf("no translator configured")
	}
	return p.config.Translator.TranslateAll(ctx, texts, lang)
}

// degrade emits quota_exceeded and halts admission once per degraded period
func (p *ImageProcessor) degrade(ctx context.Context, req *Request, cause error) {
	if !p.degraded.CompareAndSwap(false, true) {
		return
	}
	p.logger.Warn("Translation degraded, halting new work", "error", cause)
	p.emit(ctx, events.TypeQuotaExceeded, req, func(e *events.Event) {
		e.Code = string(errors.CodeOf(cause))
		e.Message = cause.Error()
	})
	if p.config.Halter != nil {
		p.config.Halter.Halt()
	}
}

// fetch downloads source, holding a slot for its host
func (p *ImageProcessor) fetch(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return nil, fmt.Errorf("no image data and source %q is not an http(s) URL", source)
	}

	release, err := p.gate.acquire(ctx, source)
	if err != nil {
		return nil, err
	}
	defer release()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.config.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxDownloadBytes)
	}
	return data, nil
}

func (p *ImageProcessor) wrapAbort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.NewAbortedError(ctx.Err())
	}
	return err
}

func (p *ImageProcessor) emit(ctx context.Context, t events.Type, req *Request, fill func(*events.Event)) {
	e := events.New(t, req.JobID, req.ItemID)
	if fill != nil {
		fill(&e)
	}
	p.config.Emitter.Emit(ctx, e)
	if req.Events != nil {
		req.Events.Emit(ctx, e)
	}
}
