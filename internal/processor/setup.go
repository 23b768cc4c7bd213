package processor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cache"
	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
	"github.com/adverant/nexus/imagetranslate-worker/internal/config"
	"github.com/adverant/nexus/imagetranslate-worker/internal/events"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/adverant/nexus/imagetranslate-worker/internal/overlay"
	"github.com/adverant/nexus/imagetranslate-worker/internal/translate"
)

// PipelineOptions holds everything needed to assemble a processor from
// process configuration and user settings
type PipelineOptions struct {
	Config   *config.Config
	Settings config.Settings
	Emitter  events.Emitter
	Halter   Halter

	// OCRCache and Memo default to in-process LRUs of Settings.CacheSize
	OCRCache cache.Cache
	Memo     cache.Cache

	// Shared across pipelines in one process (optional)
	Scheduler *translate.Scheduler
	Breaker   *translate.Breaker

	Logger *logging.Logger
}

// Pipeline is an assembled processor plus the parts operators reach into
type Pipeline struct {
	Processor  *ImageProcessor
	Batcher    *translate.Batcher // nil when OCR pre-translates
	Engine     *overlay.Engine
	Recognizer Recognizer
}

// NewPipeline builds the recognizer, translator and overlay engine selected
// by the settings and wires them into an ImageProcessor
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("pipeline")
	}
	s := opts.Settings
	if opts.OCRCache == nil {
		opts.OCRCache = cache.NewLRU(s.CacheSize)
	}
	if opts.Memo == nil {
		opts.Memo = cache.NewLRU(s.CacheSize)
	}

	var noise *regexp.Regexp
	if s.NoisePattern != "" {
		re, err := regexp.Compile(s.NoisePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid noise pattern: %w", err)
		}
		noise = re
	}

	engine, err := NewEngine(s.Overlay, opts.Logger)
	if err != nil {
		return nil, err
	}

	recognizer, err := NewRecognizer(opts.Config, s, opts.Logger)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{Engine: engine, Recognizer: recognizer}

	// Vision OCR returns translated text, so the batcher is only needed for
	// plain OCR engines
	var translator Translator
	if s.OCRProvider != "vision" {
		provider, err := NewProvider(opts.Config, s)
		if err != nil {
			return nil, err
		}
		batcher, err := translate.NewBatcher(translate.BatcherConfig{
			Provider:        provider,
			Keys:            opts.Config.KeysFor(s.TranslateProvider),
			Scheduler:       opts.Scheduler,
			Breaker:         opts.Breaker,
			Noise:           noise,
			SkipNoiseFilter: s.SkipNoiseFilter,
			Memo:            opts.Memo,
			MemoTTL:         time.Duration(opts.Config.CacheTTLSeconds) * time.Second,
			Logger:          opts.Logger.With("component", "batcher"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create batcher: %w", err)
		}
		p.Batcher = batcher
		translator = batcher
	}

	proc, err := NewImageProcessor(Config{
		Recognizer:            recognizer,
		Translator:            translator,
		Engine:                engine,
		Emitter:               opts.Emitter,
		Halter:                opts.Halter,
		OCRCache:              opts.OCRCache,
		DefaultTargetLanguage: s.TargetLanguage,
		MinWidth:              s.MinImageSize.Width,
		MinHeight:             s.MinImageSize.Height,
		Filter: cluster.FilterOptions{
			SkipNoiseFilter: s.SkipNoiseFilter,
			Noise:           noise,
		},
		Logger: opts.Logger.With("component", "processor"),
	})
	if err != nil {
		return nil, err
	}
	p.Processor = proc
	return p, nil
}

// NewProvider returns the translation provider named by the settings
func NewProvider(cfg *config.Config, s config.Settings) (translate.Provider, error) {
	keys := cfg.KeysFor(s.TranslateProvider)
	if len(keys) == 0 {
		return nil, fmt.Errorf("no API keys configured for provider %q", s.TranslateProvider)
	}

	switch {
	case strings.HasPrefix(s.TranslateProvider, "gemini"):
		return translate.NewGeminiProvider(s.TranslateProvider, s.GeminiModel, s.GeminiTier1), nil
	case s.TranslateProvider == "openai":
		return translate.NewOpenAIProvider(cfg.OpenAIBaseURL, s.OpenAIModel, s.ProviderRPM), nil
	case s.TranslateProvider == "deepl":
		return translate.NewDeepLProvider(cfg.DeepLBaseURL, s.ProviderRPM), nil
	}
	return nil, fmt.Errorf("translateProvider %q is not supported", s.TranslateProvider)
}

// NewRecognizer returns the OCR engine named by the settings
func NewRecognizer(cfg *config.Config, s config.Settings, logger *logging.Logger) (Recognizer, error) {
	switch s.OCRProvider {
	case "", "tesseract":
		return NewTesseractOCR(&TesseractConfig{Languages: cfg.TesseractLanguages})
	case "vision":
		return NewVisionOCR(VisionConfig{
			Model:          translate.ResolveGeminiModel(s.TranslateProvider, s.GeminiModel),
			Keys:           cfg.GeminiAPIKeys,
			TargetLanguage: s.TargetLanguage,
			Logger:         logger.With("component", "vision"),
		})
	}
	return nil, fmt.Errorf("ocrProvider %q is not supported", s.OCRProvider)
}

// NewEngine creates an overlay engine from the overlay settings
func NewEngine(o config.OverlayConfig, logger *logging.Logger) (*overlay.Engine, error) {
	engine, err := overlay.NewEngine(
		overlay.WithBaseFontSize(o.FontSizePx),
		overlay.WithMinFontSize(o.MinFontSizePx),
		overlay.WithLineHeight(o.LineHeight),
		overlay.WithPadding(o.Padding),
		overlay.WithBackgroundAlpha(o.BackgroundAlpha),
		overlay.WithLogger(logger.With("component", "overlay")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay engine: %w", err)
	}
	return engine, nil
}
