package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// MaxImageConcurrency is the hard ceiling for maxConcurrentImages
const MaxImageConcurrency = 6

// Settings is the pipeline configuration supplied by the user. The worker
// reads it but never writes it back.
type Settings struct {
	TargetLanguage      string        `yaml:"targetLanguage"`
	TranslateProvider   string        `yaml:"translateProvider"`
	GeminiModel         string        `yaml:"geminiModel"`
	GeminiTier1         bool          `yaml:"geminiTier1"`
	OpenAIModel         string        `yaml:"openaiModel"`
	ProviderRPM         int           `yaml:"providerRpm"`
	OCRProvider         string        `yaml:"ocrProvider"`
	MaxConcurrentImages int           `yaml:"maxConcurrentImages"`
	MinImageSize        ImageSize     `yaml:"minImageSize"`
	Overlay             OverlayConfig `yaml:"overlay"`
	SkipNoiseFilter     bool          `yaml:"skipNoiseFilter"`
	NoisePattern        string        `yaml:"noisePattern"`
	CacheSize           int           `yaml:"cacheSize"`
	Debug               bool          `yaml:"debug"`
}

// ImageSize is a width/height pair in natural pixels
type ImageSize struct {
	Width  int `yaml:"w"`
	Height int `yaml:"h"`
}

// OverlayConfig holds font and box defaults for rendering
type OverlayConfig struct {
	FontSizePx      float64 `yaml:"fontSizePx"`
	MinFontSizePx   float64 `yaml:"minFontSizePx"`
	LineHeight      float64 `yaml:"lineHeight"`
	Padding         float64 `yaml:"padding"`
	BackgroundAlpha float64 `yaml:"backgroundAlpha"`
}

// DefaultSettings returns the settings used when no file is given
func DefaultSettings() Settings {
	return Settings{
		TargetLanguage:      "en",
		TranslateProvider:   "gemini",
		GeminiModel:         "gemini-2.0-flash-lite",
		OpenAIModel:         "gpt-4o-mini",
		OCRProvider:         "tesseract",
		MaxConcurrentImages: 2,
		MinImageSize:        ImageSize{Width: 220, Height: 220},
		Overlay: OverlayConfig{
			FontSizePx:      18,
			MinFontSizePx:   12,
			LineHeight:      1.25,
			Padding:         6,
			BackgroundAlpha: 1,
		},
		CacheSize: 200,
	}
}

// LoadSettings reads a YAML settings file over the defaults. An empty path
// returns the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings file: %w", err)
	}

	return ParseSettings(data)
}

// ParseSettings decodes YAML over the defaults and validates the result
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("settings validation failed: %w", err)
	}
	return s, nil
}

// normalize clamps values the user may over- or under-specify
func (s *Settings) normalize() {
	if s.MaxConcurrentImages > MaxImageConcurrency {
		s.MaxConcurrentImages = MaxImageConcurrency
	}
	if s.MaxConcurrentImages < 1 {
		s.MaxConcurrentImages = 1
	}
	if s.Overlay.MinFontSizePx > s.Overlay.FontSizePx {
		s.Overlay.MinFontSizePx = s.Overlay.FontSizePx
	}
	if s.CacheSize <= 0 {
		s.CacheSize = 200
	}
}

// Validate checks if settings are valid
func (s *Settings) Validate() error {
	if s.TargetLanguage == "" {
		return fmt.Errorf("targetLanguage is required")
	}

	switch s.TranslateProvider {
	case "gemini", "gemini-pro", "gemini-2", "gemini-2.5-flash", "gemini-2.0-flash", "gemini-2.0-flash-lite", "openai", "deepl":
	default:
		return fmt.Errorf("translateProvider %q is not supported", s.TranslateProvider)
	}

	if s.OCRProvider != "tesseract" && s.OCRProvider != "vision" {
		return fmt.Errorf("ocrProvider must be tesseract or vision, got %q", s.OCRProvider)
	}

	if s.Overlay.FontSizePx < 6 || s.Overlay.FontSizePx > 96 {
		return fmt.Errorf("overlay.fontSizePx must be between 6 and 96, got %v", s.Overlay.FontSizePx)
	}

	if s.Overlay.LineHeight < 1 {
		return fmt.Errorf("overlay.lineHeight must be at least 1, got %v", s.Overlay.LineHeight)
	}

	if s.Overlay.BackgroundAlpha < 0 || s.Overlay.BackgroundAlpha > 1 {
		return fmt.Errorf("overlay.backgroundAlpha must be between 0 and 1, got %v", s.Overlay.BackgroundAlpha)
	}

	if s.NoisePattern != "" {
		if _, err := regexp.Compile(s.NoisePattern); err != nil {
			return fmt.Errorf("noisePattern does not compile: %w", err)
		}
	}

	return nil
}
