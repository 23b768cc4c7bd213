package processor

import (
	"testing"

	"github.com/adverant/nexus/imagetranslate-worker/internal/config"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
)

func testConfig() *config.Config {
	return &config.Config{
		GeminiAPIKeys:      []string{"g1"},
		OpenAIAPIKeys:      []string{"o1"},
		TesseractLanguages: []string{"eng"},
		CacheTTLSeconds:    60,
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		cfg      *config.Config
		want     string
		wantErr  bool
	}{
		{name: "gemini", provider: "gemini", cfg: testConfig(), want: "gemini"},
		{name: "gemini model alias", provider: "gemini-2.0-flash", cfg: testConfig(), want: "gemini"},
		{name: "openai", provider: "openai", cfg: testConfig(), want: "openai"},
		{name: "deepl without keys", provider: "deepl", cfg: testConfig(), wantErr: true},
		{name: "unknown", provider: "babelfish", cfg: &config.Config{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.DefaultSettings()
			s.TranslateProvider = tt.provider
			p, err := NewProvider(tt.cfg, s)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for provider %q", tt.provider)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewProvider: %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("provider = %q, want %q", p.Name(), tt.want)
			}
		})
	}
}

func TestNewRecognizer(t *testing.T) {
	logger := logging.NewLogger("test")

	s := config.DefaultSettings()
	r, err := NewRecognizer(testConfig(), s, logger)
	if err != nil {
		t.Fatalf("tesseract: %v", err)
	}
	if r.Name() != "tesseract" {
		t.Errorf("default recognizer = %q", r.Name())
	}

	s.OCRProvider = "vision"
	r, err = NewRecognizer(testConfig(), s, logger)
	if err != nil {
		t.Fatalf("vision: %v", err)
	}
	if r.Name() != "vision" {
		t.Errorf("vision recognizer = %q", r.Name())
	}

	if _, err := NewRecognizer(&config.Config{}, s, logger); err == nil {
		t.Error("vision without Gemini keys should fail")
	}
}

func TestNewPipeline(t *testing.T) {
	s := config.DefaultSettings()
	s.NoisePattern = `(?i)scanlation`
	s.TargetLanguage = "fr"

	p, err := NewPipeline(PipelineOptions{Config: testConfig(), Settings: s})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if p.Batcher == nil {
		t.Fatal("tesseract pipeline needs a batcher")
	}
	if got := p.Processor.config.DefaultTargetLanguage; got != "fr" {
		t.Errorf("default target language = %q, want fr", got)
	}
	if p.Engine.MinFontSize() != s.Overlay.MinFontSizePx {
		t.Errorf("min font = %v, want %v", p.Engine.MinFontSize(), s.Overlay.MinFontSizePx)
	}

	s.OCRProvider = "vision"
	p, err = NewPipeline(PipelineOptions{Config: testConfig(), Settings: s})
	if err != nil {
		t.Fatalf("vision pipeline: %v", err)
	}
	if p.Batcher != nil {
		t.Error("vision pipeline should not build a batcher")
	}

	if _, err := NewPipeline(PipelineOptions{Settings: s}); err == nil {
		t.Error("missing config should fail")
	}
}
