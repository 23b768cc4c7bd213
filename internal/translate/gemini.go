package translate

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiProvider translates through the Gemini generateContent API
type GeminiProvider struct {
	model string
	rpm   int
	opts  []option.ClientOption
}

// NewGeminiProvider resolves the model for a provider setting ("gemini",
// "gemini-pro", "gemini-2" or an explicit model name). configured overrides
// the default for the generic names. Extra client options are appended after
// the API key.
func NewGeminiProvider(setting, configured string, tier1 bool, opts ...option.ClientOption) *GeminiProvider {
	model := ResolveGeminiModel(setting, configured)
	return &GeminiProvider{
		model: model,
		rpm:   GeminiRPM(model, tier1),
		opts:  opts,
	}
}

// ResolveGeminiModel maps a provider setting to a concrete model name
func ResolveGeminiModel(setting, configured string) string {
	configured = strings.ToLower(strings.TrimSpace(configured))
	switch setting {
	case "gemini":
		if configured != "" {
			return configured
		}
		return "gemini-2.5-flash"
	case "gemini-pro":
		return "gemini-1.5-pro"
	case "gemini-2":
		if configured != "" {
			return configured
		}
		return "gemini-2.0-flash-exp"
	case "gemini-2.5-flash", "gemini-2.0-flash", "gemini-2.0-flash-lite":
		return setting
	}
	if configured != "" {
		return configured
	}
	return "gemini-2.5-flash"
}

func (g *GeminiProvider) Name() string  { return "gemini" }
func (g *GeminiProvider) RPM() int      { return g.rpm }
func (g *GeminiProvider) Model() string { return g.model }

// TranslateBatch sends one chunk with key
func (g *GeminiProvider) TranslateBatch(ctx context.Context, text, targetLang, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.NewAuthFailedError(g.Name(), stderrors.New("GEMINI_API_KEY is empty"))
	}

	opts := append([]option.ClientOption{option.WithAPIKey(key)}, g.opts...)
	cl, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return "", ClassifyGeminiError(err, time.Now())
	}
	defer cl.Close()

	m := cl.GenerativeModel(g.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "text/plain",
	}
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(batchInstruction(targetLang))},
	}

	resp, err := m.GenerateContent(ctx, genai.Text("Segments:\n"+text))
	if err != nil {
		return "", ClassifyGeminiError(err, time.Now())
	}

	out := strings.TrimSpace(firstText(resp))
	if out == "" {
		return "", errors.NewMalformedResponseError(g.Name(), "empty candidate")
	}
	return out, nil
}

// ClassifyGeminiError tags Gemini API errors with a taxonomy code. Context errors
// pass through untouched so the batcher can tell an abort from a timeout.
func ClassifyGeminiError(err error, now time.Time) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) {
		retryAfter := time.Duration(0)
		if gerr.Header != nil {
			retryAfter = parseRetryAfter(gerr.Header.Get("Retry-After"), now)
		}
		return classifiedError("gemini", gerr.Code, gerr.Message+" "+gerr.Body, retryAfter)
	}

	var blocked *genai.BlockedError
	if stderrors.As(err, &blocked) {
		return errors.NewMalformedResponseError("gemini", blocked.Error())
	}

	switch classify(err) {
	case errors.ErrorQuotaExceeded:
		return errors.NewQuotaExceededError("gemini", 0, err)
	case errors.ErrorAuthFailed:
		return errors.NewAuthFailedError("gemini", err)
	case errors.ErrorTransientNetwork:
		return errors.NewTransientError("gemini", err)
	}
	return errors.NewMalformedResponseError("gemini", err.Error())
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
