package translate

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
)

// Provider translates one delimiter-joined chunk with one credential. The
// response must keep the delimiter between segments; the batcher re-aligns
// whatever comes back.
type Provider interface {
	Name() string
	TranslateBatch(ctx context.Context, text, targetLang, key string) (string, error)
}

// RateLimited is implemented by providers with a requests-per-minute contract
type RateLimited interface {
	RPM() int
}

var languageNames = map[string]string{
	"en": "English", "fr": "French", "es": "Spanish", "de": "German", "it": "Italian",
	"pt": "Portuguese", "ru": "Russian", "ja": "Japanese", "ko": "Korean", "zh": "Chinese",
	"ar": "Arabic", "hi": "Hindi", "th": "Thai", "vi": "Vietnamese",
}

// LanguageName returns the English name of an ISO 639-1 code, or the code itself
func LanguageName(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if name, ok := languageNames[code]; ok {
		return name
	}
	if code == "" {
		return "English"
	}
	return code
}

// batchInstruction is the shared system prompt for LLM providers
func batchInstruction(targetLang string) string {
	lang := LanguageName(targetLang)
	return fmt.Sprintf(`You are a professional translator.

Translate EACH segment separated by <sb> into %s.

CRITICAL:
- Output ONLY %s. Do not echo the source language.
- Join outputs with the exact delimiter \n<sb>\n, same order, one per input segment.
- No numbering or commentary.`, lang, lang)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

var (
	transientPattern = regexp.MustCompile(`(?i)timeout|timed out|network|connection reset|eof|502|503|504`)
	quotaPattern     = regexp.MustCompile(`(?i)quota|rate limit|too many|429`)
	authPattern      = regexp.MustCompile(`(?i)key invalid|api key not valid|unauthorized|permission denied`)
)

// classify returns the taxonomy code of a provider error. Errors already
// carrying a code keep it; anything else is judged by type, then by message.
func classify(err error) errors.ErrorCode {
	if code := errors.CodeOf(err); code != errors.ErrorUnknown {
		return code
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.ErrorAborted
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrorTransientNetwork
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.ErrorTransientNetwork
	}

	msg := err.Error()
	switch {
	case quotaPattern.MatchString(msg):
		return errors.ErrorQuotaExceeded
	case authPattern.MatchString(msg):
		return errors.ErrorAuthFailed
	case transientPattern.MatchString(msg):
		return errors.ErrorTransientNetwork
	}
	return errors.ErrorMalformedResponse
}

// classifiedError wraps err with the code matching status/body for provider
func classifiedError(provider string, status int, body string, retryAfter time.Duration) error {
	cause := fmt.Errorf("%s %d: %s", provider, status, truncate(body, 200))
	switch errors.ClassifyHTTP(status, body) {
	case errors.ErrorQuotaExceeded:
		return errors.NewQuotaExceededError(provider, retryAfter, cause)
	case errors.ErrorAuthFailed:
		return errors.NewAuthFailedError(provider, cause)
	case errors.ErrorTransientNetwork:
		return errors.NewTransientError(provider, cause)
	}
	return errors.NewMalformedResponseError(provider, cause.Error())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
