/**
 * Translation Batcher
 *
 * Translates an ordered list of region texts through a provider while
 * guaranteeing one output per input at the same index. Segments are
 * sanitized, split, packed into delimiter-joined chunks, paced by the shared
 * scheduler, failed over across credentials, and guarded by the circuit
 * breaker. Provider failures degrade to pass-through text; only an abort or
 * an open circuit is reported to the caller, and even then the output slice
 * is complete.
 */

package translate

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cache"
	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
)

const (
	// DefaultTimeout bounds one provider call
	DefaultTimeout = 45 * time.Second
	// DefaultRetryDelay is multiplied by the attempt number between retries of one key
	DefaultRetryDelay = 500 * time.Millisecond

	attemptsPerKey = 2
)

// BatcherConfig holds batcher configuration
type BatcherConfig struct {
	Provider  Provider
	Keys      []string
	Scheduler *Scheduler // shared process-wide
	Breaker   *Breaker   // shared process-wide
	Clock     Clock

	// Noise is the denylist applied during sanitizing. Nil selects
	// DefaultNoisePattern unless SkipNoiseFilter is set.
	Noise           *regexp.Regexp
	SkipNoiseFilter bool

	MaxSegment int
	MaxPerCall int
	Timeout    time.Duration
	RetryDelay time.Duration

	// Memo caches translated chunks across images (optional)
	Memo    cache.Cache
	MemoTTL time.Duration
	Logger  *logging.Logger
}

// Batcher is the translation front end used by the image pipeline
type Batcher struct {
	cfg    BatcherConfig
	noise  *regexp.Regexp
	logger *logging.Logger
}

// NewBatcher creates a batcher, filling defaults for unset fields
func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("Provider is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewScheduler(cfg.Clock)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewBreaker(cfg.Clock, 0, 0)
	}
	if cfg.MaxSegment <= 0 {
		cfg.MaxSegment = MaxSegment
	}
	if cfg.MaxPerCall <= 0 {
		cfg.MaxPerCall = MaxPerCall
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("translate")
	}

	noise := cfg.Noise
	if noise == nil && !cfg.SkipNoiseFilter {
		noise = DefaultNoisePattern
	}
	if cfg.SkipNoiseFilter {
		noise = nil
	}

	return &Batcher{
		cfg:    cfg,
		noise:  noise,
		logger: cfg.Logger.With("provider", cfg.Provider.Name()),
	}, nil
}

// Breaker exposes the shared breaker so operators can clear it
func (b *Batcher) Breaker() *Breaker { return b.cfg.Breaker }

// TranslateAll translates texts into targetLang. The result always has
// len(texts) entries; blank or noise-only inputs map to "" without any
// provider call. The returned error is nil, errors.ErrAborted or
// errors.ErrServiceDegraded.
func (b *Batcher) TranslateAll(ctx context.Context, texts []string, targetLang string) ([]string, error) {
	out := make([]string, len(texts))
	sanitized := Sanitize(texts, b.noise)

	pieces := make([]piece, 0, len(texts))
	for i, s := range sanitized {
		if s == "" {
			continue
		}
		if len([]rune(s)) <= b.cfg.MaxSegment {
			pieces = append(pieces, piece{text: s, index: i})
			continue
		}
		for _, p := range splitLongSegment(s, b.cfg.MaxSegment) {
			pieces = append(pieces, piece{text: p, index: i})
		}
	}
	if len(pieces) == 0 {
		return out, nil
	}

	name := b.cfg.Provider.Name()
	if kind, open := b.cfg.Breaker.Tripped(name); open {
		b.logger.Warn("Circuit open, returning source text", "kind", kind)
		return passThrough(texts, sanitized), errors.NewServiceDegradedError(kind, name)
	}

	pieceTexts := make([]string, len(pieces))
	for i, p := range pieces {
		pieceTexts[i] = p.text
	}
	chunks := Pack(pieceTexts, b.cfg.MaxPerCall)
	translated := make([]string, len(pieces))
	copy(translated, pieceTexts)

	var outcome error
	for ci, ch := range chunks {
		sources := make([]string, len(ch.Pieces))
		for k, pi := range ch.Pieces {
			sources[k] = pieces[pi].text
		}

		if kind, open := b.cfg.Breaker.Tripped(name); open {
			outcome = errors.NewServiceDegradedError(kind, name)
			break
		}

		res, err := b.translateChunk(ctx, ch.Text, targetLang)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrorAborted {
				outcome = err
				break
			}
			b.logger.Warn("Chunk failed, keeping source text",
				"chunk", ci, "segments", len(sources), "code", errors.CodeOf(err), "error", err)
			continue
		}

		parts := SplitTranslated(res)
		if allBlank(parts) {
			b.logger.Debug("Provider returned blank output", "chunk", ci)
			continue
		}
		if len(parts) != len(sources) {
			b.logger.Debug("Segment count mismatch, re-aligning",
				"chunk", ci, "want", len(sources), "got", len(parts))
		}
		for k, t := range align(parts, sources) {
			translated[ch.Pieces[k]] = t
		}
	}
	if outcome == nil {
		if kind, open := b.cfg.Breaker.Tripped(name); open {
			outcome = errors.NewServiceDegradedError(kind, name)
		}
	}

	for i, p := range pieces {
		if out[p.index] == "" {
			out[p.index] = translated[i]
		} else {
			out[p.index] += " " + translated[i]
		}
	}
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out, outcome
}

// translateChunk runs fail-over across the credential list
func (b *Batcher) translateChunk(ctx context.Context, text, targetLang string) (string, error) {
	name := b.cfg.Provider.Name()
	memoKey := ""
	if b.cfg.Memo != nil {
		sum := sha1.Sum([]byte(text))
		memoKey = fmt.Sprintf("tr:%s:%s:%s", name, targetLang, hex.EncodeToString(sum[:]))
		if v, ok := b.cfg.Memo.Get(ctx, memoKey); ok {
			return string(v), nil
		}
	}

	rpm := 0
	if rl, ok := b.cfg.Provider.(RateLimited); ok {
		rpm = rl.RPM()
	}

	if len(b.cfg.Keys) == 0 {
		return "", errors.NewAuthFailedError(name, fmt.Errorf("no API key configured"))
	}

	var lastErr error
	for ki, key := range b.cfg.Keys {
		for attempt := 1; attempt <= attemptsPerKey; attempt++ {
			if err := b.cfg.Scheduler.Wait(ctx, name, key, rpm); err != nil {
				return "", errors.NewAbortedError(err)
			}

			callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
			res, err := b.cfg.Provider.TranslateBatch(callCtx, text, targetLang, key)
			cancel()

			if err == nil && strings.TrimSpace(res) == "" {
				err = errors.NewMalformedResponseError(name, "empty output")
			}
			if err == nil {
				if memoKey != "" {
					b.cfg.Memo.Set(ctx, memoKey, []byte(res), b.cfg.MemoTTL)
				}
				return res, nil
			}
			if ctx.Err() != nil {
				return "", errors.NewAbortedError(ctx.Err())
			}

			lastErr = err
			code := classify(err)
			b.logger.Info("Provider call failed", "key", ki, "attempt", attempt, "code", code, "error", err)

			if errors.IsRetryable(code) && attempt < attemptsPerKey {
				if err := b.cfg.Clock.Sleep(ctx, b.cfg.RetryDelay*time.Duration(attempt)); err != nil {
					return "", errors.NewAbortedError(err)
				}
				continue
			}

			switch code {
			case errors.ErrorQuotaExceeded:
				b.cfg.Scheduler.Cooldown(key, errors.RetryAfterOf(err))
				if b.cfg.Breaker.Record(code, name) {
					b.logger.Error("Circuit opened", "kind", code)
				}
			case errors.ErrorAuthFailed:
				if b.cfg.Breaker.Record(code, name) {
					b.logger.Error("Circuit opened", "kind", code)
				}
			}
			break
		}
	}
	return "", lastErr
}

// passThrough returns the original text for every slot that survived sanitizing
func passThrough(texts, sanitized []string) []string {
	out := make([]string, len(texts))
	for i := range texts {
		if sanitized[i] != "" {
			out[i] = texts[i]
		}
	}
	return out
}
