package translate

import (
	"regexp"
	"unicode"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
)

// DefaultNoisePattern drops watermarks, URLs and publisher credit lines before
// they reach a provider. It repeats the credit terms of
// cluster.DefaultNoisePattern except 责编 and adds URL and watermark terms.
var DefaultNoisePattern = regexp.MustCompile(`(?i)(ACLOUD|chapter|episode|creative|chief|producer|executive|mount\s*heng|https?://|www\.|公众号|微博|出品|制作|监制|章|话|卷|广告|\.com|\.co|\.gy)`)

// Sanitize normalizes each segment and blanks the ones that must not be sent
// to a provider. The result has the same length as segments. A nil noise
// pattern disables noise stripping.
func Sanitize(segments []string, noise *regexp.Regexp) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		t := cluster.NormalizeText(s)
		if t == "" {
			continue
		}
		if noise != nil && noise.MatchString(t) {
			continue
		}
		if !hasLetterOrDigit(t) {
			continue
		}
		out[i] = t
	}
	return out
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
