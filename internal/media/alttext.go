package media

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
)

const (
	// MaxAltTextRunes bounds generated descriptions.
	MaxAltTextRunes = 1000
	// PlaceholderAlt is used when no description is available.
	PlaceholderAlt = "Image"
)

// Captioner generates a description of an image. contextText is the source
// item's unmodified text.
type Captioner interface {
	Describe(ctx context.Context, image []byte, mimeType, contextText string) (string, error)
}

// AltText returns sourceAlt when it is set. Otherwise it asks captioner (which
// may be nil) for a description. Caption failures fall back to PlaceholderAlt.
func AltText(ctx context.Context, captioner Captioner, sourceAlt string, image []byte, mimeType, contextText string) string {
	if alt := strings.TrimSpace(sourceAlt); alt != "" {
		return alt
	}
	if captioner == nil {
		return PlaceholderAlt
	}
	alt, err := captioner.Describe(ctx, image, mimeType, contextText)
	if err != nil {
		logging.Warn("Caption generation failed, using placeholder: %v", err)
		return PlaceholderAlt
	}
	alt = strings.TrimSpace(alt)
	if alt == "" {
		return PlaceholderAlt
	}
	return truncateRunes(alt, MaxAltTextRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
