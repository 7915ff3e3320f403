package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

const videoMP4 = "video/mp4"

// SelectVideoVariant returns the highest-bitrate mp4 encoding of d. A
// descriptor without variants falls back to its own URL when it looks like an
// mp4. ok is false when no usable encoding exists.
func SelectVideoVariant(d models.MediaDescriptor) (v models.VideoVariant, ok bool) {
	for _, cand := range d.Variants {
		if !strings.EqualFold(cand.ContentType, videoMP4) || cand.URL == "" {
			continue
		}
		if !ok || cand.Bitrate > v.Bitrate {
			v, ok = cand, true
		}
	}
	if ok {
		return v, true
	}
	if d.URL != "" && strings.HasSuffix(strings.ToLower(stripQuery(d.URL)), ".mp4") {
		return models.VideoVariant{URL: d.URL, ContentType: videoMP4}, true
	}
	return models.VideoVariant{}, false
}

// CheckVideo enforces the duration and byte ceilings. size < 0 means unknown
// and is not checked here; the capped download catches it later.
func CheckVideo(d models.MediaDescriptor, size int64, limits Limits) error {
	if limits.MaxVideoDuration > 0 && d.Duration > limits.MaxVideoDuration {
		return fmt.Errorf("%w: %s > %s", models.ErrMediaTooLong, d.Duration.Round(time.Second), limits.MaxVideoDuration)
	}
	if limits.MaxVideoBytes > 0 && size > limits.MaxVideoBytes {
		return fmt.Errorf("%w: %d bytes > %d", models.ErrMediaTooLarge, size, limits.MaxVideoBytes)
	}
	return nil
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
