package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	lexutil "github.com/bluesky-social/indigo/lex/util"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/retry"
)

// maxSourceImageBytes caps image downloads before transcoding.
const maxSourceImageBytes = 32 << 20

// Limits are the destination's media ceilings.
type Limits struct {
	MaxImageBytes    int64
	MaxVideoBytes    int64
	MaxVideoDuration time.Duration
	MaxImages        int
}

// DefaultLimits returns the Bluesky ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxImageBytes:    1_000_000,
		MaxVideoBytes:    100 * 1024 * 1024,
		MaxVideoDuration: 180 * time.Second,
		MaxImages:        4,
	}
}

// Uploader stores media on the destination.
type Uploader interface {
	UploadBlob(ctx context.Context, data []byte, mimeType string) (*lexutil.LexBlob, error)
	UploadVideo(ctx context.Context, data []byte, filename string) (*lexutil.LexBlob, error)
}

// UploadedImage is an image blob with its presentation metadata.
type UploadedImage struct {
	Blob   *lexutil.LexBlob
	Alt    string
	Width  int64
	Height int64
}

// UploadedVideo is a processed video blob.
type UploadedVideo struct {
	Blob   *lexutil.LexBlob
	Alt    string
	Width  int64
	Height int64
}

// Result is the outcome of processing an item's attachments. FallbackLinks
// lists source URLs of media that could not be carried and should be appended
// to the post text.
type Result struct {
	Images        []UploadedImage
	Video         *UploadedVideo
	FallbackLinks []string
	// MaxImages is the image ceiling the result was built under.
	MaxImages int
}

// HasImageRoom reports whether one more image fits next to the processed media.
func (r Result) HasImageRoom() bool {
	limit := r.MaxImages
	if limit <= 0 {
		limit = DefaultLimits().MaxImages
	}
	return r.Video == nil && len(r.Images) < limit
}

// Processor turns media descriptors into destination blobs.
type Processor struct {
	fetcher   *Fetcher
	captioner Captioner
	limits    Limits
	retry     retry.Policy
}

// NewProcessor creates a Processor. captioner may be nil.
func NewProcessor(fetcher *Fetcher, captioner Captioner, limits Limits) *Processor {
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}
	if limits.MaxImages <= 0 {
		limits.MaxImages = 4
	}
	return &Processor{
		fetcher:   fetcher,
		captioner: captioner,
		limits:    limits,
		retry:     retry.Policy{Attempts: 3, Interval: 2 * time.Second},
	}
}

// WithFetcher returns a copy of p that downloads through f.
func (p *Processor) WithFetcher(f *Fetcher) *Processor {
	cp := *p
	cp.fetcher = f
	return &cp
}

// WithRetry returns a copy of p that retries transient fetch and upload
// failures under policy.
func (p *Processor) WithRetry(policy retry.Policy) *Processor {
	cp := *p
	cp.retry = policy
	return &cp
}

// Limits returns the ceilings p enforces.
func (p *Processor) Limits() Limits {
	return p.limits
}

// Process fetches, re-encodes and uploads the media of item. A failed
// attachment becomes a fallback link, except for transient failures that
// outlast the retries: those abort with the transient error so the whole item
// can be tried again later. The first video that uploads successfully wins.
// An account rejection stops uploads of that kind; it is returned alongside
// the result once every attachment has been handled.
func (p *Processor) Process(ctx context.Context, item *models.SourceItem, up Uploader) (Result, error) {
	res := Result{MaxImages: p.limits.MaxImages}
	var rejected error

	var videos, images []models.MediaDescriptor
	for _, m := range item.Media {
		if m.Kind == models.MediaVideo || m.Kind == models.MediaAnimated {
			videos = append(videos, m)
		} else {
			images = append(images, m)
		}
	}

	for _, d := range videos {
		if res.Video != nil {
			continue
		}
		if rejected != nil {
			res.FallbackLinks = append(res.FallbackLinks, linkFor(item, d))
			continue
		}
		v, err := p.processVideo(ctx, item, d, up)
		switch {
		case err == nil:
			res.Video = v
		case models.IsTransient(err) || ctx.Err() != nil:
			return res, fmt.Errorf("video of item %s: %w", item.ID, err)
		case errors.Is(err, models.ErrAccountRejected):
			logging.Error("Destination rejected video upload for item %s: %v", item.ID, err)
			rejected = err
			res.FallbackLinks = append(res.FallbackLinks, linkFor(item, d))
		default:
			logging.Warn("Video for item %s degraded to a link: %v", item.ID, err)
			res.FallbackLinks = append(res.FallbackLinks, linkFor(item, d))
		}
	}

	imagesRejected := false
	for _, d := range images {
		if imagesRejected || !res.HasImageRoom() {
			res.FallbackLinks = append(res.FallbackLinks, linkFor(item, d))
			continue
		}
		img, err := p.processImage(ctx, item, d, up)
		switch {
		case err == nil:
			res.Images = append(res.Images, *img)
		case models.IsTransient(err) || ctx.Err() != nil:
			return res, fmt.Errorf("image %s of item %s: %w", d.URL, item.ID, err)
		case errors.Is(err, models.ErrAccountRejected):
			logging.Error("Destination rejected image upload for item %s: %v", item.ID, err)
			rejected, imagesRejected = err, true
			res.FallbackLinks = append(res.FallbackLinks, linkFor(item, d))
		default:
			logging.Warn("Image %s of item %s degraded to a link: %v", d.URL, item.ID, err)
			res.FallbackLinks = append(res.FallbackLinks, linkFor(item, d))
		}
	}

	res.FallbackLinks = dedupe(res.FallbackLinks)
	return res, rejected
}

func (p *Processor) processImage(ctx context.Context, item *models.SourceItem, d models.MediaDescriptor, up Uploader) (*UploadedImage, error) {
	asset := &models.MediaAsset{SourceURL: d.URL, Ceiling: p.limits.MaxImageBytes}
	if err := p.fetchAsset(ctx, asset, maxSourceImageBytes); err != nil {
		return nil, err
	}
	alt := AltText(ctx, p.captioner, d.AltText, asset.Data, asset.ContentType, item.Text)
	return p.uploadAsset(ctx, asset, alt, up)
}

// UploadImage transcodes data to fit the image ceiling and uploads it.
func (p *Processor) UploadImage(ctx context.Context, data []byte, alt string, up Uploader) (*UploadedImage, error) {
	return p.uploadAsset(ctx, &models.MediaAsset{Data: data, Ceiling: p.limits.MaxImageBytes}, alt, up)
}

// UploadURL fetches the image at url and uploads it like an attachment.
func (p *Processor) UploadURL(ctx context.Context, url, alt string, up Uploader) (*UploadedImage, error) {
	asset := &models.MediaAsset{SourceURL: url, Ceiling: p.limits.MaxImageBytes}
	if err := p.fetchAsset(ctx, asset, maxSourceImageBytes); err != nil {
		return nil, err
	}
	return p.uploadAsset(ctx, asset, alt, up)
}

// fetchAsset downloads asset.SourceURL into the asset.
func (p *Processor) fetchAsset(ctx context.Context, asset *models.MediaAsset, maxBytes int64) error {
	return p.withRetry(ctx, "fetch "+asset.SourceURL, func() error {
		data, mime, err := p.fetcher.Fetch(ctx, asset.SourceURL, maxBytes)
		if err != nil {
			return err
		}
		asset.Data, asset.ContentType = data, mime
		return nil
	})
}

// uploadAsset transcodes the asset to its ceiling and uploads it.
func (p *Processor) uploadAsset(ctx context.Context, asset *models.MediaAsset, alt string, up Uploader) (*UploadedImage, error) {
	enc, err := TranscodeImage(asset.Data, asset.Ceiling)
	if err != nil {
		return nil, err
	}
	err = p.withRetry(ctx, "upload image", func() error {
		blob, err := up.UploadBlob(ctx, enc.Data, enc.ContentType)
		if err != nil {
			return fmt.Errorf("failed to upload image: %w", err)
		}
		asset.Blob = blob
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &UploadedImage{Blob: asset.Blob, Alt: alt, Width: int64(enc.Width), Height: int64(enc.Height)}, nil
}

// withRetry runs op under the processor's retry policy. Only transient
// failures are retried.
func (p *Processor) withRetry(ctx context.Context, what string, op func() error) error {
	return retry.Do(ctx, p.retry, models.IsTransient, func(attempt int) error {
		err := op()
		if err != nil && models.IsTransient(err) && attempt < p.retry.Attempts {
			logging.Warn("%s failed (attempt %d), retrying: %v", what, attempt, err)
		}
		return err
	})
}

func (p *Processor) processVideo(ctx context.Context, item *models.SourceItem, d models.MediaDescriptor, up Uploader) (*UploadedVideo, error) {
	variant, ok := SelectVideoVariant(d)
	if !ok {
		return nil, fmt.Errorf("no mp4 variant for %s", d.URL)
	}
	if err := CheckVideo(d, -1, p.limits); err != nil {
		return nil, err
	}
	size, err := p.fetcher.Size(ctx, variant.URL)
	if err != nil {
		logging.Debug("HEAD %s failed, relying on capped download: %v", variant.URL, err)
		size = -1
	}
	if err := CheckVideo(d, size, p.limits); err != nil {
		return nil, err
	}
	asset := &models.MediaAsset{SourceURL: variant.URL, Ceiling: p.limits.MaxVideoBytes}
	if err := p.fetchAsset(ctx, asset, asset.Ceiling); err != nil {
		return nil, err
	}

	err = p.withRetry(ctx, "upload video", func() error {
		blob, err := up.UploadVideo(ctx, asset.Data, videoFilename(item, variant.URL))
		if err != nil {
			return fmt.Errorf("failed to upload video: %w", err)
		}
		asset.Blob = blob
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &UploadedVideo{
		Blob:   asset.Blob,
		Alt:    strings.TrimSpace(d.AltText),
		Width:  d.Width,
		Height: d.Height,
	}, nil
}

func videoFilename(item *models.SourceItem, u string) string {
	name := path.Base(stripQuery(u))
	if name == "" || name == "." || name == "/" || !strings.HasSuffix(strings.ToLower(name), ".mp4") {
		name = item.ID + ".mp4"
	}
	return name
}

// linkFor picks the URL to show in place of an attachment.
func linkFor(item *models.SourceItem, d models.MediaDescriptor) string {
	switch {
	case d.PageURL != "":
		return d.PageURL
	case item.URL != "":
		return item.URL
	}
	return d.URL
}

func dedupe(links []string) []string {
	if len(links) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(links))
	out := links[:0]
	for _, l := range links {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
