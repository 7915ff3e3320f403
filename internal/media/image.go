package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // decoder
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decoder
)

// ErrTranscodeFailed is returned when no encoding candidate fits the ceiling.
var ErrTranscodeFailed = errors.New("image transcode failed")

// Encoded is an image ready for upload.
type Encoded struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

type rung struct {
	width   int
	quality int // 0 selects PNG
}

const maxTranscodeAttempts = 8

var (
	// Tried in order for images with transparency; JPEG rungs use a white matte.
	alphaLadder = []rung{{2000, 0}, {1280, 0}, {800, 0}, {2000, 85}, {1600, 80}, {1280, 72}, {1024, 65}, {800, 55}}
	// Tried in order for opaque images.
	opaqueLadder = []rung{{2000, 90}, {1600, 85}, {1280, 80}, {1024, 72}, {800, 65}, {640, 55}}
)

var passThroughFormats = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
}

// TranscodeImage returns data unchanged when it is no larger than ceiling and
// in a format the destination accepts. Otherwise it decodes the image and
// walks a ladder of decreasing (width, quality) candidates, returning the first
// one that fits. Images with transparency try lossless PNG before JPEG. Images
// are never upscaled.
func TranscodeImage(data []byte, ceiling int64) (*Encoded, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: unrecognised image: %w", ErrTranscodeFailed, err)
	}
	if mime, ok := passThroughFormats[format]; ok && int64(len(data)) <= ceiling {
		return &Encoded{Data: data, ContentType: mime, Width: cfg.Width, Height: cfg.Height}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrTranscodeFailed, format, err)
	}

	ladder := opaqueLadder
	if hasAlpha(img) {
		ladder = alphaLadder
	}
	if len(ladder) > maxTranscodeAttempts {
		ladder = ladder[:maxTranscodeAttempts]
	}

	var last int
	for _, r := range ladder {
		candidate := resize(img, r.width)
		var buf bytes.Buffer
		mime := "image/jpeg"
		if r.quality == 0 {
			mime = "image/png"
			enc := png.Encoder{CompressionLevel: png.BestCompression}
			err = enc.Encode(&buf, candidate)
		} else {
			err = jpeg.Encode(&buf, flatten(candidate), &jpeg.Options{Quality: r.quality})
		}
		if err != nil {
			return nil, fmt.Errorf("%w: encode: %w", ErrTranscodeFailed, err)
		}
		last = buf.Len()
		if int64(buf.Len()) <= ceiling {
			b := candidate.Bounds()
			return &Encoded{Data: buf.Bytes(), ContentType: mime, Width: b.Dx(), Height: b.Dy()}, nil
		}
	}
	return nil, fmt.Errorf("%w: smallest candidate %d bytes, ceiling %d", ErrTranscodeFailed, last, ceiling)
}

// resize scales img down to width, keeping the aspect ratio.
func resize(img image.Image, width int) image.Image {
	b := img.Bounds()
	if b.Dx() <= width {
		return img
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// flatten composites img over white.
func flatten(img image.Image) image.Image {
	if !hasAlpha(img) {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return true
}
