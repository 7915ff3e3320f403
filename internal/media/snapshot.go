package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

const (
	cardWidth   = 600
	cardPadding = 16
	lineHeight  = 18
	maxLines    = 14
)

var (
	cardBackground = color.RGBA{0xff, 0xff, 0xff, 0xff}
	cardBorder     = color.RGBA{0xcf, 0xd9, 0xde, 0xff}
	cardAuthor     = color.RGBA{0x0f, 0x14, 0x19, 0xff}
	cardBody       = color.RGBA{0x36, 0x3f, 0x47, 0xff}
)

// CardRenderer draws a quoted item as a simple PNG card showing its author
// and text. It is the fallback when the quoted item has not been mirrored.
type CardRenderer struct {
	face font.Face
}

// NewCardRenderer returns a renderer using the built-in bitmap font.
func NewCardRenderer() *CardRenderer {
	return &CardRenderer{face: basicfont.Face7x13}
}

// Snapshot renders q and returns the PNG bytes and an alt text for them.
func (r *CardRenderer) Snapshot(ctx context.Context, q *models.QuotedItem) ([]byte, string, error) {
	if q == nil || strings.TrimSpace(q.Text) == "" {
		return nil, "", fmt.Errorf("nothing to render for quoted item")
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	advance := r.face.Metrics().Height.Ceil()
	if advance < lineHeight {
		advance = lineHeight
	}
	charWidth := font.MeasureString(r.face, "M").Ceil()
	cols := (cardWidth - 2*cardPadding) / charWidth

	lines := wrap(q.Text, cols)
	if len(lines) > maxLines {
		lines = append(lines[:maxLines-1], "…")
	}
	height := cardPadding*2 + advance*(len(lines)+2)

	img := image.NewRGBA(image.Rect(0, 0, cardWidth, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(cardBorder), image.Point{}, draw.Src)
	inner := image.Rect(1, 1, cardWidth-1, height-1)
	draw.Draw(img, inner, image.NewUniform(cardBackground), image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Face: r.face}
	y := cardPadding + advance
	d.Src = image.NewUniform(cardAuthor)
	d.Dot = fixed.P(cardPadding, y)
	d.DrawString("@" + strings.TrimPrefix(q.AuthorHandle, "@"))

	d.Src = image.NewUniform(cardBody)
	y += advance
	for _, line := range lines {
		y += advance
		d.Dot = fixed.P(cardPadding, y)
		d.DrawString(line)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("failed to encode quote card: %w", err)
	}
	alt := fmt.Sprintf("Quoted post by @%s: %s", strings.TrimPrefix(q.AuthorHandle, "@"), q.Text)
	return buf.Bytes(), truncateRunes(alt, MaxAltTextRunes), nil
}

// wrap breaks text into lines of at most cols runes, on word boundaries where
// possible. The bitmap font only covers ASCII; other runes render as boxes.
func wrap(text string, cols int) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		var cur []rune
		for _, w := range words {
			wr := []rune(w)
			for len(wr) > cols {
				if len(cur) > 0 {
					lines = append(lines, string(cur))
					cur = nil
				}
				lines = append(lines, string(wr[:cols]))
				wr = wr[cols:]
			}
			switch {
			case len(cur) == 0:
				cur = wr
			case len(cur)+1+len(wr) <= cols:
				cur = append(append(cur, ' '), wr...)
			default:
				lines = append(lines, string(cur))
				cur = wr
			}
		}
		if len(cur) > 0 {
			lines = append(lines, string(cur))
		}
	}
	return lines
}
