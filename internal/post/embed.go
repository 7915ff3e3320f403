// Package post builds destination post records from a processed source item.
package post

import (
	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/media"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/thread"
)

// Kind orders embed variants by preference. A higher Kind wins.
type Kind int

const (
	KindNone Kind = iota
	KindLinkCard
	KindQuote
	KindImages
	KindImagesWithQuote
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindLinkCard:
		return "link-card"
	case KindQuote:
		return "quote"
	case KindImages:
		return "images"
	case KindImagesWithQuote:
		return "images+quote"
	case KindVideo:
		return "video"
	}
	return "none"
}

// LinkCard is the preview of an external page.
type LinkCard struct {
	URI         string
	Title       string
	Description string
	Thumb       *lexutil.LexBlob
}

// Embed is the attachment of the first chunk of an item. The zero value is
// the empty embed.
type Embed struct {
	kind   Kind
	images []media.UploadedImage
	video  *media.UploadedVideo
	quote  models.PostRef
	card   *LinkCard
}

func VideoEmbed(v media.UploadedVideo) Embed {
	return Embed{kind: KindVideo, video: &v}
}

func ImagesEmbed(images []media.UploadedImage) Embed {
	if len(images) == 0 {
		return Embed{}
	}
	return Embed{kind: KindImages, images: images}
}

func ImagesWithQuoteEmbed(images []media.UploadedImage, quote models.PostRef) Embed {
	if len(images) == 0 {
		return QuoteEmbed(quote)
	}
	return Embed{kind: KindImagesWithQuote, images: images, quote: quote}
}

func QuoteEmbed(quote models.PostRef) Embed {
	if quote.IsZero() {
		return Embed{}
	}
	return Embed{kind: KindQuote, quote: quote}
}

func LinkCardEmbed(card LinkCard) Embed {
	if card.URI == "" {
		return Embed{}
	}
	return Embed{kind: KindLinkCard, card: &card}
}

// Kind returns the variant of e.
func (e Embed) Kind() Kind { return e.kind }

// IsZero reports whether e carries nothing.
func (e Embed) IsZero() bool { return e.kind == KindNone }

// CarriesQuote reports whether e embeds the quoted post natively.
func (e Embed) CarriesQuote() bool {
	return e.kind == KindQuote || e.kind == KindImagesWithQuote
}

// Best returns the highest-ranked candidate. Ties keep the earlier one.
func Best(candidates ...Embed) Embed {
	var best Embed
	for _, c := range candidates {
		if c.kind > best.kind {
			best = c
		}
	}
	return best
}

// Choose builds every embed the item qualifies for and returns the best one,
// plus links that must be appended to the text because the chosen embed
// cannot carry them. snapshot is the uploaded quote snapshot, if any.
func Choose(res media.Result, snapshot *media.UploadedImage, quote thread.QuoteDecision, quoteURL string, card *LinkCard) (Embed, []string) {
	images := res.Images
	if snapshot != nil && res.HasImageRoom() {
		images = append(append([]media.UploadedImage(nil), images...), *snapshot)
	}

	var candidates []Embed
	if res.Video != nil {
		candidates = append(candidates, VideoEmbed(*res.Video))
	}
	if quote.Native != nil {
		candidates = append(candidates, ImagesWithQuoteEmbed(images, *quote.Native), QuoteEmbed(*quote.Native))
	}
	candidates = append(candidates, ImagesEmbed(images))
	if card != nil {
		candidates = append(candidates, LinkCardEmbed(*card))
	}
	best := Best(candidates...)

	var links []string
	links = append(links, res.FallbackLinks...)
	if quote.Native != nil && !best.CarriesQuote() && quoteURL != "" {
		links = append(links, quoteURL)
	}
	if snapshot != nil && !res.HasImageRoom() && quoteURL != "" {
		links = append(links, quoteURL)
	}
	if quote.Link != "" {
		links = append(links, quote.Link)
	}
	return best, links
}

// Lexicon converts e to the record embed union, or nil for the empty embed.
func (e Embed) Lexicon() *appbsky.FeedPost_Embed {
	switch e.kind {
	case KindVideo:
		return &appbsky.FeedPost_Embed{EmbedVideo: videoLexicon(e.video)}
	case KindImagesWithQuote:
		return &appbsky.FeedPost_Embed{EmbedRecordWithMedia: &appbsky.EmbedRecordWithMedia{
			LexiconTypeID: "app.bsky.embed.recordWithMedia",
			Media:         &appbsky.EmbedRecordWithMedia_Media{EmbedImages: imagesLexicon(e.images)},
			Record:        recordLexicon(e.quote),
		}}
	case KindImages:
		return &appbsky.FeedPost_Embed{EmbedImages: imagesLexicon(e.images)}
	case KindQuote:
		return &appbsky.FeedPost_Embed{EmbedRecord: recordLexicon(e.quote)}
	case KindLinkCard:
		return &appbsky.FeedPost_Embed{EmbedExternal: &appbsky.EmbedExternal{
			LexiconTypeID: "app.bsky.embed.external",
			External: &appbsky.EmbedExternal_External{
				Uri:         e.card.URI,
				Title:       e.card.Title,
				Description: e.card.Description,
				Thumb:       e.card.Thumb,
			},
		}}
	}
	return nil
}

func imagesLexicon(images []media.UploadedImage) *appbsky.EmbedImages {
	out := &appbsky.EmbedImages{LexiconTypeID: "app.bsky.embed.images"}
	for _, img := range images {
		out.Images = append(out.Images, &appbsky.EmbedImages_Image{
			Alt:         img.Alt,
			Image:       img.Blob,
			AspectRatio: aspectRatio(img.Width, img.Height),
		})
	}
	return out
}

func videoLexicon(v *media.UploadedVideo) *appbsky.EmbedVideo {
	out := &appbsky.EmbedVideo{
		LexiconTypeID: "app.bsky.embed.video",
		Video:         v.Blob,
		AspectRatio:   aspectRatio(v.Width, v.Height),
	}
	if v.Alt != "" {
		alt := v.Alt
		out.Alt = &alt
	}
	return out
}

func recordLexicon(ref models.PostRef) *appbsky.EmbedRecord {
	return &appbsky.EmbedRecord{
		LexiconTypeID: "app.bsky.embed.record",
		Record:        &comatproto.RepoStrongRef{Uri: ref.URI, Cid: ref.CID},
	}
}

func aspectRatio(w, h int64) *appbsky.EmbedDefs_AspectRatio {
	if w <= 0 || h <= 0 {
		return nil
	}
	return &appbsky.EmbedDefs_AspectRatio{Width: w, Height: h}
}
