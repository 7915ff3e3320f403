package post

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/media"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/thread"
)

var quoted = models.PostRef{URI: "at://did:plc:me/app.bsky.feed.post/q", CID: "bafyq"}

func img(alt string) media.UploadedImage {
	return media.UploadedImage{Blob: &lexutil.LexBlob{MimeType: "image/jpeg"}, Alt: alt, Width: 4, Height: 3}
}

func TestKindOrdering(t *testing.T) {
	assert.Less(t, KindNone, KindLinkCard)
	assert.Less(t, KindLinkCard, KindQuote)
	assert.Less(t, KindQuote, KindImages)
	assert.Less(t, KindImages, KindImagesWithQuote)
	assert.Less(t, KindImagesWithQuote, KindVideo)
}

func TestBest(t *testing.T) {
	card := LinkCardEmbed(LinkCard{URI: "https://example.com"})
	quote := QuoteEmbed(quoted)
	images := ImagesEmbed([]media.UploadedImage{img("a")})
	video := VideoEmbed(media.UploadedVideo{Blob: &lexutil.LexBlob{}})

	assert.Equal(t, KindVideo, Best(card, quote, images, video).Kind())
	assert.Equal(t, KindImages, Best(card, quote, images).Kind())
	assert.Equal(t, KindQuote, Best(card, quote).Kind())
	assert.True(t, Best().IsZero())
	assert.True(t, ImagesEmbed(nil).IsZero())
	assert.True(t, QuoteEmbed(models.PostRef{}).IsZero())
}

func TestChoose(t *testing.T) {
	res := media.Result{Images: []media.UploadedImage{img("a")}, FallbackLinks: []string{"https://src/1/photo/2"}}

	e, links := Choose(res, nil, thread.QuoteDecision{Native: &quoted}, "https://src/bob/9", nil)
	assert.Equal(t, KindImagesWithQuote, e.Kind())
	assert.Equal(t, []string{"https://src/1/photo/2"}, links)

	video := media.Result{Video: &media.UploadedVideo{Blob: &lexutil.LexBlob{}}}
	e, links = Choose(video, nil, thread.QuoteDecision{Native: &quoted}, "https://src/bob/9", nil)
	assert.Equal(t, KindVideo, e.Kind())
	assert.Equal(t, []string{"https://src/bob/9"}, links, "quote the video displaced becomes a link")

	snap := img("Quoted post")
	e, links = Choose(media.Result{}, &snap, thread.QuoteDecision{}, "https://src/bob/9", nil)
	assert.Equal(t, KindImages, e.Kind())
	assert.Empty(t, links)

	e, links = Choose(media.Result{}, nil, thread.QuoteDecision{Link: "https://src/bob/9"}, "https://src/bob/9", &LinkCard{URI: "https://example.com"})
	assert.Equal(t, KindLinkCard, e.Kind())
	assert.Equal(t, []string{"https://src/bob/9"}, links)
}

func TestLexicon(t *testing.T) {
	assert.Nil(t, Embed{}.Lexicon())

	lex := ImagesWithQuoteEmbed([]media.UploadedImage{img("a")}, quoted).Lexicon()
	require.NotNil(t, lex.EmbedRecordWithMedia)
	assert.Equal(t, quoted.URI, lex.EmbedRecordWithMedia.Record.Record.Uri)
	require.Len(t, lex.EmbedRecordWithMedia.Media.EmbedImages.Images, 1)
	assert.Equal(t, int64(4), lex.EmbedRecordWithMedia.Media.EmbedImages.Images[0].AspectRatio.Width)

	lex = VideoEmbed(media.UploadedVideo{Blob: &lexutil.LexBlob{}, Alt: "clip"}).Lexicon()
	require.NotNil(t, lex.EmbedVideo)
	assert.Equal(t, "clip", *lex.EmbedVideo.Alt)
	assert.Nil(t, lex.EmbedVideo.AspectRatio)

	lex = LinkCardEmbed(LinkCard{URI: "https://example.com", Title: "Example"}).Lexicon()
	require.NotNil(t, lex.EmbedExternal)
	assert.Equal(t, "Example", lex.EmbedExternal.External.Title)
}

func TestDetectLanguages(t *testing.T) {
	assert.Equal(t, []string{"en"}, DetectLanguages("The quick brown fox jumps over the lazy dog and keeps running far away", "de"))
	assert.Equal(t, []string{"de"}, DetectLanguages("ok", "de"))
	assert.Equal(t, []string{"en"}, DetectLanguages("", "not a tag!"))
}

type facetStub struct {
	calls []string
	err   error
}

func (f *facetStub) DetectFacets(_ context.Context, text string) ([]*appbsky.RichtextFacet, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	return []*appbsky.RichtextFacet{{}}, nil
}

func TestAssembleSplitsAndOrders(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	facets := &facetStub{}
	recs, err := Assemble(context.Background(), facets, Input{
		Text:      strings.Repeat("x", 900),
		CreatedAt: created,
		Embed:     ImagesEmbed([]media.UploadedImage{img("a")}),
		Limit:     300,
	})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "2024-05-01T10:00:00.000Z", recs[0].CreatedAt)
	assert.Equal(t, "2024-05-01T10:00:00.002Z", recs[2].CreatedAt)
	assert.NotNil(t, recs[0].Embed)
	assert.Nil(t, recs[1].Embed)
	assert.Nil(t, recs[2].Embed)
	assert.Len(t, facets.calls, 3, "facets are computed per chunk")
	for _, r := range recs {
		assert.Equal(t, FeedPostType, r.LexiconTypeID)
		assert.Len(t, r.Text, 300)
		assert.NotEmpty(t, r.Langs)
	}
}

func TestAssembleEmpty(t *testing.T) {
	recs, err := Assemble(context.Background(), nil, Input{Text: "   ", Limit: 300})
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = Assemble(context.Background(), nil, Input{Text: "", Limit: 300, Embed: QuoteEmbed(quoted)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "", recs[0].Text)
	assert.NotNil(t, recs[0].Embed.EmbedRecord)
}

func TestAssembleSurvivesFacetFailure(t *testing.T) {
	recs, err := Assemble(context.Background(), &facetStub{err: errors.New("resolver down")}, Input{Text: "hello", Limit: 300})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Facets)
}

func TestComposeText(t *testing.T) {
	assert.Equal(t, "body\n\nhttps://a\nhttps://b", ComposeText("body\n", []string{"https://a", "", "https://b"}))
	assert.Equal(t, "body https://a", ComposeText("body https://a", []string{"https://a"}))
	assert.Equal(t, "https://a", ComposeText("", []string{"https://a"}))

	recs := ReplyRef(quoted, models.PostRef{URI: "at://p", CID: "c"})
	assert.Equal(t, quoted.CID, recs.Root.Cid)
	assert.Equal(t, "at://p", recs.Parent.Uri)
}
