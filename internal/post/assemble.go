package post

import (
	"context"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/segment"
)

// FeedPostType is the record collection and $type of posts.
const FeedPostType = "app.bsky.feed.post"

// createdAtLayout is the timestamp format the destination indexes.
const createdAtLayout = "2006-01-02T15:04:05.000Z"

// FacetDetector finds rich-text facets in text. Offsets are byte offsets into text.
type FacetDetector interface {
	DetectFacets(ctx context.Context, text string) ([]*appbsky.RichtextFacet, error)
}

// Input is everything needed to build the records of one item.
type Input struct {
	Text            string
	CreatedAt       time.Time
	Embed           Embed
	Limit           int
	DefaultLanguage string
}

// ComposeText appends links, one per line, to body.
func ComposeText(body string, links []string) string {
	var kept []string
	for _, l := range links {
		if l != "" && !strings.Contains(body, l) {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		return body
	}
	if strings.TrimSpace(body) == "" {
		return strings.Join(kept, "\n")
	}
	return strings.TrimRight(body, " \t\n") + "\n\n" + strings.Join(kept, "\n")
}

// Assemble returns one record per non-empty chunk of in.Text, in posting
// order. The embed goes on the first record only. Timestamps follow the
// source item, one millisecond apart, so the chunks sort in order. Reply
// linkage is left to the caller since it depends on refs of posted chunks.
// An item with no text and no embed yields no records.
func Assemble(ctx context.Context, facets FacetDetector, in Input) ([]*appbsky.FeedPost, error) {
	var texts []string
	for _, c := range segment.Split(in.Text, in.Limit) {
		if t := c.Text(); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		if in.Embed.IsZero() {
			return nil, nil
		}
		texts = []string{""}
	}

	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	records := make([]*appbsky.FeedPost, 0, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := &appbsky.FeedPost{
			LexiconTypeID: FeedPostType,
			Text:          text,
			CreatedAt:     created.Add(time.Duration(i) * time.Millisecond).UTC().Format(createdAtLayout),
			Langs:         DetectLanguages(text, in.DefaultLanguage),
		}
		if text != "" && facets != nil {
			f, err := facets.DetectFacets(ctx, text)
			if err != nil {
				logging.Warn("Failed to detect facets: %v", err)
			}
			rec.Facets = f
		}
		if i == 0 {
			rec.Embed = in.Embed.Lexicon()
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReplyRef builds the reply linkage of a record.
func ReplyRef(root, parent models.PostRef) *appbsky.FeedPost_ReplyRef {
	return &appbsky.FeedPost_ReplyRef{
		Root:   &comatproto.RepoStrongRef{Uri: root.URI, Cid: root.CID},
		Parent: &comatproto.RepoStrongRef{Uri: parent.URI, Cid: parent.CID},
	}
}
