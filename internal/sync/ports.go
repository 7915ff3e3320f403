package sync

import (
	"context"
	"iter"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/api"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/config"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

// FeedFetcher reads items from the source feed, newest first.
type FeedFetcher interface {
	FetchRecent(ctx context.Context, limit int) ([]models.SourceItem, error)
	// FetchHistory pages back through the feed lazily. limit 0 means everything.
	FetchHistory(ctx context.Context, limit int) iter.Seq2[models.SourceItem, error]
}

// SourceHoster is implemented by fetchers that know which hosts belong to the
// source platform. Links to those hosts never become link cards.
type SourceHoster interface {
	SourceHosts() []string
}

// MediaAuthorizer is implemented by fetchers whose media downloads need the
// source account's token.
type MediaAuthorizer interface {
	MediaAccessToken() string
}

// Destination is the platform items are mirrored to.
type Destination interface {
	Post(ctx context.Context, rec *appbsky.FeedPost) (models.PostRef, error)
	UploadBlob(ctx context.Context, data []byte, mimeType string) (*lexutil.LexBlob, error)
	UploadVideo(ctx context.Context, data []byte, filename string) (*lexutil.LexBlob, error)
	DetectFacets(ctx context.Context, text string) ([]*appbsky.RichtextFacet, error)
}

// Store is the delivery store as the pipeline uses it.
type Store interface {
	ListDeliveries(ctx context.Context, account string) (map[string]*models.DeliveryRecord, error)
	PutDelivery(ctx context.Context, rec *models.DeliveryRecord) error
	AdoptUnassignedDeliveries(ctx context.Context, sourceHandle, account string) (int64, error)
}

// LinkPreviewer reads the preview metadata of an external page.
type LinkPreviewer interface {
	Fetch(ctx context.Context, url string) (*api.LinkMeta, error)
}

// Connector opens the source feed and destination of an account mapping.
type Connector interface {
	Connect(ctx context.Context, m config.AccountMapping) (FeedFetcher, Destination, error)
}
