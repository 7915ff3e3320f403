package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/api"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/clock"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/database"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/media"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/retry"
)

const account = "alice.bsky.social"

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeFeed struct {
	items []models.SourceItem // newest first
}

func (f *fakeFeed) FetchRecent(_ context.Context, limit int) ([]models.SourceItem, error) {
	if limit > 0 && limit < len(f.items) {
		return f.items[:limit], nil
	}
	return f.items, nil
}

func (f *fakeFeed) FetchHistory(_ context.Context, limit int) iter.Seq2[models.SourceItem, error] {
	return func(yield func(models.SourceItem, error) bool) {
		for i, item := range f.items {
			if limit > 0 && i >= limit {
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (f *fakeFeed) SourceHosts() []string { return []string{"m.example"} }

// fakeDest records posts. fail, when set, is consulted on every Post call
// with the zero-based call number; failBlob likewise on every blob upload.
type fakeDest struct {
	mu        gosync.Mutex
	posts     []*appbsky.FeedPost
	refs      []models.PostRef
	calls     int
	blobs     int
	blobCalls int
	videos    int
	fail      func(call int, rec *appbsky.FeedPost) error
	failBlob  func(call int) error
}

func (d *fakeDest) Post(_ context.Context, rec *appbsky.FeedPost) (models.PostRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := d.calls
	d.calls++
	if d.fail != nil {
		if err := d.fail(call, rec); err != nil {
			return models.PostRef{}, err
		}
	}
	d.posts = append(d.posts, rec)
	n := len(d.posts)
	ref := models.PostRef{URI: fmt.Sprintf("at://did:plc:test/app.bsky.feed.post/%d", n), CID: fmt.Sprintf("cid-%d", n)}
	d.refs = append(d.refs, ref)
	return ref, nil
}

func (d *fakeDest) UploadBlob(_ context.Context, data []byte, mimeType string) (*lexutil.LexBlob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := d.blobCalls
	d.blobCalls++
	if d.failBlob != nil {
		if err := d.failBlob(call); err != nil {
			return nil, err
		}
	}
	d.blobs++
	c, err := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: 0x12, MhLength: -1}.Sum(data)
	if err != nil {
		return nil, err
	}
	return &lexutil.LexBlob{Ref: lexutil.LexLink(c), MimeType: mimeType, Size: int64(len(data))}, nil
}

func (d *fakeDest) UploadVideo(ctx context.Context, data []byte, _ string) (*lexutil.LexBlob, error) {
	d.mu.Lock()
	d.videos++
	d.mu.Unlock()
	return d.UploadBlob(ctx, data, "video/mp4")
}

func (d *fakeDest) DetectFacets(context.Context, string) ([]*appbsky.RichtextFacet, error) {
	return nil, nil
}

func (d *fakeDest) postCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.posts)
}

func newStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "deliveries.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// videoHost serves a video whose HEAD reports size bytes.
func videoHost(t *testing.T, size int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(size))
			w.WriteHeader(http.StatusOK)
			return
		}
		t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPipeline(t *testing.T, store Store, client *http.Client, clk clock.Clock) *Pipeline {
	t.Helper()
	if clk == nil {
		clk = clock.Real()
	}
	processor := media.NewProcessor(media.NewFetcher(client), nil, media.DefaultLimits())
	return NewPipeline(store, processor, nil, nil, clk, Options{
		GraphemeLimit: 300,
		PostRetry:     retry.Policy{Attempts: 3, Interval: time.Millisecond, Clock: clock.Real()},
		MediaRetry:    retry.Policy{Attempts: 3, Interval: time.Millisecond, Clock: clock.Real()},
	})
}

// imageHost serves a small PNG at every .png path, a short clip at every .mp4
// path and an OpenGraph page at /article whose image is /thumb.png.
func imageHost(t *testing.T) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	img := buf.Bytes()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".png"):
			w.Header().Set("Content-Type", "image/png")
			w.Write(img)
		case strings.HasSuffix(r.URL.Path, ".mp4"):
			w.Header().Set("Content-Type", "video/mp4")
			w.Header().Set("Content-Length", "1024")
			if r.Method == http.MethodGet {
				w.Write(make([]byte, 1024))
			}
		case r.URL.Path == "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, `<html><head>
<meta property="og:title" content="Tide tables">
<meta property="og:description" content="When the water comes in">
<meta property="og:image" content="%s/thumb.png">
</head><body></body></html>`, srv.URL)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func photoItem(id, text, imageURL string) models.SourceItem {
	it := item(id, text, 0)
	it.Media = []models.MediaDescriptor{{
		Kind:    models.MediaPhoto,
		URL:     imageURL,
		PageURL: "https://m.example/@alice/" + id + "/photo/1",
	}}
	return it
}

func target(feed FeedFetcher, dest Destination) Target {
	return Target{Account: account, SourceHandle: "alice", Feed: feed, Dest: dest}
}

func item(id, text string, offset time.Duration) models.SourceItem {
	return models.SourceItem{
		ID:           id,
		AuthorHandle: "alice",
		URL:          "https://m.example/@alice/" + id,
		Text:         text,
		CreatedAt:    t0.Add(offset),
	}
}

func newestFirst(items ...models.SourceItem) []models.SourceItem {
	out := make([]models.SourceItem, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out
}

func TestPipelineScenarios(t *testing.T) {
	store := newStore(t)
	video := videoHost(t, 120*1024*1024)
	dest := &fakeDest{}

	a := item("A", strings.Repeat("a", 200), 0)
	b := item("B", strings.TrimSpace(strings.Repeat("word ", 180)), time.Minute)
	c := item("C", "@bob that's right", 2*time.Minute)
	c.ReplyToID = "external-1"
	d := item("D", "watch this", 3*time.Minute)
	d.Media = []models.MediaDescriptor{{
		Kind:     models.MediaVideo,
		URL:      video.URL + "/clip.mp4",
		PageURL:  "https://m.example/@alice/D/video/1",
		Variants: []models.VideoVariant{{URL: video.URL + "/clip.mp4", ContentType: "video/mp4", Bitrate: 2_000_000}},
	}}
	e := item("E", "Look at this https://m.example/@alice/A", 4*time.Minute)
	e.Quote = &models.QuotedItem{ID: "A", AuthorHandle: "alice", URL: "https://m.example/@alice/A"}
	e.Links = []models.Link{{Short: "https://m.example/@alice/A", Resolved: "https://m.example/@alice/A"}}

	feed := &fakeFeed{items: newestFirst(a, b, c, d, e)}
	p := newPipeline(t, store, video.Client(), nil)

	stats, err := p.RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Migrated)
	assert.Equal(t, 1, stats.Skipped)
	require.Len(t, dest.posts, 1+3+1+1)

	recs, err := store.ListDeliveries(context.Background(), account)
	require.NoError(t, err)
	require.Len(t, recs, 5)

	// A: one post, root == head.
	assert.Equal(t, models.StatusMigrated, recs["A"].Status)
	assert.Equal(t, dest.refs[0], recs["A"].Head)
	assert.Equal(t, recs["A"].Head, recs["A"].Root)
	assert.Equal(t, a.Text, dest.posts[0].Text)
	assert.Nil(t, dest.posts[0].Reply)

	// B: three linked posts.
	bPosts := dest.posts[1:4]
	for i, fp := range bPosts {
		assert.LessOrEqual(t, len([]rune(fp.Text)), 300)
		if i == 0 {
			assert.Nil(t, fp.Reply)
			continue
		}
		require.NotNil(t, fp.Reply)
		assert.Equal(t, dest.refs[1].URI, fp.Reply.Root.Uri)
		assert.Equal(t, dest.refs[i].URI, fp.Reply.Parent.Uri)
	}
	assert.Equal(t, dest.refs[1], recs["B"].Root)
	assert.Equal(t, dest.refs[3], recs["B"].Head)

	// C: skipped, nothing posted.
	assert.Equal(t, models.StatusSkipped, recs["C"].Status)
	assert.True(t, recs["C"].Head.IsZero())

	// D: oversized video becomes a link.
	dPost := dest.posts[4]
	assert.Nil(t, dPost.Embed)
	assert.Contains(t, dPost.Text, "watch this")
	assert.Contains(t, dPost.Text, "https://m.example/@alice/D/video/1")
	assert.Zero(t, dest.videos)

	// E: native quote of A, no link text.
	ePost := dest.posts[5]
	require.NotNil(t, ePost.Embed)
	require.NotNil(t, ePost.Embed.EmbedRecord)
	assert.Equal(t, recs["A"].Head.URI, ePost.Embed.EmbedRecord.Record.Uri)
	assert.Equal(t, "Look at this", ePost.Text)

	// Timestamps follow the source, not the wall clock.
	assert.Equal(t, "2024-05-01T09:00:00.000Z", dest.posts[0].CreatedAt)
	assert.Equal(t, "2024-05-01T09:01:00.001Z", dest.posts[2].CreatedAt)
}

func TestPipelineIsIdempotent(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	feed := &fakeFeed{items: newestFirst(item("1", "first", 0), item("2", "second", time.Minute))}
	p := newPipeline(t, store, nil, nil)

	_, err := p.RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	require.Equal(t, 2, dest.postCount())

	stats, err := p.RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 2, dest.postCount())
	assert.Zero(t, stats.Pending)
}

func TestPipelinePostsOldestFirst(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	feed := &fakeFeed{items: newestFirst(item("1", "one", 0), item("2", "two", time.Minute), item("3", "three", 2*time.Minute))}

	_, err := newPipeline(t, store, nil, nil).RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	require.Len(t, dest.posts, 3)
	assert.Equal(t, "one", dest.posts[0].Text)
	assert.Equal(t, "two", dest.posts[1].Text)
	assert.Equal(t, "three", dest.posts[2].Text)
}

func TestPipelineRepliesToMirroredParent(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	parent := item("P", "parent post", 0)
	child := item("R", "a reply", time.Minute)
	child.ReplyToID = "P"
	feed := &fakeFeed{items: newestFirst(parent, child)}

	_, err := newPipeline(t, store, nil, nil).RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	require.Len(t, dest.posts, 2)
	require.NotNil(t, dest.posts[1].Reply)
	assert.Equal(t, dest.refs[0].URI, dest.posts[1].Reply.Parent.Uri)
	assert.Equal(t, dest.refs[0].URI, dest.posts[1].Reply.Root.Uri)

	rec, err := store.GetDelivery(context.Background(), "R", account)
	require.NoError(t, err)
	assert.Equal(t, dest.refs[0], rec.Root)
	assert.Equal(t, dest.refs[1], rec.Head)
}

func TestPipelineSkippedReplyStaysSkipped(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	child := item("R", "a reply", time.Minute)
	child.ReplyToID = "P"
	p := newPipeline(t, store, nil, nil)

	_, err := p.RunIncremental(context.Background(), target(&fakeFeed{items: []models.SourceItem{child}}, dest))
	require.NoError(t, err)
	assert.Zero(t, dest.postCount())

	// The parent arrives later; the child is not revisited.
	parent := item("P", "parent post", 0)
	_, err = p.RunIncremental(context.Background(), target(&fakeFeed{items: newestFirst(parent, child)}, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, dest.postCount())

	rec, err := store.GetDelivery(context.Background(), "R", account)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, rec.Status)
}

func TestPipelinePartialThreadFailure(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{fail: func(call int, _ *appbsky.FeedPost) error {
		if call >= 1 {
			return models.Transient(errors.New("connection reset"))
		}
		return nil
	}}
	long := item("L", strings.TrimSpace(strings.Repeat("word ", 180)), 0)
	feed := &fakeFeed{items: []models.SourceItem{long}}

	stats, err := newPipeline(t, store, nil, nil).RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Migrated)
	assert.Equal(t, 1+3, dest.calls, "first chunk, then three attempts at the second")

	rec, err := store.GetDelivery(context.Background(), "L", account)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusMigrated, rec.Status)
	assert.Equal(t, dest.refs[0], rec.Head)
	assert.Equal(t, dest.refs[0], rec.Root)
}

func TestPipelineDefersTransientFirstChunk(t *testing.T) {
	store := newStore(t)
	failing := true
	dest := &fakeDest{fail: func(int, *appbsky.FeedPost) error {
		if failing {
			return models.Transient(errors.New("timeout"))
		}
		return nil
	}}
	feed := &fakeFeed{items: []models.SourceItem{item("X", "hello", 0)}}
	p := newPipeline(t, store, nil, nil)

	stats, err := p.RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, 3, dest.calls)
	rec, err := store.GetDelivery(context.Background(), "X", account)
	require.NoError(t, err)
	assert.Nil(t, rec)

	failing = false
	stats, err = p.RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Migrated)
	assert.Equal(t, 1, dest.postCount())
}

func TestPipelineRecordsRejectedPostAsFailed(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{fail: func(int, *appbsky.FeedPost) error {
		return models.Rejected("AccountTakedown", nil)
	}}
	feed := &fakeFeed{items: newestFirst(item("X", "hello", 0), item("Y", "world", time.Minute))}
	p := newPipeline(t, store, nil, nil)

	stats, err := p.RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 2, dest.calls, "rejections are not retried")

	rec, err := store.GetDelivery(context.Background(), "X", account)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)

	_, err = p.RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 2, dest.calls, "failed items are not retried")
}

func TestPipelineSkipsEmptyItems(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	feed := &fakeFeed{items: []models.SourceItem{item("E", "   ", 0)}}

	stats, err := newPipeline(t, store, nil, nil).RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, dest.postCount())
}

func TestPipelineSelfQuoteIsSuppressed(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	q := item("Q", "see my old post https://m.example/@alice/OLD", 0)
	q.Quote = &models.QuotedItem{ID: "OLD", AuthorHandle: "alice", URL: "https://m.example/@alice/OLD"}

	_, err := newPipeline(t, store, nil, nil).RunIncremental(context.Background(), target(&fakeFeed{items: []models.SourceItem{q}}, dest))
	require.NoError(t, err)
	require.Len(t, dest.posts, 1)
	assert.Equal(t, "see my old post", dest.posts[0].Text)
	assert.Nil(t, dest.posts[0].Embed)
}

func TestPipelineQuoteOfOtherAuthorFallsBackToLink(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	q := item("Q", "interesting", 0)
	q.Quote = &models.QuotedItem{ID: "ELSE", AuthorHandle: "carol@other.example", URL: "https://other.example/@carol/1"}

	_, err := newPipeline(t, store, nil, nil).RunIncremental(context.Background(), target(&fakeFeed{items: []models.SourceItem{q}}, dest))
	require.NoError(t, err)
	require.Len(t, dest.posts, 1)
	assert.Contains(t, dest.posts[0].Text, "https://other.example/@carol/1")
}

func TestPipelineQuoteSnapshot(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	q := item("Q", "interesting", 0)
	q.Quote = &models.QuotedItem{ID: "ELSE", AuthorHandle: "carol@other.example", URL: "https://other.example/@carol/1", Text: "the original"}

	p := NewPipeline(store, nil, media.NewCardRenderer(), nil, clock.Real(), Options{})
	_, err := p.RunIncremental(context.Background(), target(&fakeFeed{items: []models.SourceItem{q}}, dest))
	require.NoError(t, err)
	require.Len(t, dest.posts, 1)
	require.NotNil(t, dest.posts[0].Embed)
	require.NotNil(t, dest.posts[0].Embed.EmbedImages)
	assert.Len(t, dest.posts[0].Embed.EmbedImages.Images, 1)
	assert.NotContains(t, dest.posts[0].Text, "https://other.example/@carol/1")
	assert.Equal(t, 1, dest.blobs)
}

func TestPipelineAdoptsLegacyRows(t *testing.T) {
	store := newStore(t)
	// Rows written before the destination account was tracked.
	_, err := store.ExecContext(context.Background(), `INSERT INTO deliveries
		(source_id, destination_account, source_handle, status, head_uri, head_cid)
		VALUES ('OLD', '', 'alice', 'migrated', 'at://did:plc:test/app.bsky.feed.post/old', 'cid-old');`)
	require.NoError(t, err)

	dest := &fakeDest{}
	feed := &fakeFeed{items: newestFirst(item("OLD", "already mirrored", 0), item("NEW", "new", time.Minute))}

	stats, err := newPipeline(t, store, nil, nil).RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, dest.postCount())
	assert.Equal(t, "new", dest.posts[0].Text)

	rec, err := store.GetDelivery(context.Background(), "OLD", account)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "cid-old", rec.Head.CID)
}

func TestPipelineBackfill(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	var items []models.SourceItem
	for i := 0; i < 5; i++ {
		items = append(items, item(fmt.Sprint(i), fmt.Sprintf("post %d", i), time.Duration(i)*time.Minute))
	}
	feed := &fakeFeed{items: newestFirst(items...)}
	p := newPipeline(t, store, nil, nil)

	var progress []Progress
	tgt := target(feed, dest)
	tgt.OnProgress = func(pr Progress) { progress = append(progress, pr) }

	stats, err := p.RunBackfill(context.Background(), tgt, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 3, stats.Migrated)
	require.Len(t, dest.posts, 3)
	assert.Equal(t, "post 2", dest.posts[0].Text, "the three newest, oldest first")
	require.NotEmpty(t, progress)
	assert.Equal(t, "backfill", progress[0].Mode)
	assert.Equal(t, 3, progress[len(progress)-1].Processed)
}

func TestPipelineBackfillCancel(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	feed := &fakeFeed{items: newestFirst(item("1", "one", 0), item("2", "two", time.Minute), item("3", "three", 2*time.Minute))}

	stats, err := newPipeline(t, store, nil, nil).RunBackfill(context.Background(), target(feed, dest), 0, func() bool {
		return dest.postCount() >= 1
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Migrated)
	assert.Equal(t, 1, dest.postCount())
}

func TestPipelinePacesOnClock(t *testing.T) {
	store := newStore(t)
	dest := &fakeDest{}
	feed := &fakeFeed{items: newestFirst(item("1", "one", 0), item("2", "two", time.Minute))}
	clk := clock.Fake(t0)
	p := NewPipeline(store, nil, nil, nil, clk, Options{
		PaceIncremental: 10 * time.Second,
		PostRetry:       retry.Policy{Attempts: 1},
	})

	done := make(chan error, 1)
	go func() {
		_, err := p.RunIncremental(context.Background(), target(feed, dest))
		done <- err
	}()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, dest.postCount())

	clk.Advance(15 * time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, 2, dest.postCount())
}

func TestPipelineRetriesTransientMediaUpload(t *testing.T) {
	store := newStore(t)
	host := imageHost(t)
	dest := &fakeDest{failBlob: func(call int) error {
		if call == 0 {
			return models.Transient(errors.New("503 upstream"))
		}
		return nil
	}}
	feed := &fakeFeed{items: []models.SourceItem{photoItem("P", "photo", host.URL+"/p.png")}}

	stats, err := newPipeline(t, store, host.Client(), nil).RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Migrated)
	assert.Equal(t, 2, dest.blobCalls)
	require.Len(t, dest.posts, 1)
	require.NotNil(t, dest.posts[0].Embed)
	require.NotNil(t, dest.posts[0].Embed.EmbedImages)
	assert.Len(t, dest.posts[0].Embed.EmbedImages.Images, 1)
	assert.Equal(t, "photo", dest.posts[0].Text)
}

func TestPipelineDefersItemWhileMediaIsUnavailable(t *testing.T) {
	store := newStore(t)
	host := imageHost(t)
	failing := true
	dest := &fakeDest{failBlob: func(int) error {
		if failing {
			return models.Transient(errors.New("503 upstream"))
		}
		return nil
	}}
	feed := &fakeFeed{items: []models.SourceItem{photoItem("P", "photo", host.URL+"/p.png")}}
	p := newPipeline(t, store, host.Client(), nil)

	stats, err := p.RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, 3, dest.blobCalls)
	assert.Zero(t, dest.postCount())
	rec, err := store.GetDelivery(context.Background(), "P", account)
	require.NoError(t, err)
	assert.Nil(t, rec, "a deferred item leaves no record")

	failing = false
	stats, err = p.RunIncremental(context.Background(), target(feed, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Migrated)
	require.Len(t, dest.posts, 1)
	require.NotNil(t, dest.posts[0].Embed)
	assert.NotNil(t, dest.posts[0].Embed.EmbedImages)
}

func TestPipelineKeepsPhotosWhenVideoIsRejected(t *testing.T) {
	store := newStore(t)
	host := imageHost(t)
	dest := &fakeDest{}
	rejecting := &videoRejectingDest{fakeDest: dest}

	it := photoItem("M", "both", host.URL+"/p.png")
	it.Media = append(it.Media, models.MediaDescriptor{
		Kind:     models.MediaVideo,
		URL:      host.URL + "/clip.mp4",
		PageURL:  "https://m.example/@alice/M/video/1",
		Variants: []models.VideoVariant{{URL: host.URL + "/clip.mp4", ContentType: "video/mp4"}},
	})
	feed := &fakeFeed{items: []models.SourceItem{it}}

	stats, err := newPipeline(t, store, host.Client(), nil).RunIncremental(context.Background(), target(feed, rejecting))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Migrated)
	require.Len(t, dest.posts, 1)
	require.NotNil(t, dest.posts[0].Embed)
	require.NotNil(t, dest.posts[0].Embed.EmbedImages)
	assert.Len(t, dest.posts[0].Embed.EmbedImages.Images, 1)
	assert.Contains(t, dest.posts[0].Text, "https://m.example/@alice/M/video/1")
}

// videoRejectingDest refuses video uploads the way an unverified account does.
type videoRejectingDest struct {
	*fakeDest
}

func (d *videoRejectingDest) UploadVideo(context.Context, []byte, string) (*lexutil.LexBlob, error) {
	return nil, models.Rejected("account not verified", nil)
}

func TestPipelineAddsLinkCard(t *testing.T) {
	store := newStore(t)
	host := imageHost(t)
	dest := &fakeDest{}
	article := host.URL + "/article"
	it := item("L", "reading "+article, 0)
	it.Links = []models.Link{{Short: article, Resolved: article}}

	processor := media.NewProcessor(media.NewFetcher(host.Client()), nil, media.DefaultLimits())
	p := NewPipeline(store, processor, nil, api.NewLinkCardFetcher(host.Client()), clock.Real(), Options{})
	_, err := p.RunIncremental(context.Background(), target(&fakeFeed{items: []models.SourceItem{it}}, dest))
	require.NoError(t, err)

	require.Len(t, dest.posts, 1)
	require.NotNil(t, dest.posts[0].Embed)
	ext := dest.posts[0].Embed.EmbedExternal
	require.NotNil(t, ext)
	assert.Equal(t, article, ext.External.Uri)
	assert.Equal(t, "Tide tables", ext.External.Title)
	assert.Equal(t, "When the water comes in", ext.External.Description)
	assert.NotNil(t, ext.External.Thumb)
	assert.Equal(t, 1, dest.blobs)
}

func TestPipelineOmitsUnavailableLinkCard(t *testing.T) {
	store := newStore(t)
	host := imageHost(t)
	dest := &fakeDest{}
	missing := host.URL + "/gone"
	it := item("L", "reading "+missing, 0)
	it.Links = []models.Link{{Short: missing, Resolved: missing}}

	p := NewPipeline(store, nil, nil, api.NewLinkCardFetcher(host.Client()), clock.Real(), Options{})
	stats, err := p.RunIncremental(context.Background(), target(&fakeFeed{items: []models.SourceItem{it}}, dest))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Migrated)
	require.Len(t, dest.posts, 1)
	assert.Nil(t, dest.posts[0].Embed)
	assert.Zero(t, dest.blobs)
}
