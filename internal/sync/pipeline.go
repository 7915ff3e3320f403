// Package sync mirrors the items of one source feed into one destination
// account: it filters out what is already delivered, resolves threads and
// quotes, converts media, posts the text in chunks and records each outcome.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/clock"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/media"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/metrics"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/post"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/retry"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/thread"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/transform"
)

// Options tune a Pipeline. Zero limits fall back to DefaultOptions; zero
// paces turn pacing off.
type Options struct {
	GraphemeLimit   int
	FetchLimit      int
	PaceIncremental time.Duration
	PaceBackfill    time.Duration
	// Jitter spreads each pace by up to this fraction in either direction.
	Jitter          float64
	DefaultLanguage string
	// PostRetry bounds attempts per chunk. Only transient failures are retried.
	PostRetry retry.Policy
	// MediaRetry bounds attempts per media fetch and upload.
	MediaRetry retry.Policy
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		GraphemeLimit:   300,
		FetchLimit:      20,
		PaceIncremental: 5 * time.Second,
		PaceBackfill:    15 * time.Second,
		Jitter:          0.2,
		DefaultLanguage: "en",
		PostRetry:       retry.Policy{Attempts: 3, Interval: 2 * time.Second},
		MediaRetry:      retry.Policy{Attempts: 3, Interval: 2 * time.Second},
	}
}

// Target is one account mapping, connected.
type Target struct {
	Account      string
	SourceHandle string
	Feed         FeedFetcher
	Dest         Destination
	// OnProgress, if set, is called before each item is handled.
	OnProgress func(Progress)
}

// Progress reports how far a run has come.
type Progress struct {
	Account   string `json:"account"`
	Mode      string `json:"mode"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Current   string `json:"current,omitempty"`
}

// Stats summarises a run.
type Stats struct {
	Fetched  int `json:"fetched"`
	Pending  int `json:"pending"`
	Migrated int `json:"migrated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
}

func (s Stats) String() string {
	return fmt.Sprintf("fetched=%d pending=%d migrated=%d skipped=%d failed=%d deferred=%d",
		s.Fetched, s.Pending, s.Migrated, s.Skipped, s.Failed, s.Deferred)
}

type outcome int

const (
	outcomeMigrated outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeDeferred
)

// Pipeline runs sync passes. One Pipeline serves every account; a Target is
// only ever run by one task at a time.
type Pipeline struct {
	store       Store
	media       *media.Processor
	snapshots   thread.Snapshotter
	cards       LinkPreviewer
	transformer *transform.Transformer
	clock       clock.Clock
	opts        Options
}

// NewPipeline creates a Pipeline. snapshots and cards may be nil, which turns
// off quote snapshots and link cards.
func NewPipeline(store Store, processor *media.Processor, snapshots thread.Snapshotter, cards LinkPreviewer, clk clock.Clock, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.GraphemeLimit <= 0 {
		opts.GraphemeLimit = def.GraphemeLimit
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = def.FetchLimit
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = def.DefaultLanguage
	}
	if opts.PostRetry.Attempts <= 0 {
		opts.PostRetry.Attempts = def.PostRetry.Attempts
	}
	if clk == nil {
		clk = clock.Real()
	}
	if opts.PostRetry.Clock == nil {
		opts.PostRetry.Clock = clk
	}
	if opts.MediaRetry.Attempts <= 0 {
		opts.MediaRetry = def.MediaRetry
	}
	if opts.MediaRetry.Clock == nil {
		opts.MediaRetry.Clock = clk
	}
	if processor == nil {
		processor = media.NewProcessor(nil, nil, media.DefaultLimits())
	}
	processor = processor.WithRetry(opts.MediaRetry)
	return &Pipeline{
		store:       store,
		media:       processor,
		snapshots:   snapshots,
		cards:       cards,
		transformer: transform.NewTransformer(),
		clock:       clk,
		opts:        opts,
	}
}

// RunIncremental mirrors the newest items of the feed that are not yet
// delivered.
func (p *Pipeline) RunIncremental(ctx context.Context, t Target) (Stats, error) {
	items, err := t.Feed.FetchRecent(ctx, p.opts.FetchLimit)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to fetch recent items for %s: %w", t.Account, err)
	}
	return p.run(ctx, t, "incremental", items, p.opts.PaceIncremental, nil)
}

// RunBackfill mirrors up to limit items of the feed's history (0 = all).
// cancelled is polled while reading the history and between items; a
// cancelled backfill stops cleanly with what it has delivered so far.
func (p *Pipeline) RunBackfill(ctx context.Context, t Target, limit int, cancelled func() bool) (Stats, error) {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	var items []models.SourceItem
	for item, err := range t.Feed.FetchHistory(ctx, limit) {
		if err != nil {
			if len(items) == 0 {
				return Stats{}, fmt.Errorf("failed to fetch history for %s: %w", t.Account, err)
			}
			logging.Warn("History of %s ended early after %d items: %v", t.Account, len(items), err)
			break
		}
		if cancelled() {
			logging.Info("Backfill of %s cancelled while reading history", t.Account)
			return Stats{Fetched: len(items)}, nil
		}
		items = append(items, item)
	}
	return p.run(ctx, t, "backfill", items, p.opts.PaceBackfill, cancelled)
}

// run takes a newest-first batch through the pipeline.
func (p *Pipeline) run(ctx context.Context, t Target, mode string, items []models.SourceItem, pace time.Duration, cancelled func() bool) (Stats, error) {
	stats := Stats{Fetched: len(items)}

	// LOAD_STATE
	if t.SourceHandle != "" {
		if n, err := p.store.AdoptUnassignedDeliveries(ctx, t.SourceHandle, t.Account); err != nil {
			logging.Warn("Failed to adopt legacy deliveries for %s: %v", t.Account, err)
		} else if n > 0 {
			logging.Info("Adopted %d legacy deliveries of %s into %s", n, t.SourceHandle, t.Account)
		}
	}
	records, err := p.store.ListDeliveries(ctx, t.Account)
	if err != nil {
		return stats, fmt.Errorf("failed to load deliveries for %s: %w", t.Account, err)
	}

	// FILTER
	pending := make([]models.SourceItem, 0, len(items))
	for _, item := range items {
		if _, done := records[item.ID]; done || item.ID == "" {
			continue
		}
		pending = append(pending, item)
	}
	slices.Reverse(pending)
	stats.Pending = len(pending)
	if len(pending) == 0 {
		logging.Debug("No new items for %s (%s)", t.Account, mode)
		return stats, nil
	}
	logging.Info("Processing %d new items for %s (%s)", len(pending), t.Account, mode)

	lookup := thread.MapLookup(records)
	var hosts []string
	if sh, ok := t.Feed.(SourceHoster); ok {
		hosts = sh.SourceHosts()
	}
	proc := p.media
	if ma, ok := t.Feed.(MediaAuthorizer); ok {
		if token := ma.MediaAccessToken(); token != "" {
			proc = p.media.WithFetcher(media.NewAuthenticatedFetcher(ctx, token))
		}
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if cancelled != nil && cancelled() {
			logging.Info("Backfill of %s cancelled after %d of %d items", t.Account, i, len(pending))
			return stats, nil
		}
		item := &pending[i]
		if t.OnProgress != nil {
			t.OnProgress(Progress{Account: t.Account, Mode: mode, Processed: i, Total: len(pending), Current: item.ID})
		}

		out, wrote, err := p.handleItem(ctx, t, proc, item, records, lookup, hosts)
		if err != nil {
			logging.Error("Item %s for %s: %v", item.ID, t.Account, err)
		}
		switch out {
		case outcomeMigrated:
			stats.Migrated++
		case outcomeSkipped:
			stats.Skipped++
		case outcomeFailed:
			stats.Failed++
		case outcomeDeferred:
			stats.Deferred++
			metrics.DeferredItemsTotal.WithLabelValues(t.Account).Inc()
		}

		// PACE
		if wrote && i < len(pending)-1 {
			if err := p.pace(ctx, pace); err != nil {
				return stats, err
			}
		}
	}
	if t.OnProgress != nil {
		t.OnProgress(Progress{Account: t.Account, Mode: mode, Processed: len(pending), Total: len(pending)})
	}
	logging.Info("Finished %s pass for %s: %s", mode, t.Account, stats)
	return stats, nil
}

// handleItem takes one item from RESOLVE_THREAD to PERSIST. wrote reports
// whether the destination was written to, which is what pacing is for.
func (p *Pipeline) handleItem(ctx context.Context, t Target, proc *media.Processor, item *models.SourceItem, records map[string]*models.DeliveryRecord, lookup thread.Lookup, hosts []string) (outcome, bool, error) {
	// RESOLVE_THREAD
	decision := thread.ResolveReply(item, lookup)
	if decision.Skip {
		logging.Info("Skipping reply %s for %s: %v", item.ID, t.Account, decision.Err)
		return outcomeSkipped, false, p.record(ctx, records, p.newRecord(t, item, models.StatusSkipped))
	}

	// TRANSFORM_TEXT
	text := p.transformer.Normalize(item)

	// TRANSFORM_MEDIA
	res, err := proc.Process(ctx, item, t.Dest)
	if err != nil {
		if models.IsTransient(err) || ctx.Err() != nil {
			return outcomeDeferred, true, fmt.Errorf("media not ready, will retry next cycle: %w", err)
		}
		// The account cannot upload; what is left of the item still goes out as text.
		metrics.AccountRejectionsTotal.WithLabelValues(t.Account).Inc()
		logging.Error("Destination refused media of %s for %s: %v", item.ID, t.Account, err)
	}
	if n := len(res.FallbackLinks); n > 0 {
		metrics.MediaFallbacksTotal.WithLabelValues(t.Account).Add(float64(n))
	}

	// RESOLVE_QUOTE
	quote := thread.ResolveQuote(ctx, item, lookup, p.snapshots)
	quoteURL := ""
	if item.Quote != nil {
		quoteURL = item.Quote.URL
	}
	snapshot := p.uploadSnapshot(ctx, t, item, &quote, res)
	card := p.linkCard(ctx, t, item, hosts)

	// ASSEMBLE
	embed, links := post.Choose(res, snapshot, quote, quoteURL, card)
	posts, err := post.Assemble(ctx, t.Dest, post.Input{
		Text:            post.ComposeText(text, links),
		CreatedAt:       item.CreatedAt,
		Embed:           embed,
		Limit:           p.opts.GraphemeLimit,
		DefaultLanguage: p.opts.DefaultLanguage,
	})
	if err != nil {
		return outcomeDeferred, false, fmt.Errorf("failed to assemble: %w", err)
	}
	if len(posts) == 0 {
		logging.Info("Item %s has nothing to post, recording it as skipped", item.ID)
		return outcomeSkipped, false, p.record(ctx, records, p.newRecord(t, item, models.StatusSkipped))
	}

	// POST_CHUNKS + PERSIST
	var root, parent models.PostRef
	if decision.Reply != nil {
		root, parent = decision.Reply.Root, decision.Reply.Parent
	}
	var rec *models.DeliveryRecord
	for i, fp := range posts {
		if i > 0 || decision.Reply != nil {
			fp.Reply = post.ReplyRef(root, parent)
		}
		var ref models.PostRef
		err := retry.Do(ctx, p.opts.PostRetry, models.IsTransient, func(attempt int) error {
			var err error
			ref, err = t.Dest.Post(ctx, fp)
			if err != nil && models.IsTransient(err) && attempt < p.opts.PostRetry.Attempts {
				logging.Warn("Post %d/%d of %s failed (attempt %d), retrying: %v", i+1, len(posts), item.ID, attempt, err)
			}
			return err
		})
		if err != nil {
			switch {
			case i > 0:
				logging.Error("Thread of %s stopped after %d of %d posts: %v", item.ID, i, len(posts), err)
				return outcomeMigrated, true, nil
			case models.IsTransient(err) || ctx.Err() != nil:
				return outcomeDeferred, true, fmt.Errorf("post failed, will retry next cycle: %w", err)
			default:
				if errors.Is(err, models.ErrAccountRejected) {
					metrics.AccountRejectionsTotal.WithLabelValues(t.Account).Inc()
				}
				if rerr := p.record(ctx, records, p.newRecord(t, item, models.StatusFailed)); rerr != nil {
					logging.Error("Failed to record failure of %s: %v", item.ID, rerr)
				}
				return outcomeFailed, true, fmt.Errorf("destination rejected post: %w", err)
			}
		}
		metrics.PostsTotal.WithLabelValues(t.Account).Inc()

		if i == 0 {
			if decision.Reply == nil {
				root = ref
			}
			rec = p.newRecord(t, item, models.StatusMigrated)
			rec.Root = root
		}
		rec.Head = ref
		if err := p.record(ctx, records, rec); err != nil {
			return outcomeMigrated, true, fmt.Errorf("posted %s but could not record it: %w", ref.URI, err)
		}
		parent = ref
	}
	logging.Info("Mirrored %s to %s as %d post(s), head %s", item.ID, t.Account, len(posts), rec.Head.URI)
	return outcomeMigrated, true, nil
}

func (p *Pipeline) newRecord(t Target, item *models.SourceItem, status models.DeliveryStatus) *models.DeliveryRecord {
	return &models.DeliveryRecord{
		SourceID:           item.ID,
		DestinationAccount: t.Account,
		SourceHandle:       t.SourceHandle,
		Status:             status,
		SourceText:         item.Text,
		CreatedAt:          p.clock.Now(),
	}
}

// record persists rec and makes it visible to later items of the same batch.
func (p *Pipeline) record(ctx context.Context, records map[string]*models.DeliveryRecord, rec *models.DeliveryRecord) error {
	stored := *rec
	if err := p.store.PutDelivery(ctx, &stored); err != nil {
		return err
	}
	records[rec.SourceID] = &stored
	metrics.DeliveriesTotal.WithLabelValues(rec.DestinationAccount, string(rec.Status)).Inc()
	return nil
}

// uploadSnapshot uploads the quote snapshot when the post can carry it. When
// it cannot, or the upload fails, the quote falls back to a link.
func (p *Pipeline) uploadSnapshot(ctx context.Context, t Target, item *models.SourceItem, quote *thread.QuoteDecision, res media.Result) *media.UploadedImage {
	if len(quote.Snapshot) == 0 {
		return nil
	}
	png, alt := quote.Snapshot, quote.SnapshotAlt
	quote.Snapshot, quote.SnapshotAlt = nil, ""
	if !res.HasImageRoom() {
		quote.Link = item.Quote.URL
		return nil
	}
	img, err := p.media.UploadImage(ctx, png, alt, t.Dest)
	if err != nil {
		logging.Warn("Quote snapshot of %s could not be uploaded, linking instead: %v", item.ID, err)
		quote.Link = item.Quote.URL
		return nil
	}
	return img
}

// linkCard builds a preview card for the item's first external link. Any
// failure just leaves the card out.
func (p *Pipeline) linkCard(ctx context.Context, t Target, item *models.SourceItem, hosts []string) *post.LinkCard {
	if p.cards == nil {
		return nil
	}
	target := thread.CardLink(item, hosts)
	if target == "" {
		return nil
	}
	meta, err := p.cards.Fetch(ctx, target)
	if err != nil {
		logging.Debug("No link card for %s: %v", target, err)
		return nil
	}
	card := &post.LinkCard{URI: target, Title: meta.Title, Description: meta.Description}
	if meta.ImageURL != "" {
		if img, err := p.media.UploadURL(ctx, meta.ImageURL, meta.Title, t.Dest); err == nil {
			card.Thumb = img.Blob
		} else {
			logging.Debug("Link card thumbnail %s skipped: %v", meta.ImageURL, err)
		}
	}
	return card
}

// pace waits d, spread by the configured jitter.
func (p *Pipeline) pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.opts.Jitter > 0 {
		d += time.Duration((rand.Float64()*2 - 1) * p.opts.Jitter * float64(d))
	}
	select {
	case <-p.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
