// Package thread decides how a source item attaches to what has already been
// mirrored: which destination post a reply hangs off, and how a quote is
// represented.
package thread

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

var leadingMention = regexp.MustCompile(`^\s*@[A-Za-z0-9_]`)

// Lookup returns the delivery record of a source item under the current
// destination account, or nil.
type Lookup func(sourceID string) *models.DeliveryRecord

// MapLookup adapts a record map as returned by the store.
func MapLookup(records map[string]*models.DeliveryRecord) Lookup {
	return func(id string) *models.DeliveryRecord { return records[id] }
}

// Snapshotter renders a quoted item as an image.
type Snapshotter interface {
	Snapshot(ctx context.Context, q *models.QuotedItem) (png []byte, alt string, err error)
}

// ReplyTarget is where a reply attaches on the destination.
type ReplyTarget struct {
	Root   models.PostRef
	Parent models.PostRef
}

// ReplyDecision is the outcome of reply resolution. Reply is nil for items
// that are not replies.
type ReplyDecision struct {
	Skip  bool
	Reply *ReplyTarget
	// Err wraps models.ErrUnresolvedDependency when Skip is set.
	Err error
}

// QuoteDecision is the outcome of quote resolution. At most one of Native,
// Snapshot and Link is set.
type QuoteDecision struct {
	Native      *models.PostRef
	Snapshot    []byte
	SnapshotAlt string
	Link        string
	Suppressed  bool
}

// IsReply reports whether item answers another item: it declares a parent,
// a parent author, or its text opens with a mention.
func IsReply(item *models.SourceItem) bool {
	return item.ReplyToID != "" || item.ReplyToAuthorID != "" || leadingMention.MatchString(item.Text)
}

// ResolveReply links a reply to its mirrored parent. A reply whose parent has
// no linkable record is skipped; the decision is final, so a parent mirrored
// later does not revive the reply.
func ResolveReply(item *models.SourceItem, lookup Lookup) ReplyDecision {
	if !IsReply(item) {
		return ReplyDecision{}
	}
	if item.ReplyToID == "" {
		return ReplyDecision{Skip: true, Err: fmt.Errorf("reply parent unknown: %w", models.ErrUnresolvedDependency)}
	}
	parent := lookup(item.ReplyToID)
	if !parent.IsLinkable() {
		return ReplyDecision{Skip: true, Err: fmt.Errorf("reply parent %q: %w", item.ReplyToID, models.ErrUnresolvedDependency)}
	}
	return ReplyDecision{Reply: &ReplyTarget{Root: parent.ThreadRoot(), Parent: parent.Head}}
}

// ResolveQuote picks the representation of item's quote: a native embed when
// the quoted item is mirrored, nothing for a self-quote, a rendered snapshot
// for someone else's item, and a plain link when the snapshot is unavailable.
func ResolveQuote(ctx context.Context, item *models.SourceItem, lookup Lookup, snap Snapshotter) QuoteDecision {
	q := item.Quote
	if q == nil {
		return QuoteDecision{}
	}
	if rec := lookup(q.ID); rec.IsLinkable() {
		head := rec.Head
		return QuoteDecision{Native: &head}
	}
	if sameAuthor(item.AuthorHandle, q.AuthorHandle) {
		return QuoteDecision{Suppressed: true}
	}
	if snap != nil {
		png, alt, err := snap.Snapshot(ctx, q)
		if err == nil && len(png) > 0 {
			return QuoteDecision{Snapshot: png, SnapshotAlt: alt}
		}
		logging.Debug("Quote snapshot of %s unavailable: %v", q.ID, err)
	}
	return QuoteDecision{Link: q.URL}
}

func sameAuthor(a, b string) bool {
	a = strings.TrimPrefix(a, "@")
	b = strings.TrimPrefix(b, "@")
	return a != "" && strings.EqualFold(a, b)
}

// CardLink returns the first resolved link of item that leaves the source
// platform, for a link-preview card. Items with media or a quote get no card.
func CardLink(item *models.SourceItem, sourceHosts []string) string {
	if len(item.Media) > 0 || item.Quote != nil {
		return ""
	}
	for _, l := range item.Links {
		target := l.Resolved
		if target == "" {
			target = l.Short
		}
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		if onHost(u.Hostname(), sourceHosts) {
			continue
		}
		return target
	}
	return ""
}

func onHost(host string, hosts []string) bool {
	host = strings.ToLower(host)
	for _, h := range hosts {
		h = strings.ToLower(h)
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
