package api

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strings"

	"github.com/mattn/go-mastodon"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/transform"
)

// quoteLine matches the "RE: <url>" line Mastodon-compatible servers add to quote posts.
var quoteLine = regexp.MustCompile(`(?m)^\s*RE:\s*(https?://\S+)\s*$`)

// statusPath matches status permalinks of the form /@user/123 or /users/user/statuses/123.
var statusPath = regexp.MustCompile(`^/(?:@([^/]+)|users/([^/]+)/statuses)/([0-9A-Za-z]+)$`)

// MastodonConfig holds the source account settings.
type MastodonConfig struct {
	Server       string
	ClientID     string
	ClientSecret string
	AccessToken  string
	// AccountID is the source account to mirror. Empty means the token's owner.
	AccountID string
	// AuthenticatedMedia makes MediaAccessToken hand out the access token.
	AuthenticatedMedia bool
}

// MastodonFetcher reads a Mastodon account's statuses as source items.
type MastodonFetcher struct {
	client      *mastodon.Client
	cfg         MastodonConfig
	transformer *transform.Transformer
	host        string
}

// NewMastodonFetcher creates a new Mastodon feed fetcher.
func NewMastodonFetcher(cfg MastodonConfig, tr *transform.Transformer) *MastodonFetcher {
	client := mastodon.NewClient(&mastodon.Config{
		Server:       cfg.Server,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.AccessToken,
	})
	if tr == nil {
		tr = transform.NewTransformer()
	}
	host := cfg.Server
	if u, err := url.Parse(cfg.Server); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	return &MastodonFetcher{client: client, cfg: cfg, transformer: tr, host: host}
}

// SourceHosts returns the hosts whose links point back at the source platform.
func (m *MastodonFetcher) SourceHosts() []string {
	return []string{m.host}
}

// MediaAccessToken returns the token media downloads should carry, or "" when
// attachments are public.
func (m *MastodonFetcher) MediaAccessToken() string {
	if !m.cfg.AuthenticatedMedia {
		return ""
	}
	return m.cfg.AccessToken
}

// accountID returns the configured account, resolving the token owner when unset.
func (m *MastodonFetcher) accountID(ctx context.Context) (mastodon.ID, error) {
	if m.cfg.AccountID != "" {
		return mastodon.ID(m.cfg.AccountID), nil
	}
	if m.client.Config.AccessToken == "" {
		return "", fmt.Errorf("mastodon client not authenticated: missing access token")
	}
	acc, err := m.client.GetAccountCurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get current Mastodon account: %w", err)
	}
	m.cfg.AccountID = string(acc.ID)
	return acc.ID, nil
}

// FetchRecent returns up to limit of the account's newest items, newest first.
func (m *MastodonFetcher) FetchRecent(ctx context.Context, limit int) ([]models.SourceItem, error) {
	id, err := m.accountID(ctx)
	if err != nil {
		return nil, err
	}
	pg := &mastodon.Pagination{Limit: int64(limit)}
	statuses, err := m.client.GetAccountStatuses(ctx, id, pg)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to get Mastodon statuses: %w", err))
	}
	logging.Info("Fetched %d statuses from Mastodon account %s", len(statuses), id)

	items := make([]models.SourceItem, 0, len(statuses))
	for _, s := range statuses {
		if item, ok := m.toSourceItem(ctx, s); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// FetchHistory pages backwards through the account's statuses, newest first,
// stopping after limit items (0 = all) or at the end of the timeline.
func (m *MastodonFetcher) FetchHistory(ctx context.Context, limit int) iter.Seq2[models.SourceItem, error] {
	return func(yield func(models.SourceItem, error) bool) {
		id, err := m.accountID(ctx)
		if err != nil {
			yield(models.SourceItem{}, err)
			return
		}
		seen := 0
		var maxID mastodon.ID
		for {
			pg := &mastodon.Pagination{MaxID: maxID, Limit: 40}
			statuses, err := m.client.GetAccountStatuses(ctx, id, pg)
			if err != nil {
				yield(models.SourceItem{}, models.Transient(fmt.Errorf("failed to page Mastodon statuses: %w", err)))
				return
			}
			if len(statuses) == 0 {
				return
			}
			for _, s := range statuses {
				item, ok := m.toSourceItem(ctx, s)
				if !ok {
					continue
				}
				if !yield(item, nil) {
					return
				}
				seen++
				if limit > 0 && seen >= limit {
					return
				}
			}
			next := pg.MaxID
			if next == "" || next == maxID {
				next = statuses[len(statuses)-1].ID
			}
			if next == maxID {
				return
			}
			maxID = next
		}
	}
}

// toSourceItem converts a status. Boosts and direct messages are not mirrored.
func (m *MastodonFetcher) toSourceItem(ctx context.Context, s *mastodon.Status) (models.SourceItem, bool) {
	if s == nil || s.Reblog != nil || s.Visibility == "direct" {
		return models.SourceItem{}, false
	}

	content, links := rewriteAnchors(s.Content)
	text := m.transformer.HTMLToText(content)
	if s.SpoilerText != "" {
		text = "CW: " + s.SpoilerText + "\n\n" + text
	}

	item := models.SourceItem{
		ID:              string(s.ID),
		AuthorHandle:    s.Account.Acct,
		AuthorID:        string(s.Account.ID),
		URL:             s.URL,
		CreatedAt:       s.CreatedAt,
		ReplyToID:       idString(s.InReplyToID),
		ReplyToAuthorID: idString(s.InReplyToAccountID),
		Links:           links,
	}

	if match := quoteLine.FindStringSubmatch(text); match != nil {
		item.Quote = m.quotedItem(ctx, match[1])
		text = strings.TrimSpace(quoteLine.ReplaceAllString(text, ""))
	}
	item.Text = text

	for _, a := range s.MediaAttachments {
		d := models.MediaDescriptor{
			URL:     a.URL,
			PageURL: a.URL,
			AltText: a.Description,
			Width:   a.Meta.Original.Width,
			Height:  a.Meta.Original.Height,
		}
		switch a.Type {
		case "image":
			d.Kind = models.MediaPhoto
		case "video", "gifv":
			d.Kind = models.MediaVideo
			if a.Type == "gifv" {
				d.Kind = models.MediaAnimated
			}
			d.Variants = []models.VideoVariant{{URL: a.URL, ContentType: "video/mp4"}}
		default:
			logging.Debug("Skipping unsupported Mastodon attachment type %q on %s", a.Type, s.ID)
			continue
		}
		item.Media = append(item.Media, d)
	}
	return item, true
}

// quotedItem describes the status at rawURL. Statuses on our own server are
// looked up for their text and author; others are known only by URL.
func (m *MastodonFetcher) quotedItem(ctx context.Context, rawURL string) *models.QuotedItem {
	q := &models.QuotedItem{ID: rawURL, URL: rawURL}
	u, err := url.Parse(rawURL)
	if err != nil {
		return q
	}
	match := statusPath.FindStringSubmatch(u.Path)
	if match == nil {
		return q
	}
	user := firstNonEmpty(match[1], match[2])
	if u.Hostname() != m.host {
		q.AuthorHandle = user + "@" + u.Hostname()
		return q
	}
	q.ID = match[3]
	q.AuthorHandle = user
	if st, err := m.client.GetStatus(ctx, mastodon.ID(match[3])); err == nil {
		q.AuthorHandle = st.Account.Acct
		q.Text = m.transformer.HTMLToText(st.Content)
	} else {
		logging.Debug("Failed to look up quoted status %s: %v", match[3], err)
	}
	return q
}

// rewriteAnchors rewrites mention anchors to "@user@host" so the mention
// keeps its server, and collects the targets of ordinary links.
func rewriteAnchors(content string) (string, []models.Link) {
	nodes, err := html.ParseFragment(strings.NewReader(content), &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div})
	if err != nil {
		return content, nil
	}

	var links []models.Link
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			href := attr(n, "href")
			class := " " + attr(n, "class") + " "
			text := textContent(n)
			switch {
			case strings.Contains(class, " mention ") && strings.HasPrefix(text, "@"):
				if u, err := url.Parse(href); err == nil && u.Host != "" && !strings.Contains(text[1:], "@") {
					setText(n, text+"@"+u.Hostname())
				}
			case strings.Contains(class, " hashtag "):
			case href != "" && text != "":
				links = append(links, models.Link{Short: text, Resolved: href})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	var b strings.Builder
	for _, n := range nodes {
		walk(n)
		if err := html.Render(&b, n); err != nil {
			return content, nil
		}
	}
	return b.String(), links
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

func setText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

// idString renders the loosely typed reply ids of go-mastodon.
func idString(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case mastodon.ID:
		return string(id)
	default:
		return fmt.Sprint(id)
	}
}
