package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
)

// maxPageBytes bounds how much of a page is read looking for metadata.
const maxPageBytes = 512 << 10

// LinkMeta is the preview metadata of a web page.
type LinkMeta struct {
	URL         string
	Title       string
	Description string
	ImageURL    string
}

// LinkCardFetcher reads OpenGraph and HTML metadata of external pages.
type LinkCardFetcher struct {
	client *http.Client
	cache  *expirable.LRU[string, *LinkMeta]
}

// NewLinkCardFetcher returns a fetcher that caches results for an hour.
func NewLinkCardFetcher(client *http.Client) *LinkCardFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &LinkCardFetcher{
		client: client,
		cache:  expirable.NewLRU[string, *LinkMeta](256, nil, time.Hour),
	}
}

// Fetch returns the metadata of pageURL. Pages without a title fail.
func (f *LinkCardFetcher) Fetch(ctx context.Context, pageURL string) (*LinkMeta, error) {
	if meta, ok := f.cache.Get(pageURL); ok {
		return meta, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; tweets2bsky/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch %s: status %s", pageURL, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, fmt.Errorf("%s is not an HTML page (%s)", pageURL, ct)
	}

	meta, err := parseLinkMeta(io.LimitReader(resp.Body, maxPageBytes), resp.Request.URL)
	if err != nil {
		return nil, err
	}
	meta.URL = pageURL
	if meta.Title == "" {
		return nil, fmt.Errorf("no title found on %s", pageURL)
	}
	f.cache.Add(pageURL, meta)
	logging.Debug("Fetched link card for %s: %q", pageURL, meta.Title)
	return meta, nil
}

func parseLinkMeta(r io.Reader, base *url.URL) (*LinkMeta, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	meta := &LinkMeta{}
	var docTitle, docDescription string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if docTitle == "" && n.FirstChild != nil {
					docTitle = strings.TrimSpace(n.FirstChild.Data)
				}
			case atom.Meta:
				key := strings.ToLower(firstNonEmpty(attr(n, "property"), attr(n, "name")))
				content := strings.TrimSpace(attr(n, "content"))
				switch key {
				case "og:title", "twitter:title":
					if meta.Title == "" {
						meta.Title = content
					}
				case "og:description", "twitter:description":
					if meta.Description == "" {
						meta.Description = content
					}
				case "og:image", "og:image:url", "twitter:image":
					if meta.ImageURL == "" {
						meta.ImageURL = resolveRef(base, content)
					}
				case "description":
					docDescription = content
				}
			case atom.Body:
				// Metadata lives in <head>; stop before walking the body.
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if meta.Title == "" {
		meta.Title = docTitle
	}
	if meta.Description == "" {
		meta.Description = docDescription
	}
	return meta, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func resolveRef(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}
