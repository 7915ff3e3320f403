// Package media fetches, re-encodes and uploads the attachments of a source
// item so they fit the destination's size and duration ceilings.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

const userAgent = "tweets2bsky/1.0 (+https://github.com/surfdude29/tweets-2-bsky-sub001)"

// Fetcher downloads media bytes with a hard byte cap.
type Fetcher struct {
	client *http.Client
}

// NewFetcher returns a Fetcher using client, or a client with a 60 second
// timeout when client is nil.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Fetcher{client: client}
}

// NewAuthenticatedFetcher returns a Fetcher whose requests carry accessToken
// as a bearer token, for sources that only serve media to logged-in clients.
func NewAuthenticatedFetcher(ctx context.Context, accessToken string) *Fetcher {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	client := oauth2.NewClient(ctx, src)
	client.Timeout = 60 * time.Second
	return &Fetcher{client: client}
}

// Fetch downloads url. It fails with models.ErrMediaTooLarge when the body is
// longer than maxBytes (when maxBytes > 0). Network errors and server-side
// failures are marked transient.
func (f *Fetcher) Fetch(ctx context.Context, url string, maxBytes int64) ([]byte, string, error) {
	resp, err := f.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, "", fmt.Errorf("%w: %s is %d bytes, ceiling %d", models.ErrMediaTooLarge, url, resp.ContentLength, maxBytes)
	}

	body := io.Reader(resp.Body)
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", models.Transient(fmt.Errorf("failed to read %s: %w", url, err))
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("%w: %s exceeds %d bytes", models.ErrMediaTooLarge, url, maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, strings.TrimSpace(contentType), nil
}

// Size returns the Content-Length the server reports for url, or -1 when it
// does not report one.
func (f *Fetcher) Size(ctx context.Context, url string) (int64, error) {
	resp, err := f.do(ctx, http.MethodHead, url)
	if err != nil {
		return -1, err
	}
	resp.Body.Close()
	return resp.ContentLength, nil
}

func (f *Fetcher) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, models.Transient(fmt.Errorf("failed to fetch %s: %w", url, err))
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		err := fmt.Errorf("failed to fetch %s: status %s", url, resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, models.Transient(err)
		}
		return nil, err
	}
	return resp, nil
}
