package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/clock"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/retry"
)

const (
	defaultPDS          = "https://bsky.social"    // Default PDS host
	defaultVideoService = "https://video.bsky.app" // Default video processing host
	feedPostCollection  = "app.bsky.feed.post"
)

// SessionStore caches destination sessions between runs.
type SessionStore interface {
	GetSession(ctx context.Context, identifier string) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, identifier string) error
}

// BlueskyConfig holds the connection settings of one destination account.
type BlueskyConfig struct {
	Host            string
	VideoService    string
	Identifier      string
	AppPassword     string
	WritesPerMinute int
	HTTPClient      *http.Client
	// VideoPoll bounds job status polling after a video upload.
	VideoPoll retry.Policy
}

// BlueskyClient wraps the indigo XRPC client and implements the destination
// operations the mirror needs: login with a cached session, blob and video
// upload, post creation and facet detection.
type BlueskyClient struct {
	mu       sync.Mutex
	client   *xrpc.Client
	cfg      BlueskyConfig
	sessions SessionStore
	limiter  *rate.Limiter
	handles  *expirable.LRU[string, string]
}

// NewBlueskyClient creates an unauthenticated client. Login establishes the session.
func NewBlueskyClient(cfg BlueskyConfig, sessions SessionStore) *BlueskyClient {
	if cfg.Host == "" {
		cfg.Host = defaultPDS
	}
	if cfg.VideoService == "" {
		cfg.VideoService = defaultVideoService
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.VideoPoll.Attempts == 0 {
		cfg.VideoPoll.Attempts = 60
	}
	if cfg.VideoPoll.Interval == 0 {
		cfg.VideoPoll.Interval = 5 * time.Second
	}
	if cfg.VideoPoll.Clock == nil {
		cfg.VideoPoll.Clock = clock.Real()
	}

	limit := rate.Inf
	if cfg.WritesPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.WritesPerMinute))
	}

	logging.Info("Initializing Bluesky client for %s on %s", cfg.Identifier, cfg.Host)
	return &BlueskyClient{
		client: &xrpc.Client{
			Host:   cfg.Host,
			Client: cfg.HTTPClient,
		},
		cfg:      cfg,
		sessions: sessions,
		limiter:  rate.NewLimiter(limit, 1),
		handles:  expirable.NewLRU[string, string](1024, nil, 6*time.Hour),
	}
}

// Login restores the cached session for the configured identifier, refreshing
// it when the access token has expired, and falls back to a fresh password
// login. The resulting session is cached.
func (bsc *BlueskyClient) Login(ctx context.Context) error {
	if bsc.sessions != nil {
		cached, err := bsc.sessions.GetSession(ctx, bsc.cfg.Identifier)
		if err != nil {
			logging.Warn("Failed to load cached Bluesky session for %s: %v", bsc.cfg.Identifier, err)
		}
		if cached != nil {
			bsc.setAuth(&xrpc.AuthInfo{
				AccessJwt:  cached.AccessJwt,
				RefreshJwt: cached.RefreshJwt,
				Handle:     cached.Handle,
				Did:        cached.DID,
			})
			if _, err := comatproto.ServerGetSession(ctx, bsc.client); err == nil {
				logging.Debug("Reusing cached Bluesky session for %s", cached.Handle)
				return nil
			}
			if err := bsc.refresh(ctx); err == nil {
				return nil
			}
			logging.Info("Cached Bluesky session for %s is no longer valid, logging in again", bsc.cfg.Identifier)
		}
	}
	_, err := bsc.Authenticate(ctx)
	return err
}

// Authenticate creates a session with the PDS using the identifier and app password.
func (bsc *BlueskyClient) Authenticate(ctx context.Context) (*models.Session, error) {
	logging.Info("Authenticating Bluesky client for user: %s", bsc.cfg.Identifier)
	sess, err := comatproto.ServerCreateSession(ctx, bsc.client, &comatproto.ServerCreateSession_Input{
		Identifier: bsc.cfg.Identifier,
		Password:   bsc.cfg.AppPassword,
	})
	if err != nil {
		logging.Error("Bluesky authentication failed for %s: %v", bsc.cfg.Identifier, err)
		return nil, fmt.Errorf("bluesky authentication failed: %w", Classify(err))
	}
	logging.Info("Bluesky authentication successful for user: %s (DID: %s)", sess.Handle, sess.Did)

	bsc.setAuth(&xrpc.AuthInfo{
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
		Handle:     sess.Handle,
		Did:        sess.Did,
	})
	s := &models.Session{
		Identifier: bsc.cfg.Identifier,
		DID:        sess.Did,
		Handle:     sess.Handle,
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
	}
	bsc.saveSession(ctx, s)
	return s, nil
}

// refresh trades the refresh token for a new session.
func (bsc *BlueskyClient) refresh(ctx context.Context) error {
	auth := bsc.auth()
	if auth == nil || auth.RefreshJwt == "" {
		return fmt.Errorf("no refresh token")
	}
	// refreshSession authenticates with the refresh token in place of the access token.
	rc := &xrpc.Client{
		Host:   bsc.client.Host,
		Client: bsc.client.Client,
		Auth:   &xrpc.AuthInfo{AccessJwt: auth.RefreshJwt, RefreshJwt: auth.RefreshJwt, Did: auth.Did, Handle: auth.Handle},
	}
	out, err := comatproto.ServerRefreshSession(ctx, rc)
	if err != nil {
		return fmt.Errorf("failed to refresh Bluesky session: %w", err)
	}
	bsc.setAuth(&xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	})
	bsc.saveSession(ctx, &models.Session{
		Identifier: bsc.cfg.Identifier,
		DID:        out.Did,
		Handle:     out.Handle,
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
	})
	logging.Debug("Refreshed Bluesky session for %s", out.Handle)
	return nil
}

func (bsc *BlueskyClient) saveSession(ctx context.Context, s *models.Session) {
	if bsc.sessions == nil {
		return
	}
	if err := bsc.sessions.SaveSession(ctx, s); err != nil {
		logging.Warn("Failed to cache Bluesky session for %s: %v", s.Identifier, err)
	}
}

func (bsc *BlueskyClient) setAuth(a *xrpc.AuthInfo) {
	bsc.mu.Lock()
	defer bsc.mu.Unlock()
	bsc.client.Auth = a
}

func (bsc *BlueskyClient) auth() *xrpc.AuthInfo {
	bsc.mu.Lock()
	defer bsc.mu.Unlock()
	return bsc.client.Auth
}

// checkAuth ensures the client has authentication information.
func (bsc *BlueskyClient) checkAuth() error {
	if a := bsc.auth(); a == nil || a.Did == "" {
		return fmt.Errorf("bluesky client not authenticated")
	}
	return nil
}

// DID returns the DID of the logged-in account.
func (bsc *BlueskyClient) DID() string {
	if a := bsc.auth(); a != nil {
		return a.Did
	}
	return ""
}

// withSession runs call, refreshing the session once if the access token expired.
func (bsc *BlueskyClient) withSession(ctx context.Context, call func() error) error {
	if err := bsc.checkAuth(); err != nil {
		return err
	}
	err := call()
	if err == nil || !isExpiredToken(err) {
		return Classify(err)
	}
	if rerr := bsc.refresh(ctx); rerr != nil {
		logging.Warn("Bluesky session refresh failed: %v", rerr)
		return Classify(err)
	}
	return Classify(call())
}

// UploadBlob uploads media data and returns the blob reference.
func (bsc *BlueskyClient) UploadBlob(ctx context.Context, data []byte, contentType string) (*lexutil.LexBlob, error) {
	if err := bsc.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	logging.Info("Uploading blob to Bluesky, size: %d, content-type: %s", len(data), contentType)

	var out *comatproto.RepoUploadBlob_Output
	err := bsc.withSession(ctx, func() error {
		var err error
		out, err = comatproto.RepoUploadBlob(ctx, bsc.client, bytes.NewReader(data))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload blob to Bluesky: %w", err)
	}
	if out.Blob != nil && out.Blob.MimeType == "" {
		out.Blob.MimeType = contentType
	}
	logging.Debug("Blob uploaded successfully to Bluesky: CID %s", out.Blob.Ref.String())
	return out.Blob, nil
}

// Post creates rec and returns its reference.
func (bsc *BlueskyClient) Post(ctx context.Context, rec *appbsky.FeedPost) (models.PostRef, error) {
	if err := bsc.limiter.Wait(ctx); err != nil {
		return models.PostRef{}, err
	}
	if rec.Reply != nil && rec.Reply.Parent != nil {
		logging.Debug("Posting Bluesky reply with Root: %s, Parent: %s", rec.Reply.Root.Uri, rec.Reply.Parent.Uri)
	}

	var out *comatproto.RepoCreateRecord_Output
	err := bsc.withSession(ctx, func() error {
		var err error
		out, err = comatproto.RepoCreateRecord(ctx, bsc.client, &comatproto.RepoCreateRecord_Input{
			Collection: feedPostCollection,
			Repo:       bsc.DID(),
			Record:     &lexutil.LexiconTypeDecoder{Val: rec},
		})
		return err
	})
	if err != nil {
		return models.PostRef{}, fmt.Errorf("failed to create Bluesky post: %w", err)
	}
	logging.Info("Successfully posted to Bluesky: URI %s, CID %s", out.Uri, out.Cid)
	return models.PostRef{URI: out.Uri, CID: out.Cid}, nil
}
