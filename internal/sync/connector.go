package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/api"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/config"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/transform"
)

// APIConnector connects account mappings to Mastodon and Bluesky. Destination
// clients are kept per account so a logged-in session survives between runs.
type APIConnector struct {
	cfg         *config.Config
	sessions    api.SessionStore
	transformer *transform.Transformer

	mu      gosync.Mutex
	clients map[string]*destinationClient
}

type destinationClient struct {
	client *api.BlueskyClient
	// password and pds detect a changed mapping that needs a new client.
	password string
	pds      string
}

// NewAPIConnector creates a connector. sessions caches destination sessions
// and may be nil.
func NewAPIConnector(cfg *config.Config, sessions api.SessionStore) *APIConnector {
	return &APIConnector{
		cfg:         cfg,
		sessions:    sessions,
		transformer: transform.NewTransformer(),
		clients:     make(map[string]*destinationClient),
	}
}

// Connect returns the source feed and a logged-in destination for m.
func (c *APIConnector) Connect(ctx context.Context, m config.AccountMapping) (FeedFetcher, Destination, error) {
	feed := api.NewMastodonFetcher(api.MastodonConfig{
		Server:       m.Source.Server,
		ClientID:     m.Source.ClientID,
		ClientSecret: m.Source.ClientSecret,
		AccessToken:  m.Source.AccessToken,
		AccountID:    m.Source.AccountID,

		AuthenticatedMedia: m.Source.AuthenticatedMedia,
	}, c.transformer)

	dest := c.destination(m)
	if err := dest.Login(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to log in to Bluesky as %s: %w", m.Destination.Identifier, err)
	}
	return feed, dest, nil
}

func (c *APIConnector) destination(m config.AccountMapping) *api.BlueskyClient {
	pds := m.Destination.PDS
	if pds == "" {
		pds = c.cfg.BlueskyPDS
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if dc, ok := c.clients[m.Account()]; ok && dc.password == m.Destination.AppPassword && dc.pds == pds {
		return dc.client
	}
	logging.Debug("Creating Bluesky client for %s", m.Account())
	client := api.NewBlueskyClient(api.BlueskyConfig{
		Host:            pds,
		VideoService:    c.cfg.BlueskyVideoService,
		Identifier:      m.Destination.Identifier,
		AppPassword:     m.Destination.AppPassword,
		WritesPerMinute: c.cfg.DestinationWritesPerMinute,
	}, c.sessions)
	c.clients[m.Account()] = &destinationClient{client: client, password: m.Destination.AppPassword, pds: pds}
	return client
}
