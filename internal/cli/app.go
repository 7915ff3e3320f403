package cli

import (
	"context"
	"fmt"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/api"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/clock"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/config"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/database"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/media"
	mirror "github.com/surfdude29/tweets-2-bsky-sub001/internal/sync"
)

// app is the wired engine shared by the commands.
type app struct {
	cfg       *config.Config
	db        *database.DB
	accounts  *config.FileProvider
	connector *mirror.APIConnector
	pipeline  *mirror.Pipeline
}

func openApp(cfg *config.Config) (*app, error) {
	db, err := database.NewDB(cfg.DatabasePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	limits := media.DefaultLimits()
	limits.MaxImageBytes = cfg.MaxImageBytes
	limits.MaxVideoBytes = cfg.MaxVideoBytes
	limits.MaxVideoDuration = cfg.MaxVideoDuration

	opts := mirror.DefaultOptions()
	opts.GraphemeLimit = cfg.PostGraphemeLimit
	opts.FetchLimit = cfg.FetchLimit
	opts.PaceIncremental = cfg.PaceIncremental
	opts.PaceBackfill = cfg.PaceBackfill
	opts.DefaultLanguage = cfg.DefaultLanguage

	clk := clock.Real()
	opts.PostRetry.Clock = clk

	pipeline := mirror.NewPipeline(
		db,
		media.NewProcessor(media.NewFetcher(nil), nil, limits),
		media.NewCardRenderer(),
		api.NewLinkCardFetcher(nil),
		clk,
		opts,
	)
	return &app{
		cfg:       cfg,
		db:        db,
		accounts:  config.NewFileProvider(cfg.AccountsFile, cfg.CheckInterval),
		connector: mirror.NewAPIConnector(cfg, db),
		pipeline:  pipeline,
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

// target connects the mapping for account.
func (a *app) target(ctx context.Context, account string) (mirror.Target, error) {
	settings, err := a.accounts.Load()
	if err != nil {
		return mirror.Target{}, WrapExitError(ExitCommandError, "failed to load accounts", err)
	}
	m, ok := settings.Mapping(account)
	if !ok {
		return mirror.Target{}, WrapExitError(ExitCommandError, fmt.Sprintf("no mapping for account %q", account), nil)
	}
	feed, dest, err := a.connector.Connect(ctx, m)
	if err != nil {
		return mirror.Target{}, err
	}
	return mirror.Target{Account: m.Account(), SourceHandle: m.Source.Handle, Feed: feed, Dest: dest}, nil
}
