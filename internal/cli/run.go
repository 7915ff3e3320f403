package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/clock"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/scheduler"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/web"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var noServer bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and the status API",
		Long: `Run the mirror until interrupted.

Every enabled account is checked on the configured interval. Backfills queued
through the status API run as soon as their account is idle. The accounts file
is re-read on every tick, so mappings can change without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), rootOpts, noServer)
		},
	}
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the status API")
	return cmd
}

func runService(parent context.Context, rootOpts *RootOptions, noServer bool) error {
	cfg := rootOpts.config()
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(a.pipeline, a.connector, a.accounts, clock.Real(), scheduler.Options{
		TaskTimeout:     cfg.TaskTimeout,
		BackfillTimeout: cfg.BackfillTimeout,
		DefaultInterval: cfg.CheckInterval,
	})

	if !noServer {
		srv := web.NewServer(cfg, sched, a.db)
		srv.Start()
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				logging.Error("Web server shutdown failed: %v", err)
			}
		}()
	}

	err = sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logging.Info("Received shutdown signal")
		return nil
	}
	return err
}
