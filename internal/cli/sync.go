package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	mirror "github.com/surfdude29/tweets-2-bsky-sub001/internal/sync"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <account>",
		Short: "Run one incremental pass for an account",
		Long: `Fetch the newest items of the account's source feed and mirror the ones
not delivered yet, then exit. Do not run this while "run" is serving the same
database: the two would not know about each other's tasks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, rootOpts, args[0], func(ctx context.Context, p *mirror.Pipeline, t mirror.Target) (mirror.Stats, error) {
				return p.RunIncremental(ctx, t)
			})
		},
	}
}

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "backfill <account>",
		Short: "Import an account's history",
		Long: `Walk back through the account's source feed and mirror everything not
delivered yet, oldest first. Running it again after an interrupt picks up
where it stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return WrapExitError(ExitCommandError, "--limit must not be negative", nil)
			}
			return runOnce(cmd, rootOpts, args[0], func(ctx context.Context, p *mirror.Pipeline, t mirror.Target) (mirror.Stats, error) {
				return p.RunBackfill(ctx, t, limit, func() bool { return ctx.Err() != nil })
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of items to import (0 = all)")
	return cmd
}

type passFunc func(ctx context.Context, p *mirror.Pipeline, t mirror.Target) (mirror.Stats, error)

func runOnce(cmd *cobra.Command, rootOpts *RootOptions, account string, pass passFunc) error {
	a, err := openApp(rootOpts.config())
	if err != nil {
		return err
	}
	defer a.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := a.target(ctx, account)
	if err != nil {
		return err
	}
	t.OnProgress = func(p mirror.Progress) {
		logging.Debug("%s %s: %d/%d %s", p.Mode, p.Account, p.Processed, p.Total, p.Current)
	}

	// An interrupt cuts the item in flight; chunks already posted stay recorded.
	stats, err := pass(ctx, a.pipeline, t)
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	return rootOpts.print(cmd.OutOrStdout(), stats, func(w io.Writer) error {
		if _, err := fmt.Fprintln(w, stats); err != nil {
			return err
		}
		last, err := a.db.LastDeliveryTime(context.WithoutCancel(ctx), t.Account)
		if err != nil || last.IsZero() {
			return err
		}
		_, err = fmt.Fprintf(w, "Last delivery: %s\n", last.Local().Format(time.DateTime))
		return err
	})
}
