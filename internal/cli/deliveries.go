package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/database"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/search"
)

// NewRecentCommand creates the recent command.
func NewRecentCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recently mirrored items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(rootOpts, func(db *database.DB) error {
				recs, err := db.RecentDeliveries(cmdContext(cmd), limit)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list deliveries", err)
				}
				return rootOpts.print(cmd.OutOrStdout(), recs, func(w io.Writer) error {
					return writeRecords(w, recs, nil)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of items to list")
	return cmd
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search mirrored items by text or identifier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withDB(rootOpts, func(db *database.DB) error {
				results, err := search.Deliveries(cmdContext(cmd), db, query, limit, time.Now())
				if err != nil {
					return WrapExitError(ExitFailure, "search failed", err)
				}
				return rootOpts.print(cmd.OutOrStdout(), results, func(w io.Writer) error {
					recs := make([]*models.DeliveryRecord, len(results))
					scores := make([]float64, len(results))
					for i, r := range results {
						recs[i], scores[i] = r.Record, r.Score
					}
					return writeRecords(w, recs, scores)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of results")
	return cmd
}

// NewForgetCommand creates the forget command.
func NewForgetCommand(rootOpts *RootOptions) *cobra.Command {
	var account, sourceHandle string

	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete delivery records so items can be mirrored again",
		Long: `Delete the delivery records of a destination account (--account) or of a
source account (--source-handle). Forgotten items are posted again by the next
check or backfill. Forgetting an account also drops its cached session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (account == "") == (sourceHandle == "") {
				return WrapExitError(ExitCommandError, "exactly one of --account or --source-handle is required", nil)
			}
			return withDB(rootOpts, func(db *database.DB) error {
				ctx := cmdContext(cmd)
				var n int64
				var err error
				if account != "" {
					n, err = db.DeleteDeliveriesByAccount(ctx, account)
					if err == nil {
						err = db.DeleteSession(ctx, account)
					}
				} else {
					n, err = db.DeleteDeliveriesBySourceHandle(ctx, sourceHandle)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "failed to delete deliveries", err)
				}
				return rootOpts.print(cmd.OutOrStdout(), map[string]int64{"deleted": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Deleted %d delivery records\n", n)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "destination account identifier")
	cmd.Flags().StringVar(&sourceHandle, "source-handle", "", "source account handle")
	return cmd
}

func withDB(rootOpts *RootOptions, fn func(db *database.DB) error) error {
	cfg := rootOpts.config()
	db, err := database.NewDB(cfg.DatabasePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer db.Close()
	return fn(db)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// writeRecords prints records as a table. scores may be nil.
func writeRecords(w io.Writer, recs []*models.DeliveryRecord, scores []float64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := "CREATED\tACCOUNT\tSOURCE ID\tPOST\tTEXT"
	if scores != nil {
		header = "SCORE\t" + header
	}
	fmt.Fprintln(tw, header)
	for i, r := range recs {
		if scores != nil {
			fmt.Fprintf(tw, "%.2f\t", scores[i])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.DestinationAccount,
			r.SourceID,
			r.Head.URI,
			excerpt(r.SourceText, 60),
		)
	}
	return tw.Flush()
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
