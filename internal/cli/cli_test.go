package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/config"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/database"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "tweets2bsky", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "check", "backfill", "recent", "search", "forget"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "yaml", "recent"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", nil)))
}

// testRoot builds a root command whose config points at a seeded database.
func testRoot(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deliveries.db")
	db, err := database.NewDB(path)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	for i, text := range []string{"first light over the harbour", "a long thread about sourdough"} {
		require.NoError(t, db.PutDelivery(ctx, &models.DeliveryRecord{
			SourceID:           []string{"100", "200"}[i],
			DestinationAccount: "alice.bsky.social",
			SourceHandle:       "alice",
			Status:             models.StatusMigrated,
			Head:               models.PostRef{URI: "at://did:plc:alice/app.bsky.feed.post/" + []string{"a", "b"}[i], CID: "bafy"},
			SourceText:         text,
			CreatedAt:          now.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, db.Close())

	opts := &RootOptions{LoadConfig: func() *config.Config {
		return &config.Config{DatabasePath: path, LogLevel: "error"}
	}}
	root := &cobra.Command{
		Use:               "tweets2bsky",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}
	root.PersistentFlags().StringVar(&opts.Format, "format", "text", "")
	root.AddCommand(NewRecentCommand(opts), NewSearchCommand(opts), NewForgetCommand(opts))

	out := &bytes.Buffer{}
	root.SetOut(out)
	return root, out
}

func TestRecentCommand(t *testing.T) {
	root, out := testRoot(t)
	root.SetArgs([]string{"recent", "--format", "json", "-n", "1"})
	require.NoError(t, root.Execute())

	var recs []models.DeliveryRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "200", recs[0].SourceID)
}

func TestSearchCommandText(t *testing.T) {
	root, out := testRoot(t)
	root.SetArgs([]string{"search", "sourdough"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "SCORE")
	assert.Contains(t, out.String(), "a long thread about sourdough")
	assert.NotContains(t, out.String(), "harbour")
}

func TestForgetCommand(t *testing.T) {
	root, out := testRoot(t)
	root.SetArgs([]string{"forget", "--source-handle", "alice"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Deleted 2 delivery records")

	root, _ = testRoot(t)
	root.SetArgs([]string{"forget"})
	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
