package main

import (
	"fmt"
	"os"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/cli"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
)

func main() {
	err := cli.NewRootCommand().Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
