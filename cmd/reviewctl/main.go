// Package main implements reviewctl, the command-line tool for the offline
// pipeline (ingest, preprocess, index) and for talking to a running
// reviewrag daemon.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	// serverURL is the base URL of the reviewrag daemon.
	serverURL  string
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "reviewctl",
		Short: "Manage the review index and query the reviewrag daemon",
		Long: `reviewctl runs the offline pipeline that feeds reviewrag and talks to a
running daemon.

Pipeline:
  reviewctl ingest reviews.jsonl   load raw reviews
  reviewctl preprocess             clean and dedupe them
  reviewctl index                  embed and publish a new generation

Daemon:
  reviewctl query "how is the battery?"
  reviewctl health`,
		Version:       version,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:8000", "reviewrag server URL")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newIngestCmd(opts),
		newPreprocessCmd(opts),
		newIndexCmd(opts),
		newDBCheckCmd(opts),
		newQueryCmd(opts),
		newHealthCmd(opts),
	)
	return root
}
