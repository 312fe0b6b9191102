package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cyruslayo/buildr/internal/config"
	"github.com/cyruslayo/buildr/internal/logging"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "buildr",
		Short: "Property listing drafts with background sync",
		Long: `buildr keeps property listing drafts on disk and pushes them to the
buildr server in the background.

  serve          - run the draft API, change feed and MCP endpoint
  draft          - inspect and edit the local draft
  hash-password  - print a bcrypt hash for AUTH_USERS`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newDraftCmd(), newHashPasswordCmd())

	return root
}

// loadConfig reads the environment and builds the process logger. Draft
// commands print to stdout, so their logs go to stderr.
func loadConfig(logToStderr bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if logToStderr {
		return cfg, logging.NewStderrLogger(cfg.Environment, cfg.LogLevel), nil
	}

	return cfg, logging.NewLogger(cfg.Environment, cfg.LogLevel), nil
}
