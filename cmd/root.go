// Package cmd wires the chisel CLI: the project store server, schema
// migrations, local session management, and the client-side session
// opener.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chisel-dev/chisel/internal/config"
	"github.com/chisel-dev/chisel/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chisel",
	Short: "Chisel - persistence and sync for browser-based coding sessions",
	Long: `Chisel stores chat transcripts, project files, and workbench state for
browser-based coding sessions, and keeps a local working copy in sync
with the hosted project store.

Run "chisel serve" to start the project store API, or "chisel open" to
restore and sync a session locally.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newOpenCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig loads and validates the configuration, then installs the
// configured logger as the process default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{
		Level: parseLogLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		if os.Getenv("DEBUG") != "" {
			return slog.LevelDebug
		}
		return slog.LevelInfo
	}
}
