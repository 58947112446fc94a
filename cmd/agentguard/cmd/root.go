// Package cmd provides the CLI commands for agentguard.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentguard/agentguard/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentguard",
	Short: "AgentGuard - policy firewall for AI agent tool calls",
	Long: `AgentGuard sits between an AI agent and its tools. Every call to a
protected tool is matched against a declarative policy: allowed calls
pass through, blocked calls fail with a violation, and sensitive calls
are held until a human approves them through a signed webhook exchange.

Quick start:
  1. Create a starter policy:  agentguard init
  2. Check it:                 agentguard validate agentguard-policy.yaml
  3. Dry-run a tool call:      agentguard test agentguard-policy.yaml send_payment amount=500
  4. Serve the decision API:   agentguard serve

Configuration:
  Runtime config is loaded from agentguard.yaml in the current
  directory, $HOME/.agentguard/, or /etc/agentguard/.

  Environment variables can override config values with the AGENTGUARD_
  prefix. Example: AGENTGUARD_SERVER_LISTEN_ADDR=:9090`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentguard.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the CLI logger from config, or a sane default when
// config is unavailable.
func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
