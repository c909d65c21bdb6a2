// Command agentrelay runs Claude Code turns locally or over SSH and streams
// their output to a terminal or WebSocket clients.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bazelment/agentrelay/claude"
	"github.com/bazelment/agentrelay/config"
)

var (
	configPath string
	remoteName string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "agentrelay",
	Short: "Stream Claude Code sessions as typed events",
	Long: `agentrelay drives the claude CLI in stream-json mode, locally or on a
remote host over SSH, and turns its output into ordered events for a
terminal, an interactive chat, or WebSocket clients.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&remoteName, "remote", "", "Run the CLI on this configured remote")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger creates a structured logger with the configured verbosity.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// baseOptions converts cfg for the selected remote.
func baseOptions(cfg *config.Config, logger *slog.Logger) ([]claude.Option, error) {
	opts, err := cfg.ClaudeOptions(remoteName)
	if err != nil {
		return nil, err
	}
	return append(opts, claude.WithLogger(logger)), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
