package main

import (
	"github.com/spf13/cobra"

	"github.com/bazelment/agentrelay/claude"
	"github.com/bazelment/agentrelay/config"
	"github.com/bazelment/agentrelay/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve sessions to WebSocket clients",
	Long: `Serve exposes GET /ws for browser clients and GET /healthz. The config
file is watched and changes apply to the next turn.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Fail fast on a bad --remote.
	if _, err := baseOptions(cfg, logger); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	store := config.NewStore(cfg)
	path := resolveConfigPath()
	go func() {
		if err := config.Watch(ctx, path, store, logger); err != nil {
			logger.Warn("config watch disabled", "path", path, "error", err)
		}
	}()

	srv := server.New(server.Config{
		Options: func() ([]claude.Option, error) {
			return baseOptions(store.Get(), logger)
		},
		Logger:          logger,
		ConversationTTL: cfg.Server.ConversationTTL,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	})

	addr := serveListen
	if addr == "" {
		addr = cfg.Server.Listen
	}
	return srv.ListenAndServe(ctx, addr)
}
