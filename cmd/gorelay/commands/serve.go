package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/gorelay/internal/config"
	"github.com/Tyrowin/gorelay/internal/logger"
	"github.com/Tyrowin/gorelay/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server in the foreground",
		Long: `Run the server until SIGINT or SIGTERM. SIGHUP replaces the HTTP
instance on the same port while the subscription hub and the sweeper keep running.

Examples:
  # Serve on port 4000
  GORELAY_SERVER_PORT=4000 gorelay serve

  # Serve with a config file
  gorelay serve --config /etc/gorelay/config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	logger.Info("Starting gorelay", "version", Version, "port", cfg.Server.Port)
	return srv.Run(cmd.Context(), signals)
}
