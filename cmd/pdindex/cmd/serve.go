package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdindex/internal/config"
	"github.com/Aman-CERP/pdindex/internal/daemon"
	"github.com/Aman-CERP/pdindex/internal/logging"
	"github.com/Aman-CERP/pdindex/internal/output"
	"github.com/Aman-CERP/pdindex/pkg/version"
)

func newServeCmd() *cobra.Command {
	var addr string
	var dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexer server",
		Long: `Run the indexer server in the foreground.

The server listens on server.addr, accepts participant submissions and
deletions, and keeps retrying failed business card fetches until they
succeed or expire. Queued and retrying work is saved to the journal on
shutdown and restored on the next start.

Stop it with Ctrl+C, SIGTERM, or 'pdindex stop'.`,
		Example: `  # Serve with the user config
  pdindex serve

  # Serve with an explicit config and data directory
  pdindex serve -c /etc/pdindex/config.yaml --data-dir /var/lib/pdindex`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dataDir != "" {
				cfg.Storage.DataDir = dataDir
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides storage.data_dir)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logCfg := logging.Config{
		Level:         cfg.Server.LogLevel,
		FilePath:      cfg.Logging.File,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: true,
	}
	if logCfg.FilePath == "" {
		logCfg.FilePath = logging.DefaultLogPath()
	}
	if debugMode {
		logCfg.Level = "debug"
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("starting pdindex",
		slog.String("version", version.Version),
		slog.String("log_file", logCfg.FilePath))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, daemon.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := d.Run(ctx); err != nil {
		logger.Error("server stopped with error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func newStopCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running server",
		Long: `Stop the server that owns the configured data directory.

Sends SIGTERM so pending work is saved to the journal, then waits for
the process to exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd, wait)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "How long to wait for the server to exit")

	return cmd
}

func runStop(cmd *cobra.Command, wait time.Duration) error {
	out := output.New(cmd.OutOrStdout())
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	owner := daemon.NewOwnerFile(daemon.ConfigFrom(cfg).PIDPath)
	pid, err := owner.Terminate()
	if errors.Is(err, daemon.ErrNoOwner) {
		out.Status("", "Server is not running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if _, live := owner.Live(); !live {
			out.Successf("Server stopped (was pid: %d)", pid)
			return nil
		}
	}
	return fmt.Errorf("server (pid %d) did not exit within %s", pid, wait)
}
