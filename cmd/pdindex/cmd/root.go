// Package cmd provides the CLI commands for pdindex.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdindex/internal/config"
	"github.com/Aman-CERP/pdindex/internal/daemon"
	"github.com/Aman-CERP/pdindex/internal/logging"
	"github.com/Aman-CERP/pdindex/internal/profiling"
	"github.com/Aman-CERP/pdindex/pkg/version"
)

// Global flags
var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// Profiling flags
var (
	profileOpts    profiling.Options
	profileSession *profiling.Session
)

// Client flags, shared by every command that talks to a running server.
var (
	serverURL  string
	clientCert string
	clientKey  string
	clientCA   string
)

// NewRootCmd creates the root command for the pdindex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pdindex",
		Short: "Participant directory indexer",
		Long: `pdindex keeps a searchable directory of network participants.

Participants are submitted by ID. The server fetches each business card
from the configured provider, indexes it, and retries failed fetches in
the background until they succeed or expire.

Run 'pdindex serve' to start the server; the other commands talk to it.`,
		Version:      version.Version,
		SilenceUsage: true,
	}

	cmd.SetVersionTemplate("pdindex version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (merged over the user config)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to stderr")

	cmd.PersistentFlags().StringVar(&serverURL, "url", "", "Server URL (default: derived from server.addr)")
	cmd.PersistentFlags().StringVar(&clientCert, "cert", "", "Client certificate presented to the server")
	cmd.PersistentFlags().StringVar(&clientKey, "key", "", "Key of the client certificate")
	cmd.PersistentFlags().StringVar(&clientCA, "ca", "", "CA bundle used to verify the server")

	cmd.PersistentFlags().StringVar(&profileOpts.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	// Server
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStopCmd())

	// Directory operations
	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newExportCmd())

	// Pipeline inspection
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReIndexCmd())
	cmd.AddCommand(newDeadCmd())

	// Local tooling
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging starts the requested profiles and enables
// stderr debug logging when --debug is set. The serve command replaces
// the logger with its configured one.
func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if profileOpts.Enabled() {
		s, err := profiling.Start(profileOpts)
		if err != nil {
			return err
		}
		profileSession = s
	}

	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         "debug",
		WriteToStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	var err error
	if profileSession != nil {
		err = profileSession.Stop()
		profileSession = nil
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig loads the effective configuration, honouring --config.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newClient builds a server client from the configuration and the
// client flags. Flags win over the derived values.
func newClient() (*daemon.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cc := daemon.ClientConfigFrom(cfg)
	if serverURL != "" {
		cc.BaseURL = serverURL
	}
	cc.CertFile = clientCert
	cc.KeyFile = clientKey
	cc.CAFile = clientCA
	return daemon.NewClient(cc)
}
