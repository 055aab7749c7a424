// Package daemon runs the indexer service. It owns the data directory,
// restores pipeline state from the journal on start, saves it again on
// shutdown, and runs the HTTP server, the indexer manager and the
// allowlist watcher as one unit.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/pdindex/internal/config"
)

// Config holds the file layout and timing of the daemon.
type Config struct {
	// DataDir holds everything below.
	DataDir string

	// PIDPath stores the daemon's process ID.
	// Default: <DataDir>/pdindex.pid
	PIDPath string

	// LockPath is held exclusively while the daemon runs.
	// Default: <DataDir>/.lock
	LockPath string

	// IndexPath is the bleve index directory.
	IndexPath string

	// JournalPath is the sqlite journal.
	JournalPath string

	// ShutdownGracePeriod bounds how long in-flight requests may take
	// once shutdown starts.
	// Default: 10s
	ShutdownGracePeriod time.Duration
}

// ConfigFrom derives the daemon layout from the service configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		DataDir:             c.Storage.DataDir,
		PIDPath:             c.Storage.PIDPath(),
		LockPath:            c.Storage.LockPath(),
		IndexPath:           c.Storage.IndexPath(),
		JournalPath:         c.Storage.JournalPath(),
		ShutdownGracePeriod: c.Server.ShutdownTimeoutDuration(),
	}
}

// DefaultConfig returns the layout for the default data directory.
func DefaultConfig() Config {
	return ConfigFrom(config.NewConfig())
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.PIDPath == "" {
		return fmt.Errorf("PID path cannot be empty")
	}
	if c.LockPath == "" {
		return fmt.Errorf("lock path cannot be empty")
	}
	if c.IndexPath == "" || c.JournalPath == "" {
		return fmt.Errorf("index and journal paths cannot be empty")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	return nil
}

// EnsureDir creates the data directory and the directories of the PID
// and lock files if they live elsewhere.
func (c Config) EnsureDir() error {
	dirs := []string{c.DataDir, filepath.Dir(c.PIDPath), filepath.Dir(c.LockPath)}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
