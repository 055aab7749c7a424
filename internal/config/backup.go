package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// MaxBackups is the maximum number of config backups to keep.
	MaxBackups = 3

	// BackupSuffix is the extension inserted before the backup timestamp.
	BackupSuffix = ".bak"

	backupTimeLayout = "20060102-150405"
)

// BackupUserConfig copies the user config to a timestamped sibling file
// and prunes all but the newest MaxBackups copies. It returns the backup
// path, or "" when there is no user config.
func BackupUserConfig() (string, error) {
	return backupFile(GetUserConfigPath(), time.Now())
}

func backupFile(configPath string, now time.Time) (string, error) {
	if !fileExists(configPath) {
		return "", nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to read config for backup: %w", err)
	}

	backupPath := configPath + BackupSuffix + "." + now.Format(backupTimeLayout)
	// Two backups in the same second would collide.
	for n := 1; fileExists(backupPath); n++ {
		backupPath = fmt.Sprintf("%s%s.%s-%d", configPath, BackupSuffix, now.Format(backupTimeLayout), n)
	}
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	if err := pruneBackups(configPath, MaxBackups); err != nil {
		slog.Warn("config backup cleanup failed",
			slog.String("path", configPath),
			slog.String("error", err.Error()))
	}
	return backupPath, nil
}

// ListUserConfigBackups returns the backups of the user config, newest
// first.
func ListUserConfigBackups() ([]string, error) {
	return listBackups(GetUserConfigPath())
}

func listBackups(configPath string) ([]string, error) {
	dir := filepath.Dir(configPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list config directory: %w", err)
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	prefix := filepath.Base(configPath) + BackupSuffix + "."
	var backups []backup
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{filepath.Join(dir, entry.Name()), info.ModTime()})
	}

	// Newest first. The timestamped name breaks ties within a second.
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].modTime.Equal(backups[j].modTime) {
			return backups[i].modTime.After(backups[j].modTime)
		}
		return backups[i].path > backups[j].path
	})

	paths := make([]string, len(backups))
	for i, b := range backups {
		paths[i] = b.path
	}
	return paths, nil
}

// pruneBackups removes backups beyond keep, oldest first.
func pruneBackups(configPath string, keep int) error {
	backups, err := listBackups(configPath)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	var firstErr error
	for _, path := range backups[keep:] {
		if err := os.Remove(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestoreUserConfig replaces the user config with backupPath. The backup
// must parse as a config. The current file, if any, is backed up first.
func RestoreUserConfig(backupPath string) error {
	return restoreFile(GetUserConfigPath(), backupPath, time.Now())
}

func restoreFile(configPath, backupPath string, now time.Time) error {
	var probe Config
	if err := probe.loadYAML(backupPath); err != nil {
		return fmt.Errorf("backup is not a valid config: %w", err)
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	if _, err := backupFile(configPath, now); err != nil {
		return fmt.Errorf("failed to backup current config before restore: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write restored config: %w", err)
	}
	return nil
}
