package auth

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

// Allowlist is a set of client common names loaded from a file with one
// name per line. Blank lines and lines starting with '#' are ignored.
// The set is swapped atomically on reload, so lookups never block.
type Allowlist struct {
	path   string
	names  atomic.Pointer[map[string]struct{}]
	logger *slog.Logger
}

// LoadAllowlist reads the allowlist file.
func LoadAllowlist(path string, logger *slog.Logger) (*Allowlist, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allowlist{path: path, logger: logger}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewAllowlist creates an in-memory allowlist that is never reloaded.
func NewAllowlist(names ...string) *Allowlist {
	a := &Allowlist{logger: slog.Default()}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	a.names.Store(&set)
	return a
}

// Contains reports whether name is allowed.
func (a *Allowlist) Contains(name string) bool {
	set := a.names.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[name]
	return ok
}

// Len returns the number of allowed names.
func (a *Allowlist) Len() int {
	set := a.names.Load()
	if set == nil {
		return 0
	}
	return len(*set)
}

// Path returns the backing file, empty for in-memory allowlists.
func (a *Allowlist) Path() string {
	return a.path
}

// Reload re-reads the file. On error the previous set stays in effect.
func (a *Allowlist) Reload() error {
	if a.path == "" {
		return nil
	}
	f, err := os.Open(a.path)
	if err != nil {
		return pderrors.New(pderrors.ErrCodeFileNotFound, "cannot open allowlist", err).
			WithDetail("path", a.path)
	}
	defer func() { _ = f.Close() }()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read allowlist: %w", err)
	}

	a.names.Store(&set)
	a.logger.Info("allowlist loaded",
		slog.String("path", a.path),
		slog.Int("clients", len(set)))
	return nil
}

// Watch reloads the allowlist whenever its file changes, until ctx is
// cancelled. The parent directory is watched so that editors replacing
// the file by rename are noticed.
func (a *Allowlist) Watch(ctx context.Context) error {
	if a.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	absPath, err := filepath.Abs(a.path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch allowlist directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := a.Reload(); err != nil {
				a.logger.Warn("allowlist reload failed, keeping previous entries",
					slog.String("path", a.path),
					slog.String("error", err.Error()))
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("allowlist watcher error", slog.String("error", err.Error()))
		}
	}
}
