package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrNoOwner means no live pdindex process owns the data directory.
var ErrNoOwner = errors.New("no pdindex process owns the data directory")

// OwnerFile names the process that holds the data directory lock, so
// that `pdindex stop` and a refused second start can say who it is.
// The lock is the authority; this file is only the label on it.
type OwnerFile struct {
	path string
}

// NewOwnerFile returns the owner record kept at path.
func NewOwnerFile(path string) *OwnerFile {
	return &OwnerFile{path: path}
}

// Claim records the calling process as owner. The record is replaced
// with a rename, so a concurrent Owner never reads a torn number.
func (o *OwnerFile) Claim() error {
	dir := filepath.Dir(o.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create owner directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".owner-*")
	if err != nil {
		return fmt.Errorf("claim data directory: %w", err)
	}
	_, werr := fmt.Fprintln(tmp, os.Getpid())
	if err := errors.Join(werr, tmp.Close()); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("claim data directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), o.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("claim data directory: %w", err)
	}
	return nil
}

// Owner returns the recorded pid whether or not that process still runs.
func (o *OwnerFile) Owner() (int, error) {
	data, err := os.ReadFile(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNoOwner
	}
	if err != nil {
		return 0, fmt.Errorf("read owner: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("owner file %s holds %q, not a pid", o.path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Live returns the owner's pid when that process is still running.
func (o *OwnerFile) Live() (int, bool) {
	pid, err := o.Owner()
	if err != nil || !alive(pid) {
		return 0, false
	}
	return pid, true
}

// Release drops the record if it still names this process. A record
// rewritten by a newer owner is left alone.
func (o *OwnerFile) Release() error {
	pid, err := o.Owner()
	if errors.Is(err, ErrNoOwner) {
		return nil
	}
	if err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(o.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release data directory: %w", err)
	}
	return nil
}

// Terminate asks the live owner to shut down and returns its pid.
func (o *OwnerFile) Terminate() (int, error) {
	return o.send(syscall.SIGTERM)
}

func (o *OwnerFile) send(sig syscall.Signal) (int, error) {
	pid, ok := o.Live()
	if !ok {
		return 0, ErrNoOwner
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find pdindex process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return pid, fmt.Errorf("signal pdindex process %d: %w", pid, err)
	}
	return pid, nil
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 only checks.
	return proc.Signal(syscall.Signal(0)) == nil
}
