package crosssign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Locker is the durable, process-external run lock keyed by target id.
// Acquire is non-blocking: a held lock returns ErrLockBusy immediately.
// Clear force-removes the resource, for recovering from a crashed
// holder.
type Locker interface {
	Acquire(ctx context.Context, targetID string) (LockHandle, error)
	Clear(ctx context.Context, targetID string) error
}

// LockHandle releases one successful acquisition. Release is safe to
// call exactly once per acquire and removes the durable resource.
type LockHandle interface {
	Release(ctx context.Context) error
}

// FileLocker backs the run lock with exclusive marker files. The file's
// absence is the ground truth of "free": a crashed holder leaves its
// file behind and the target stays locked out until an operator clears
// it. There is no staleness timeout.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileLocker{dir: dir}, nil
}

// lockHolder is written into the marker file so an operator inspecting
// a stuck lock can see who took it and when.
type lockHolder struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (l *FileLocker) path(targetID string) string {
	return filepath.Join(l.dir, "cross-sign-"+url.PathEscape(targetID)+".lock")
}

func (l *FileLocker) Acquire(_ context.Context, targetID string) (LockHandle, error) {
	path := l.path(targetID)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("target %s: %w", targetID, ErrLockBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock for target %s: %w", targetID, err)
	}

	hostname, _ := os.Hostname()
	holder := lockHolder{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now().UTC()}
	if encErr := json.NewEncoder(f).Encode(holder); encErr != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock holder for target %s: %w", targetID, encErr)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("acquire lock for target %s: %w", targetID, err)
	}

	return &fileLockHandle{path: path}, nil
}

func (l *FileLocker) Clear(_ context.Context, targetID string) error {
	err := os.Remove(l.path(targetID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear lock for target %s: %w", targetID, err)
	}
	return nil
}

type fileLockHandle struct {
	path string
}

func (h *fileLockHandle) Release(_ context.Context) error {
	err := os.Remove(h.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", h.path, err)
	}
	return nil
}
