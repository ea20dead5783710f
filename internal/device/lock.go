package device

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"tracklift/internal/faults"
)

// Lock is an exclusive, process-level claim on the recorder. Only one
// tracklift process may drive the recorder at a time.
type Lock struct {
	lock *flock.Flock
}

// AcquireLock takes the lock file at path without blocking.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire recorder lock: %w", err)
	}
	if !ok {
		return nil, faults.Wrap(faults.ErrDeviceUnavailable, "device", "lock",
			fmt.Sprintf("recorder is in use by another tracklift process (lock %s)", path), nil)
	}
	return &Lock{lock: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.lock.Path()
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
