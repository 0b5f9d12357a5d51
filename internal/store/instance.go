package store

import (
	"fmt"
	"path/filepath"

	"github.com/nightlyone/lockfile"
)

// InstanceLock enforces that only one covend process runs against a given
// workspace at a time, via an OS advisory PID lock file (covend.pid).
type InstanceLock struct {
	lock lockfile.Lockfile
}

// AcquireInstanceLock tries to lock covend.pid under covenDir. If another
// live process already holds it, it returns an error describing that
// process's PID so the caller can fail fast with an explicit message.
func AcquireInstanceLock(covenDir string) (*InstanceLock, error) {
	path, err := filepath.Abs(filepath.Join(covenDir, "covend.pid"))
	if err != nil {
		return nil, fmt.Errorf("resolve lock path: %w", err)
	}
	lf, err := lockfile.New(path)
	if err != nil {
		return nil, fmt.Errorf("create lockfile: %w", err)
	}
	if err := lf.TryLock(); err != nil {
		if owner, pidErr := lf.GetOwner(); pidErr == nil {
			return nil, fmt.Errorf("another covend instance is already running (pid %d): %w", owner.Pid, err)
		}
		return nil, fmt.Errorf("another covend instance is already running: %w", err)
	}
	return &InstanceLock{lock: lf}, nil
}

// Release unlocks the instance lock, allowing a future daemon to start.
func (l *InstanceLock) Release() error {
	return l.lock.Unlock()
}
