package launchlib

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// StartupLock prevents two launcher instances from starting the same service
// concurrently. It is a non-blocking flock on a file under var/run; the lock
// is released automatically when the launcher process exits.
type StartupLock struct {
	path  string
	flock *flock.Flock
}

// NewStartupLock creates a lock for the named service under var/run.
func NewStartupLock(serviceName string) *StartupLock {
	path := filepath.Join("var", "run", serviceName+".lock")
	return &StartupLock{
		path:  path,
		flock: flock.New(path),
	}
}

// Acquire attempts to take the lock without blocking. It returns an error if
// another launcher already holds it.
func (l *StartupLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire startup lock %s: %w", l.path, err)
	}
	if !acquired {
		return fmt.Errorf("another launcher instance holds %s", l.path)
	}
	return nil
}

// Release unlocks and removes the lock file. Safe to call when not held.
func (l *StartupLock) Release() {
	_ = l.flock.Unlock()
	_ = os.Remove(l.path)
}
