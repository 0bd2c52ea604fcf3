//go:build darwin

package launchlib

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// darwinLimiter never applies the address-space limit. RLIMIT_AS is not
// reliably enforced by XNU, so macOS launches run unconstrained. This is a
// documented capability gap, not an oversight.
type darwinLimiter struct{}

func newPlatformLimiter() AddressSpaceLimiter {
	return darwinLimiter{}
}

func (darwinLimiter) Platform() string { return "darwin" }

func (darwinLimiter) Supported() bool { return false }

func (darwinLimiter) Apply(kb uint64) error { return nil }

func applyProcessRlimits(config ResourceConfig) error {
	if config.MaxOpenFiles > 0 {
		if err := setRlimit(unix.RLIMIT_NOFILE, config.MaxOpenFiles); err != nil {
			return fmt.Errorf("failed to set RLIMIT_NOFILE to %d: %w", config.MaxOpenFiles, err)
		}
	}
	if config.MaxProcesses > 0 {
		if err := setRlimit(unix.RLIMIT_NPROC, config.MaxProcesses); err != nil {
			return fmt.Errorf("failed to set RLIMIT_NPROC to %d: %w", config.MaxProcesses, err)
		}
	}
	if !config.CoreDumpEnabled {
		if err := setRlimit(unix.RLIMIT_CORE, 0); err != nil {
			return fmt.Errorf("failed to disable core dumps: %w", err)
		}
	}
	return nil
}

func setRlimit(resource int, value uint64) error {
	limit := unix.Rlimit{Cur: value, Max: value}
	return unix.Setrlimit(resource, &limit)
}
