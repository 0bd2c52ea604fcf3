//go:build linux

package launchlib

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// linuxLimiter enforces RLIMIT_AS. The KB figure is the unit of record in
// config and logs (matching ulimit -v); the syscall takes bytes.
type linuxLimiter struct{}

func newPlatformLimiter() AddressSpaceLimiter {
	return linuxLimiter{}
}

func (linuxLimiter) Platform() string { return "linux" }

func (linuxLimiter) Supported() bool { return true }

func (linuxLimiter) Apply(kb uint64) error {
	limit := unix.Rlimit{Cur: kb * 1024, Max: kb * 1024}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &limit); err != nil {
		return &LimitError{LimitKB: kb, Err: err}
	}
	return nil
}

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
