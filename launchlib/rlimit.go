// Copyright 2025 The landcover-io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package launchlib

import "fmt"

// LimitError reports a rejected resource-limit request, typically because the
// value exceeds what an unprivileged process may set. The limit is
// best-effort: callers log the error and continue unconstrained.
type LimitError struct {
	LimitKB uint64
	Err     error
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("failed to set address-space limit to %d KB: %v", e.LimitKB, e.Err)
}

func (e *LimitError) Unwrap() error {
	return e.Err
}

// AddressSpaceLimiter caps the virtual memory a process may map. The limit is
// applied to the launcher itself before spawning so the child inherits it.
// Only Linux can enforce it; Darwin and everything else report unsupported
// and Apply is a no-op.
type AddressSpaceLimiter interface {
	// Platform is the label used in logs ("linux", "darwin", "other").
	Platform() string

	// Supported reports whether this platform enforces the limit.
	Supported() bool

	// Apply caps the process address space at kb kilobytes. On unsupported
	// platforms it returns nil without doing anything.
	Apply(kb uint64) error
}

// NewAddressSpaceLimiter returns the limiter for the build platform.
func NewAddressSpaceLimiter() AddressSpaceLimiter {
	return newPlatformLimiter()
}

// SetResourceLimits applies the configured OS-level resource limits
// (open files, processes, core dumps) before spawn. No-op on non-Unix.
func SetResourceLimits(config ResourceConfig) error {
	return applyProcessRlimits(config)
}
