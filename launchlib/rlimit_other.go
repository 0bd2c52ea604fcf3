//go:build !linux && !darwin

package launchlib

// otherLimiter covers everything that is neither Linux nor Darwin (in
// practice, Windows). No resource limits are available; the application
// launches unconstrained.
type otherLimiter struct{}

func newPlatformLimiter() AddressSpaceLimiter {
	return otherLimiter{}
}

func (otherLimiter) Platform() string { return "other" }

func (otherLimiter) Supported() bool { return false }

func (otherLimiter) Apply(kb uint64) error { return nil }

func applyProcessRlimits(config ResourceConfig) error {
	return nil
}
