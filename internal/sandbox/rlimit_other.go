//go:build !(linux || darwin)

package sandbox

// Resource limits are not enforced on this platform; the parent timeout
// still applies.
func applyLimits() error { return nil }
