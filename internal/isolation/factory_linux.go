//go:build linux

package isolation

import "log/slog"

// NewIsolator prefers cgroups v2 and falls back to timeout-only isolation
// when the cgroup hierarchy is not writable (unprivileged containers, CI).
func NewIsolator(logger *slog.Logger) Isolator {
	iso, err := NewLinuxIsolator()
	if err != nil {
		if logger != nil {
			logger.Warn("isolation: cgroups v2 unavailable, falling back to timeout only", "error", err)
		}
		return NewFallbackIsolator()
	}
	return iso
}
