//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns the timeout-only isolator on platforms without cgroups.
func NewIsolator(logger *slog.Logger) Isolator {
	if logger != nil {
		logger.Warn("isolation: kernel isolation unavailable, code modules only get a timeout")
	}
	return NewFallbackIsolator()
}
