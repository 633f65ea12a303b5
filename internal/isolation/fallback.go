package isolation

import (
	"context"
	"os/exec"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator only enforces the timeout. Used where cgroups v2 is missing.
type FallbackIsolator struct{}

func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	wrapped, cancel := cloneCommand(ctx, cmd, limits.Timeout)
	return wrapped, func() { cancel() }, nil
}

func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}
