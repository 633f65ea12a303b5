package sandbox

import (
	"context"

	"github.com/rendis/flowengine/pkg/schema"
)

var _ CodeRunner = (*Router)(nil)

// Router sends Lua modules to the in-process runner and every other language
// to the process runner. Either may be nil to disable that path.
type Router struct {
	lua     CodeRunner
	process CodeRunner
}

func NewRouter(lua, process CodeRunner) *Router {
	return &Router{lua: lua, process: process}
}

func (r *Router) Run(ctx context.Context, m Module, params map[string]any) (any, error) {
	target := r.process
	if m.Language == LanguageLua {
		target = r.lua
	}
	if target == nil {
		return nil, schema.NewErrorf(schema.ErrCodeSandbox, "no runner configured for %s modules", m.Language)
	}
	return target.Run(ctx, m, params)
}
