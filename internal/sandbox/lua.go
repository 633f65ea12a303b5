package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/rendis/flowengine/pkg/schema"
)

const (
	luaGlobalTableIndex = -2
	luaTableSetIndex    = -3
	luaGlobalTableName  = "_G"
	luaEntryPoint       = "\nreturn code(...)\n"
)

// Globals removed from every state before user code runs.
var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

var _ CodeRunner = (*LuaRunner)(nil)

// LuaRunner runs Lua modules in process. Each distinct source is compiled once
// to bytecode; every call loads it into a fresh state, so globals written by
// one call are never seen by the next.
//
// A module that overruns its timeout is abandoned: the call returns a timeout
// error while the goroutine finishes on its own.
// Use ProcessRunner when a hard kill is required.
type LuaRunner struct {
	timeout time.Duration

	mu      sync.Mutex
	modules map[string]*luaModule
}

type luaModule struct {
	bytecode []byte
}

// NewLuaRunner creates a runner. timeout <= 0 disables the per-call budget.
func NewLuaRunner(timeout time.Duration) *LuaRunner {
	return &LuaRunner{timeout: timeout, modules: make(map[string]*luaModule)}
}

type luaResult struct {
	value any
	err   error
}

func (r *LuaRunner) Run(ctx context.Context, m Module, params map[string]any) (any, error) {
	mod, err := r.compiled(m)
	if err != nil {
		return nil, err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan luaResult, 1)
	go func() {
		value, err := callLua(newSandboxState(), mod.bytecode, m.Name, params)
		done <- luaResult{value, err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, classify(ctx, m, r.timeout, ctx.Err())
	}
}

func callLua(L *lua.State, bytecode []byte, name string, params map[string]any) (any, error) {
	if err := L.Load(bytes.NewReader(bytecode), name, "b"); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSandbox, "load module %s: %s", name, err.Error()).WithCause(err)
	}
	goToLua(L, params)
	if err := L.ProtectedCall(1, 1, 0); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).WithCause(err)
	}
	value := luaToGo(L, -1)
	L.SetTop(0)
	return value, nil
}

func (r *LuaRunner) compiled(m Module) (*luaModule, error) {
	sum := sha256.Sum256([]byte(m.Source))
	key := hex.EncodeToString(sum[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if mod, ok := r.modules[key]; ok {
		return mod, nil
	}

	L := newSandboxState()
	if err := lua.LoadString(L, m.Source+luaEntryPoint); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSandbox, "compile module %s: %s", m.Name, err.Error()).WithCause(err)
	}
	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSandbox, "compile module %s: %s", m.Name, err.Error()).WithCause(err)
	}

	mod := &luaModule{bytecode: buf.Bytes()}
	r.modules[key] = mod
	return mod, nil
}

func newSandboxState() *lua.State {
	L := lua.NewState()
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
	return L
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		L.PushNil()
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		L.CreateTable(len(v), 0)
		for i, item := range v {
			L.PushInteger(i + 1)
			goToLua(L, item)
			L.SetTable(luaTableSetIndex)
		}
	case map[string]any:
		L.CreateTable(0, len(v))
		for k, item := range v {
			L.PushString(k)
			goToLua(L, item)
			L.SetTable(luaTableSetIndex)
		}
	default:
		// Typed slices, maps and numbers are pushed through their JSON shape.
		raw, err := json.Marshal(v)
		if err != nil {
			L.PushString(fmt.Sprintf("%v", v))
			return
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			L.PushString(string(raw))
			return
		}
		goToLua(L, generic)
	}
}

func luaToGo(L *lua.State, index int) any {
	switch L.TypeOf(index) {
	case lua.TypeBoolean:
		return L.ToBoolean(index)
	case lua.TypeNumber:
		n, _ := L.ToNumber(index)
		if isLuaInteger(n) {
			return int(n)
		}
		return n
	case lua.TypeString:
		s, _ := L.ToString(index)
		return s
	case lua.TypeTable:
		return luaTableToAny(L, index)
	default:
		return nil
	}
}

// isLuaInteger reports whether n is integral and fits in an int64.
func isLuaInteger(n float64) bool {
	return n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64
}

// luaTableToAny returns a []any for tables whose keys are exactly 1..n and a
// map with stringified keys otherwise. index must be negative.
func luaTableToAny(L *lua.State, index int) any {
	length, maxKey := 0, 0
	isArray := true
	L.PushNil()
	for L.Next(index - 1) {
		length++
		if isArray && L.TypeOf(-2) != lua.TypeNumber {
			isArray = false
		}
		if isArray {
			k, _ := L.ToNumber(-2)
			if !isLuaInteger(k) || k < 1 || k > math.MaxInt32 {
				isArray = false
			} else if int(k) > maxKey {
				maxKey = int(k)
			}
		}
		L.Pop(1)
	}

	if isArray && length > 0 && maxKey == length {
		abs := L.Top() + index + 1
		arr := make([]any, length)
		for i := 1; i <= length; i++ {
			L.RawGetInt(abs, i)
			arr[i-1] = luaToGo(L, -1)
			L.Pop(1)
		}
		return arr
	}

	out := map[string]any{}
	L.PushNil()
	for L.Next(index - 1) {
		var key string
		if L.TypeOf(-2) == lua.TypeString {
			key, _ = L.ToString(-2)
		} else {
			key = fmt.Sprint(luaToGo(L, -2))
		}
		out[key] = luaToGo(L, -1)
		L.Pop(1)
	}
	return out
}
