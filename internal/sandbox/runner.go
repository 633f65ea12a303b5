// Package sandbox runs user code modules for CODE steps. Every module exposes
// code(params) and its return value becomes the step output.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// Language names accepted in a step's sourceCode.language.
const (
	LanguageLua        = "lua"
	LanguagePython     = "python"
	LanguageJavaScript = "javascript"
	LanguageShell      = "shell"
	// LanguageExecutable marks a prebuilt program that reads params JSON on
	// stdin and writes its result JSON to stdout.
	LanguageExecutable = "executable"
)

// Module file names looked up in <codeDir>/<stepName>/, in order.
var moduleFiles = []struct {
	name     string
	language string
}{
	{"main.lua", LanguageLua},
	{"index.js", LanguageJavaScript},
	{"main.py", LanguagePython},
	{"main.sh", LanguageShell},
	{"run", LanguageExecutable},
}

// Module is one loaded code module.
type Module struct {
	Name     string // step name, used in errors and as the cache key prefix
	Language string
	Source   string // script text; empty for executables
	Path     string // file the module came from; empty for inline source
}

// CodeRunner executes a module's code(params) and returns its result.
type CodeRunner interface {
	Run(ctx context.Context, m Module, params map[string]any) (any, error)
}

// LoadModule prefers the step's inline source and otherwise looks for a
// module file in <codeDir>/<stepName>/.
func LoadModule(codeDir, stepName string, inline *schema.SourceCode) (Module, error) {
	if inline != nil && strings.TrimSpace(inline.Code) != "" {
		lang := strings.ToLower(inline.Language)
		if lang == "" {
			lang = LanguageLua
		}
		return Module{Name: stepName, Language: lang, Source: inline.Code}, nil
	}

	if codeDir == "" {
		return Module{}, schema.NewErrorf(schema.ErrCodeSandbox,
			"step %s has no inline source and no code directory is configured", stepName)
	}

	dir := filepath.Join(codeDir, stepName)
	for _, f := range moduleFiles {
		path := filepath.Join(dir, f.name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		m := Module{Name: stepName, Language: f.language, Path: path}
		if f.language != LanguageExecutable {
			src, err := os.ReadFile(path)
			if err != nil {
				return Module{}, schema.NewErrorf(schema.ErrCodeSandbox, "read module %s", path).WithCause(err)
			}
			m.Source = string(src)
		}
		return m, nil
	}
	return Module{}, schema.NewErrorf(schema.ErrCodeSandbox, "no code module found in %s", dir)
}

// timeoutError is the failure reported when a module exceeds its budget.
// A budget <= 0 means the deadline came from the caller.
func timeoutError(name string, budget time.Duration) error {
	msg := "Execution timed out"
	if budget > 0 {
		msg = fmt.Sprintf("Execution timed out after %s", budget)
	}
	return schema.NewError(schema.ErrCodeTimeout, msg).
		WithDetails(map[string]any{"module": name})
}

// classify turns a context failure into a timeout error and wraps anything
// else as a sandbox error.
func classify(ctx context.Context, m Module, budget time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(m.Name, budget)
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewError(schema.ErrCodeSandbox, fmt.Sprintf("%s: %s", m.Name, err.Error())).WithCause(err)
}
