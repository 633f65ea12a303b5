package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rendis/flowengine/internal/isolation"
	"github.com/rendis/flowengine/pkg/schema"
)

// resultMarker separates a script's own stdout from the harness-written result.
const resultMarker = "\x1eFLOWENGINE_RESULT\x1e"

const maxStderr = 4 << 10

var defaultInterpreters = map[string][]string{
	LanguagePython:     {"python3"},
	LanguageJavaScript: {"node"},
	LanguageShell:      {"sh"},
}

// harnesses append the code(params) call to script modules. Shell modules and
// executables speak the raw protocol: params on stdin, result on stdout.
var harnesses = map[string]string{
	LanguagePython: `
import json as _fe_json, sys as _fe_sys
_fe_params = _fe_json.loads(_fe_sys.stdin.read() or "null")
_fe_result = code(_fe_params)
_fe_sys.stdout.write("\n" + %q + _fe_json.dumps(_fe_result))
`,
	LanguageJavaScript: `
let __feInput = '';
process.stdin.on('data', (c) => { __feInput += c; });
process.stdin.on('end', async () => {
  try {
    const r = await code(__feInput ? JSON.parse(__feInput) : null);
    process.stdout.write('\n' + %q + JSON.stringify(r === undefined ? null : r));
  } catch (e) {
    process.stderr.write(String((e && e.stack) || e));
    process.exit(1);
  }
});
`,
}

var _ CodeRunner = (*ProcessRunner)(nil)

// ProcessRunner executes modules as child processes wrapped by an isolator.
type ProcessRunner struct {
	isolator     isolation.Isolator
	limits       isolation.ResourceLimits
	interpreters map[string][]string
	scratchDir   string
}

// ProcessOption customizes a ProcessRunner.
type ProcessOption func(*ProcessRunner)

// WithInterpreter overrides the command used for a script language.
func WithInterpreter(language string, argv ...string) ProcessOption {
	return func(r *ProcessRunner) { r.interpreters[language] = argv }
}

// WithScratchDir sets where generated harness files are written.
func WithScratchDir(dir string) ProcessOption {
	return func(r *ProcessRunner) { r.scratchDir = dir }
}

func NewProcessRunner(iso isolation.Isolator, limits isolation.ResourceLimits, opts ...ProcessOption) *ProcessRunner {
	r := &ProcessRunner{
		isolator:     iso,
		limits:       limits,
		interpreters: make(map[string][]string, len(defaultInterpreters)),
	}
	for k, v := range defaultInterpreters {
		r.interpreters[k] = v
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *ProcessRunner) Run(ctx context.Context, m Module, params map[string]any) (any, error) {
	if m.Path != "" {
		if err := r.limits.ValidateModulePath(m.Path); err != nil {
			return nil, err
		}
	}

	argv, marker, cleanupFiles, err := r.command(m)
	if err != nil {
		return nil, err
	}
	defer cleanupFiles()

	stdin, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSandbox, "encode params for %s", m.Name).WithCause(err)
	}

	if r.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.limits.Timeout)
		defer cancel()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if m.Path != "" {
		cmd.Dir = filepath.Dir(m.Path)
	}
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	wrapped, release, err := r.isolator.Wrap(ctx, cmd, r.limits)
	if err != nil {
		return nil, classify(ctx, m, r.limits.Timeout, err)
	}
	defer release()

	if err := wrapped.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, classify(ctx, m, r.limits.Timeout, ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s", failureMessage(err, stderr.Bytes())).WithCause(err)
	}

	return parseResult(stdout.Bytes(), marker)
}

// command builds argv for m. Script modules are written next to a harness
// into a scratch file that cleanup removes.
func (r *ProcessRunner) command(m Module) ([]string, bool, func(), error) {
	noop := func() {}

	if m.Language == LanguageExecutable {
		if m.Path == "" {
			return nil, false, noop, schema.NewErrorf(schema.ErrCodeSandbox, "executable module %s has no path", m.Name)
		}
		return []string{m.Path}, false, noop, nil
	}

	interp, ok := r.interpreters[m.Language]
	if !ok || len(interp) == 0 {
		return nil, false, noop, schema.NewErrorf(schema.ErrCodeSandbox,
			"no interpreter for language %q in module %s", m.Language, m.Name)
	}

	src := m.Source
	harness, marker := harnesses[m.Language]
	if marker {
		src += "\n" + fmt.Sprintf(harness, resultMarker)
	} else if m.Path != "" {
		return append(append([]string{}, interp...), m.Path), false, noop, nil
	}

	f, err := os.CreateTemp(r.scratchDir, "flowengine-"+m.Name+"-*"+extension(m.Language))
	if err != nil {
		return nil, false, noop, schema.NewErrorf(schema.ErrCodeSandbox, "write module %s", m.Name).WithCause(err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.WriteString(src); err != nil {
		f.Close()
		cleanup()
		return nil, false, noop, schema.NewErrorf(schema.ErrCodeSandbox, "write module %s", m.Name).WithCause(err)
	}
	f.Close()

	return append(append([]string{}, interp...), f.Name()), marker, cleanup, nil
}

func extension(language string) string {
	switch language {
	case LanguagePython:
		return ".py"
	case LanguageJavaScript:
		return ".js"
	case LanguageShell:
		return ".sh"
	}
	return ""
}

// parseResult decodes the module's JSON result. With a marker only the text
// after the last marker counts; script prints before it are ignored.
func parseResult(out []byte, marker bool) (any, error) {
	if marker {
		idx := bytes.LastIndex(out, []byte(resultMarker))
		if idx == -1 {
			return nil, schema.NewError(schema.ErrCodeExecution, "module exited without returning a result")
		}
		out = out[idx+len(resultMarker):]
	}

	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(out) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "module output is not valid JSON: %s", truncate(out, 200))
	}
	return gjson.ParseBytes(out).Value(), nil
}

func failureMessage(err error, stderr []byte) string {
	msg := strings.TrimSpace(string(truncate(stderr, maxStderr)))
	if msg == "" {
		return err.Error()
	}
	return msg
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
