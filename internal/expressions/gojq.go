package expressions

import (
	"context"
	"slices"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowengine/pkg/schema"
)

// GoJQEngine runs jq programs over step data. $ENV is empty inside programs.
// Compiled programs are cached per (program, variable names).
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data, nil)
}

// Query runs program against input. Each entry of vars is bound as $name.
// One result is returned as-is, several as a list, none as nil.
func (e *GoJQEngine) Query(ctx context.Context, program string, input any, vars map[string]any) (any, error) {
	if strings.TrimSpace(program) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq program")
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)

	code, err := e.compiled(program, names)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(names))
	for i, name := range names {
		values[i] = jqValue(vars[name])
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(input), values...)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if halt, ok := err.(*gojq.HaltError); ok && halt.Value() == nil {
				break
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq: %s", err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"program": program})
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

func (e *GoJQEngine) compiled(program string, varNames []string) (*gojq.Code, error) {
	key := program + "\x00" + strings.Join(varNames, ",")
	return e.programs.get(key, func() (*gojq.Code, error) {
		query, err := gojq.Parse(program)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse %q: %s", program, err.Error()).WithCause(err)
		}
		dollar := make([]string, len(varNames))
		for i, n := range varNames {
			dollar[i] = "$" + n
		}
		code, err := gojq.Compile(query,
			gojq.WithVariables(dollar),
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile %q: %s", program, err.Error()).WithCause(err)
		}
		return code, nil
	})
}

// jqValue rewrites a decoded value into the types gojq accepts: integers
// become int or float64, typed maps and slices become generic ones.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint:
		return float64(val)
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
