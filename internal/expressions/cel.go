package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/flowengine/pkg/schema"
)

// celCostLimit bounds the work a single branch expression may do.
const celCostLimit = 1_000_000

// CELEngine evaluates branch expressions with Google's Common Expression Language.
// The only variable is `steps`, the mention scope of the running context, so a
// branch can be written as `steps.code1 > 0 && steps.trigger.ok`.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("steps", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression with data bound as `steps`.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"steps": data})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "branch expression %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"branch expression %q returned %T, expected bool", expression, out)
	}
	return b, nil
}

// Compile checks expression without evaluating it. Used by flow validation.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty branch expression")
	}
	return e.programs.get(expression, func() (cel.Program, error) {
		ast, issues := e.env.Compile(expression)
		if err := issues.Err(); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "branch expression %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		prg, err := e.env.Program(ast, cel.CostLimit(celCostLimit))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "branch expression %q: %s", expression, err.Error()).
				WithCause(err)
		}
		return prg, nil
	})
}

var _ Engine = (*CELEngine)(nil)
