package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowengine/pkg/schema"
)

// ExprEngine evaluates computed mentions such as {{ code1.total * 2 }} or
// {{ len(fetch.items) > 0 ? "some" : "none" }} with expr-lang/expr.
// Step names are top-level variables; unknown ones evaluate to nil. Programs
// are compiled untyped so one cached program serves every output shape.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prg, err := e.programs.get(expression, func() (*vm.Program, error) {
		prg, err := expr.Compile(expression,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, resolutionError(expression, "does not compile", err)
		}
		return prg, nil
	})
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, resolutionError(expression, "failed", err)
	}
	return out, nil
}

func resolutionError(expression, what string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeResolution, "expression %q %s: %s", expression, what, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*ExprEngine)(nil)
