package validation

import "github.com/rendis/flowengine/pkg/schema"

// Validator checks flow versions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for flow structure and piece input props.
type Validator interface {
	ValidateFlow(fv *schema.FlowVersion) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// PieceLookup reports whether a piece action is registered.
// Satisfied by *pieces.Registry.
type PieceLookup interface {
	Has(piece, action string) bool
}

// ExpressionCompiler checks branch expressions without evaluating them.
// Satisfied by *expressions.CELEngine.
type ExpressionCompiler interface {
	Compile(expression string) error
}
