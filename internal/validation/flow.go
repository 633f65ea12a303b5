package validation

import "github.com/rendis/flowengine/pkg/schema"

var _ Validator = (*FlowValidator)(nil)

// FlowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Graph (tree shape, names, mention ordering)
// 3. Semantic (per-type settings, piece refs, expressions)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	pieces     PieceLookup
	cel        ExpressionCompiler
}

// NewFlowValidator creates a FlowValidator. pieces and cel may be nil to skip
// piece existence and expression compilation checks.
func NewFlowValidator(pieces PieceLookup, cel ExpressionCompiler) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{jsonSchema: jsv, pieces: pieces, cel: cel}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages, and graph errors skip
// the semantic stage.
func (v *FlowValidator) Validate(fv *schema.FlowVersion) *schema.ValidationResult {
	if fv == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow version is nil")
		return r
	}

	result := structural(v.jsonSchema.ValidateFlow(fv))
	if !result.Valid() {
		return result
	}

	_, graph := validateGraph(fv)
	result.Merge(graph)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(fv, v.pieces, v.cel))
	return result
}

// ValidateDocument runs the pipeline on raw flow JSON. Unknown fields are
// reported by the structural stage before decoding.
func (v *FlowValidator) ValidateDocument(raw []byte, fv *schema.FlowVersion) *schema.ValidationResult {
	result := structural(v.jsonSchema.ValidateDocument(raw))
	if !result.Valid() {
		return result
	}
	return v.Validate(fv)
}

// ValidateFlow satisfies the Validator interface.
func (v *FlowValidator) ValidateFlow(fv *schema.FlowVersion) error {
	return v.Validate(fv).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (v *FlowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return v.jsonSchema.ValidateInput(input, inputSchema)
}

// structural converts a JSON Schema error into a ValidationResult, one issue
// per violation.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
