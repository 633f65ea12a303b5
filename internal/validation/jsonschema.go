package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/flowengine/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const flowSchemaURL = "https://flowengine.dev/schemas/flow-version.json"

// flowSchemaJSON is the JSON Schema for FlowVersion documents. Actions nest
// through their successor links, so the action definition is recursive.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowengine.dev/schemas/flow-version.json",
  "type": "object",
  "required": ["trigger"],
  "properties": {
    "id": { "type": "string" },
    "flowId": { "type": "string" },
    "displayName": { "type": "string" },
    "metadata": { "type": "object" },
    "trigger": { "$ref": "#/$defs/trigger" }
  },
  "additionalProperties": false,
  "$defs": {
    "name": {
      "type": "string",
      "pattern": "^[A-Za-z_][A-Za-z0-9_-]*$"
    },
    "trigger": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "displayName": { "type": "string" },
        "type": { "enum": ["EMPTY", "WEBHOOK", "PIECE_TRIGGER"] },
        "settings": { "type": "object" },
        "nextAction": { "$ref": "#/$defs/action" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "displayName": { "type": "string" },
        "type": { "enum": ["EMPTY", "CODE", "PIECE", "BRANCH", "LOOP_ON_ITEMS"] },
        "settings": { "$ref": "#/$defs/settings" },
        "nextAction": { "$ref": "#/$defs/action" },
        "onSuccessAction": { "$ref": "#/$defs/action" },
        "onFailureAction": { "$ref": "#/$defs/action" },
        "firstLoopAction": { "$ref": "#/$defs/action" }
      },
      "additionalProperties": false
    },
    "settings": {
      "type": "object",
      "properties": {
        "input": { "type": "object" },
        "sourceCode": {
          "type": "object",
          "required": ["code"],
          "properties": {
            "language": { "type": "string" },
            "code": { "type": "string" }
          },
          "additionalProperties": false
        },
        "pieceName": { "type": "string" },
        "pieceVersion": { "type": "string" },
        "actionName": { "type": "string" },
        "conditions": {
          "type": "array",
          "items": {
            "type": "array",
            "items": { "$ref": "#/$defs/condition" }
          }
        },
        "expression": { "type": "string" },
        "items": { "type": "string" },
        "errorHandlingOptions": {
          "type": "object",
          "properties": {
            "retryOnFailure": { "type": "boolean" },
            "continueOnFailure": { "type": "boolean" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["operator"],
      "properties": {
        "firstValue": {},
        "secondValue": {},
        "caseSensitive": { "type": "boolean" },
        "operator": {
          "enum": [
            "TEXT_CONTAINS", "TEXT_DOES_NOT_CONTAIN",
            "TEXT_EXACTLY_MATCHES", "TEXT_DOES_NOT_EXACTLY_MATCH",
            "TEXT_STARTS_WITH", "TEXT_DOES_NOT_START_WITH",
            "TEXT_ENDS_WITH", "TEXT_DOES_NOT_END_WITH",
            "NUMBER_IS_GREATER_THAN", "NUMBER_IS_LESS_THAN", "NUMBER_IS_EQUAL_TO",
            "BOOLEAN_IS_TRUE", "BOOLEAN_IS_FALSE",
            "EXISTS", "DOES_NOT_EXIST",
            "LIST_CONTAINS", "LIST_DOES_NOT_CONTAIN",
            "LIST_IS_EMPTY", "LIST_IS_NOT_EMPTY"
          ]
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks flow documents against the flow schema and piece
// props against action input schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	flowSchema *jsonschema.Schema

	// mu guards the cache of compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the flow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newInputCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(flowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	flowSchema, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	return &JSONSchemaValidator{
		flowSchema: flowSchema,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateFlow validates a FlowVersion against the flow JSON Schema.
func (v *JSONSchemaValidator) ValidateFlow(fv *schema.FlowVersion) error {
	if fv == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow version is nil")
	}
	doc, err := toJSONValue(fv)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow version").WithCause(err)
	}
	if err := v.flowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateDocument validates raw flow JSON before it is decoded, so unknown
// fields are reported instead of silently dropped.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "flow document is not valid JSON").WithCause(err)
	}
	if err := v.flowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInput validates resolved piece props against an action's input
// schema. Compiled schemas are cached by their source text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("flowengine://input-schema/%d", len(v.cache))

	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler that asserts "format" keywords.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError listing
// every leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
