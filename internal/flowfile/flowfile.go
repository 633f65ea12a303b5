// Package flowfile reads flow versions and trigger payloads from YAML or JSON files.
package flowfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowengine/pkg/schema"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// Document is a decoded flow file. Raw is the document re-encoded as JSON so
// it can be checked against the flow schema before decoding drops unknown fields.
type Document struct {
	Path string
	Flow *schema.FlowVersion
	Raw  []byte
}

// Load reads a flow file. Files ending in .json are decoded as JSON; anything
// else is decoded as YAML, which also accepts JSON.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, fmt.Sprintf("read flow file %s", path)).WithCause(err)
	}
	doc, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			return nil, fe.WithDetails(map[string]any{"path": path, "line": fe.Details["line"]})
		}
		return nil, err
	}
	doc.Path = path
	return doc, nil
}

// Parse decodes a flow document from data.
func Parse(data []byte, isJSON bool) (*Document, error) {
	raw := data
	if !isJSON {
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid flow YAML").
				WithCause(err).
				WithDetails(map[string]any{"line": extractLine(err)})
		}
		if tree == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "flow file is empty")
		}
		converted, err := json.Marshal(normalize(tree))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "flow YAML is not representable as JSON").WithCause(err)
		}
		raw = converted
	}

	var fv schema.FlowVersion
	if err := json.Unmarshal(raw, &fv); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid flow document").WithCause(err)
	}
	return &Document{Flow: &fv, Raw: raw}, nil
}

// ParsePayload decodes a trigger payload given on the command line. A value
// starting with @ names a file; anything else is parsed inline. Both forms
// accept JSON or YAML. An empty value yields a nil payload.
func ParsePayload(value string) (any, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	data := []byte(value)
	if path, ok := strings.CutPrefix(value, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeNotFound, fmt.Sprintf("read payload file %s", path)).WithCause(err)
		}
		data = b
	}

	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid payload").WithCause(err)
	}
	return normalize(payload), nil
}

// normalize makes YAML-decoded values JSON shaped: yaml.v3 yields
// map[string]any for string keys but map[any]any for others.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalize(item)
		}
		return m
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return v
	}
}

func extractLine(err error) int {
	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}
	var line int
	if _, err := fmt.Sscanf(matches[1], "%d", &line); err != nil {
		return 0
	}
	return line
}
