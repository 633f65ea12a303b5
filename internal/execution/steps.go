package execution

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Entry is one (step name, output) pair of a trace.
type Entry struct {
	Name   string
	Output StepOutput
}

// Steps is an ordered step-name → output mapping. Order is execution order.
// It serializes as a JSON object whose keys keep that order.
type Steps []Entry

// Get returns the output recorded for name.
func (s Steps) Get(name string) (StepOutput, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Name == name {
			return s[i].Output, true
		}
	}
	return StepOutput{}, false
}

// Names returns step names in execution order.
func (s Steps) Names() []string {
	names := make([]string, len(s))
	for i, e := range s {
		names[i] = e.Name
	}
	return names
}

func (s Steps) asMap() map[string]any {
	m := make(map[string]any, len(s))
	for _, e := range s {
		m[e.Name] = e.Output.AsMap()
	}
	return m
}

func (s Steps) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Output)
		if err != nil {
			return nil, fmt.Errorf("marshal step %q: %w", e.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *Steps) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("steps: expected object, got %v", tok)
	}

	var out Steps
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("steps: expected string key, got %v", keyTok)
		}
		var so StepOutput
		if err := dec.Decode(&so); err != nil {
			return fmt.Errorf("steps: decode %q: %w", name, err)
		}
		out = append(out, Entry{Name: name, Output: so})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}
