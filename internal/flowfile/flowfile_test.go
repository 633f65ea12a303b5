package flowfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

const sampleYAML = `
id: fv-1
flowId: orders
displayName: Orders
trigger:
  name: trigger
  type: WEBHOOK
  nextAction:
    name: total
    type: CODE
    settings:
      input:
        items: "{{trigger.items}}"
      sourceCode:
        language: lua
        code: |
          function code(params) return #params.items end
      errorHandlingOptions:
        retryOnFailure: true
    nextAction:
      name: check
      type: BRANCH
      settings:
        conditions:
          - - firstValue: "{{total}}"
              operator: NUMBER_IS_GREATER_THAN
              secondValue: 2
      onSuccessAction:
        name: big
        type: EMPTY
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	doc, err := Load(writeFile(t, "flow.yaml", sampleYAML))
	require.NoError(t, err)

	fv := doc.Flow
	assert.Equal(t, "fv-1", fv.ID)
	assert.Equal(t, schema.TriggerTypeWebhook, fv.Trigger.Type)

	total := fv.Trigger.NextAction
	require.NotNil(t, total)
	assert.Equal(t, schema.ActionTypeCode, total.Type)
	assert.Equal(t, "lua", total.Settings.SourceCode.Language)
	assert.True(t, total.Settings.ErrorHandlingOptions.RetryOnFailure)
	assert.Equal(t, "{{trigger.items}}", total.Settings.Input["items"])

	check := total.NextAction
	require.NotNil(t, check)
	require.Len(t, check.Settings.Conditions, 1)
	cond := check.Settings.Conditions[0][0]
	assert.Equal(t, schema.OpNumberGreaterThan, cond.Operator)
	assert.Equal(t, float64(2), cond.SecondValue)
	assert.Equal(t, "big", check.OnSuccessAction.Name)

	assert.Contains(t, string(doc.Raw), `"flowId":"orders"`)
}

func TestLoad_JSON(t *testing.T) {
	doc, err := Load(writeFile(t, "flow.json", `{"trigger":{"name":"t","type":"EMPTY","nextAction":{"name":"a","type":"EMPTY"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "a", doc.Flow.Trigger.NextAction.Name)
	assert.True(t, filepath.IsAbs(doc.Path))
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestLoad_BadYAMLReportsLine(t *testing.T) {
	_, err := Load(writeFile(t, "bad.yaml", "trigger:\n  name: t\n  type: [unclosed\n"))
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.NotZero(t, fe.Details["line"])
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("  \n"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestParse_WrongShape(t *testing.T) {
	_, err := Parse([]byte(`trigger: [1, 2]`), false)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  any
	}{
		{"empty", "", nil},
		{"json object", `{"n": 3, "tags": ["a"]}`, map[string]any{"n": 3, "tags": []any{"a"}}},
		{"yaml object", "n: 3\nok: true", map[string]any{"n": 3, "ok": true}},
		{"scalar", "42", 42},
		{"numeric keys", "1: one", map[string]any{"1": "one"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePayload(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParsePayload_File(t *testing.T) {
	path := writeFile(t, "payload.json", `{"items": [1, 2, 3]}`)
	got, err := ParsePayload("@" + path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"items": []any{1, 2, 3}}, got)

	_, err = ParsePayload("@" + path + ".missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
