package expressions

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

// EvaluateConditions reduces resolved branch conditions to a single boolean.
// groups is an OR of AND-groups; an empty group is true, no groups is false.
// Operands are coerced before comparison: numeric operators parse strings,
// text operators stringify numbers and booleans.
func EvaluateConditions(groups [][]schema.BranchCondition) (bool, error) {
	result := false
	for _, group := range groups {
		all := true
		for _, cond := range group {
			ok, err := evaluateCondition(cond)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			result = true
		}
	}
	return result, nil
}

func evaluateCondition(c schema.BranchCondition) (bool, error) {
	switch c.Operator {
	case schema.OpTextContains:
		a, b := textPair(c)
		return strings.Contains(a, b), nil
	case schema.OpTextDoesNotContain:
		a, b := textPair(c)
		return !strings.Contains(a, b), nil
	case schema.OpTextExactlyMatches:
		a, b := textPair(c)
		return a == b, nil
	case schema.OpTextDoesNotMatch:
		a, b := textPair(c)
		return a != b, nil
	case schema.OpTextStartsWith:
		a, b := textPair(c)
		return strings.HasPrefix(a, b), nil
	case schema.OpTextDoesNotStartWith:
		a, b := textPair(c)
		return !strings.HasPrefix(a, b), nil
	case schema.OpTextEndsWith:
		a, b := textPair(c)
		return strings.HasSuffix(a, b), nil
	case schema.OpTextDoesNotEndWith:
		a, b := textPair(c)
		return !strings.HasSuffix(a, b), nil

	case schema.OpNumberGreaterThan:
		return toNumber(c.FirstValue) > toNumber(c.SecondValue), nil
	case schema.OpNumberLessThan:
		return toNumber(c.FirstValue) < toNumber(c.SecondValue), nil
	case schema.OpNumberEqualTo:
		return toNumber(c.FirstValue) == toNumber(c.SecondValue), nil

	case schema.OpBooleanIsTrue:
		return toBool(c.FirstValue), nil
	case schema.OpBooleanIsFalse:
		return !toBool(c.FirstValue), nil

	case schema.OpExists:
		return exists(c.FirstValue), nil
	case schema.OpDoesNotExist:
		return !exists(c.FirstValue), nil

	case schema.OpListContains:
		return listContains(c), nil
	case schema.OpListDoesNotContain:
		return !listContains(c), nil
	case schema.OpListIsEmpty:
		list, ok := toList(c.FirstValue)
		return ok && len(list) == 0, nil
	case schema.OpListIsNotEmpty:
		list, ok := toList(c.FirstValue)
		return ok && len(list) > 0, nil
	}

	return false, schema.NewErrorf(schema.ErrCodeExecution, "unknown branch operator %q", c.Operator)
}

func textPair(c schema.BranchCondition) (string, string) {
	return foldCase(toText(c.FirstValue), c.CaseSensitive), foldCase(toText(c.SecondValue), c.CaseSensitive)
}

func foldCase(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func toText(v any) string {
	return stringify(v)
}

// toNumber yields NaN for values with no numeric reading, so every comparison against them is false.
func toNumber(v any) float64 {
	switch val := v.(type) {
	case nil:
		return math.NaN()
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return toNumber(stringify(v))
}

func toBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return err == nil && b
	case nil:
		return false
	}
	n := toNumber(v)
	return !math.IsNaN(n) && n != 0
}

func exists(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

func toList(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case string:
		// Lists arrive as JSON text when a mention is embedded in a longer string.
		var out []any
		s := strings.TrimSpace(val)
		if strings.HasPrefix(s, "[") && json.Unmarshal([]byte(s), &out) == nil {
			return out, true
		}
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}

func listContains(c schema.BranchCondition) bool {
	list, ok := toList(c.FirstValue)
	if !ok {
		return false
	}
	want := foldCase(toText(c.SecondValue), c.CaseSensitive)
	for _, item := range list {
		if foldCase(toText(item), c.CaseSensitive) == want {
			return true
		}
	}
	return false
}
