package pieces

import (
	"encoding/json"
	"fmt"
)

func stringParam(m map[string]any, key, defaultVal string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return defaultVal
	default:
		return fmt.Sprint(v)
	}
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
