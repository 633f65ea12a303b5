package expressions

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

const (
	mentionOpen  = "{{"
	mentionClose = "}}"

	// ConnectionsNamespace prefixes mentions resolved through the secrets vault.
	ConnectionsNamespace = "connections"
)

// pathPattern matches plain references: a name followed by .field, [0] or ['key'] segments.
var pathPattern = regexp.MustCompile(`^[A-Za-z_$][\w$-]*(?:\.[\w$-]+|\[\d+\]|\['[^']*'\]|\["[^"]*"\])*$`)

// mention is one {{ ... }} occurrence inside a string.
type mention struct {
	start, end int // byte offsets of "{{" and just past "}}"
	body       string
}

// findMentions scans s for {{ ... }} tokens. Unclosed openers are left as text.
func findMentions(s string) []mention {
	var out []mention
	i := 0
	for i < len(s) {
		open := strings.Index(s[i:], mentionOpen)
		if open == -1 {
			break
		}
		open += i
		closeAt := strings.Index(s[open+len(mentionOpen):], mentionClose)
		if closeAt == -1 {
			break
		}
		closeAt += open + len(mentionOpen)
		out = append(out, mention{
			start: open,
			end:   closeAt + len(mentionClose),
			body:  strings.TrimSpace(s[open+len(mentionOpen) : closeAt]),
		})
		i = closeAt + len(mentionClose)
	}
	return out
}

// HasMention reports whether s contains at least one {{ ... }} token.
func HasMention(s string) bool {
	return len(findMentions(s)) > 0
}

// MentionRoots returns the first path segment of every plain mention in s.
// Computed mentions are skipped. Used to validate references before a run.
func MentionRoots(s string) []string {
	var roots []string
	for _, m := range findMentions(s) {
		if !isPath(m.body) {
			continue
		}
		segs := splitPath(m.body)
		if len(segs) > 0 {
			roots = append(roots, segs[0])
		}
	}
	return roots
}

func isPath(body string) bool {
	return pathPattern.MatchString(body)
}

// splitPath turns `a.b[0]['c d']` into [a b 0 c d].
func splitPath(path string) []string {
	var segs []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '.':
			flush()
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end == -1 {
				cur.WriteString(path[i:])
				i = len(path)
				continue
			}
			inner := path[i+1 : i+end]
			inner = strings.Trim(inner, `'"`)
			segs = append(segs, inner)
			i += end
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segs
}

// traverse walks segs into root. ok is false as soon as a segment is missing.
func traverse(root any, segs []string) (any, bool) {
	cur := root
	for _, seg := range segs {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		case nil:
			return nil, false
		default:
			next, ok := traverseReflect(v, seg)
			if !ok {
				return nil, false
			}
			cur = next
		}
	}
	return cur, true
}

// traverseReflect handles typed maps and slices returned by Go pieces.
func traverseReflect(v any, seg string) (any, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	default:
		return nil, false
	}
}

// stringify renders a resolved value for interpolation inside a larger string.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
