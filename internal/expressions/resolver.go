package expressions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/flowengine/internal/secrets"
	"github.com/rendis/flowengine/pkg/schema"
)

// Mask replaces secret values in censored copies of step input.
const Mask = "**REDACTED**"

// Gap is a mention that could not be resolved and was replaced with nil.
type Gap struct {
	Mention string `json:"mention"`
	Reason  string `json:"reason"`
}

// Resolution is the outcome of resolving one step's input.
// Resolved carries real values and is only handed to the step; Censored is
// what gets recorded in the run trace.
type Resolution struct {
	Resolved any
	Censored any
	Gaps     []Gap
}

// ResolvedMap returns Resolved as a map, or an empty map for any other shape.
func (r *Resolution) ResolvedMap() map[string]any {
	if m, ok := r.Resolved.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Resolver turns unresolved step input into resolved and censored copies.
//
// Strings may contain {{mentions}}. A plain path mention ({{step.a[0].b}}) walks
// the scope; any other body is evaluated as an expr-lang expression over the
// scope. {{connections.<name>...}} reads the vault and is always masked in the
// censored copy. Values under keys listed as secret are masked at any depth.
//
// Missing references resolve to nil and are reported as gaps rather than
// failing the step.
type Resolver struct {
	exprs *ExprEngine
	vault secrets.Vault
}

// NewResolver creates a Resolver. vault may be nil when flows use no connections.
func NewResolver(vault secrets.Vault) *Resolver {
	return &Resolver{exprs: NewExprEngine(), vault: vault}
}

// Resolve walks input (scalars, lists and maps) against scope, which maps
// step names to their mention values.
func (r *Resolver) Resolve(ctx context.Context, input any, scope map[string]any, secretKeys []string) (*Resolution, error) {
	w := &walker{
		ctx:         ctx,
		r:           r,
		scope:       scope,
		secret:      make(map[string]bool, len(secretKeys)),
		connections: make(map[string]any),
	}
	for _, k := range secretKeys {
		w.secret[k] = true
	}

	resolved, censored, err := w.value(input)
	if err != nil {
		return nil, err
	}
	return &Resolution{Resolved: resolved, Censored: censored, Gaps: w.gaps}, nil
}

type walker struct {
	ctx         context.Context
	r           *Resolver
	scope       map[string]any
	secret      map[string]bool
	connections map[string]any
	gaps        []Gap
}

func (w *walker) value(v any) (any, any, error) {
	switch val := v.(type) {
	case string:
		return w.str(val)
	case map[string]any:
		resolved := make(map[string]any, len(val))
		censored := make(map[string]any, len(val))
		for k, item := range val {
			res, cen, err := w.value(item)
			if err != nil {
				return nil, nil, err
			}
			resolved[k] = res
			if w.secret[k] && res != nil {
				cen = Mask
			}
			censored[k] = cen
		}
		return resolved, censored, nil
	case []any:
		resolved := make([]any, len(val))
		censored := make([]any, len(val))
		for i, item := range val {
			res, cen, err := w.value(item)
			if err != nil {
				return nil, nil, err
			}
			resolved[i] = res
			censored[i] = cen
		}
		return resolved, censored, nil
	default:
		return v, v, nil
	}
}

func (w *walker) str(s string) (any, any, error) {
	mentions := findMentions(s)
	if len(mentions) == 0 {
		return s, s, nil
	}

	// A string that is exactly one mention keeps the resolved value's type.
	if len(mentions) == 1 && mentions[0].start == 0 && mentions[0].end == len(s) {
		val, secret, err := w.eval(mentions[0].body)
		if err != nil {
			return nil, nil, err
		}
		if secret {
			return val, Mask, nil
		}
		return val, val, nil
	}

	var resolved, censored strings.Builder
	last := 0
	for _, m := range mentions {
		resolved.WriteString(s[last:m.start])
		censored.WriteString(s[last:m.start])
		val, secret, err := w.eval(m.body)
		if err != nil {
			return nil, nil, err
		}
		text := stringify(val)
		resolved.WriteString(text)
		if secret {
			censored.WriteString(Mask)
		} else {
			censored.WriteString(text)
		}
		last = m.end
	}
	resolved.WriteString(s[last:])
	censored.WriteString(s[last:])
	return resolved.String(), censored.String(), nil
}

// eval resolves one mention body. secret is true for vault-backed values.
func (w *walker) eval(body string) (any, bool, error) {
	if body == "" {
		w.gap(body, "empty mention")
		return nil, false, nil
	}

	if !isPath(body) {
		val, err := w.r.exprs.Evaluate(w.ctx, body, w.scope)
		if err != nil {
			w.gap(body, err.Error())
			return nil, false, nil
		}
		return val, false, nil
	}

	segs := splitPath(body)
	if segs[0] == ConnectionsNamespace {
		val, err := w.connection(body, segs[1:])
		return val, true, err
	}

	root, ok := w.scope[segs[0]]
	if !ok {
		w.gap(body, "step "+segs[0]+" has no output in scope")
		return nil, false, nil
	}
	val, ok := traverse(root, segs[1:])
	if !ok {
		w.gap(body, "path not found")
		return nil, false, nil
	}
	return val, false, nil
}

func (w *walker) connection(body string, segs []string) (any, error) {
	if len(segs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"invalid connection reference {{%s}}: expected connections.<name>", body)
	}
	name := segs[0]

	val, cached := w.connections[name]
	if !cached {
		if w.r.vault == nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"cannot resolve connection %q: no vault configured", name)
		}
		raw, err := w.r.vault.Resolve(w.ctx, name)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"connection %q could not be resolved", name).WithCause(err)
		}
		val = decodeConnection(raw)
		w.connections[name] = val
	}

	out, ok := traverse(val, segs[1:])
	if !ok {
		w.gap(body, "connection field not found")
		return nil, nil
	}
	return out, nil
}

func (w *walker) gap(mention, reason string) {
	w.gaps = append(w.gaps, Gap{Mention: mention, Reason: reason})
}

// decodeConnection returns structured connection values as maps and anything
// else as the raw string.
func decodeConnection(raw []byte) any {
	if json.Valid(raw) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			if _, isObj := v.(map[string]any); isObj {
				return v
			}
		}
	}
	return string(raw)
}
