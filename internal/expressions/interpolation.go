package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/hireflow/internal/secrets"
	"github.com/rendis/hireflow/pkg/schema"
)

// namespaces lists the roots a ${{ }} reference may start with.
var namespaces = []string{"candidate", "event", "workflow", "secrets"}

// Interpolator resolves ${{ ns.path }} references in action configs.
// Each string is scanned once; substituted values are never rescanned, so
// candidate-supplied data cannot smuggle in a secret reference.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator. vault may be nil; secret references then fail.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// Resolve interpolates every string value inside a JSON document. A string
// that is exactly one reference takes the referenced value with its JSON type;
// references embedded in longer strings are stringified.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *InterpolationScope) (json.RawMessage, error) {
	if len(raw) == 0 || !HasInterpolation(raw) {
		return raw, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "config is not valid JSON: %s", err.Error()).WithCause(err)
	}

	doc, err := interp.walk(ctx, doc, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "encode interpolated config: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// ResolveString interpolates a single template string.
func (interp *Interpolator) ResolveString(ctx context.Context, s string, scope *InterpolationScope) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}
	return interp.resolveTokens(ctx, s, scope)
}

func (interp *Interpolator) walk(ctx context.Context, v any, scope *InterpolationScope) (any, error) {
	switch val := v.(type) {
	case string:
		if ref, ok := wholeReference(val); ok {
			return interp.resolveExpr(ctx, ref, scope)
		}
		return interp.resolveTokens(ctx, val, scope)
	case map[string]any:
		for k, item := range val {
			resolved, err := interp.walk(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			val[k] = resolved
		}
		return val, nil
	case []any:
		for i, item := range val {
			resolved, err := interp.walk(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	default:
		return v, nil
	}
}

// wholeReference reports whether s is exactly one ${{ ... }} token.
func wholeReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[3 : len(t)-2]
	if strings.Contains(inner, "${{") || strings.Contains(inner, "}}") {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	return inner, inner != ""
}

// resolveTokens replaces every ${{...}} token in input in a single left-to-right scan.
func (interp *Interpolator) resolveTokens(ctx context.Context, input string, scope *InterpolationScope) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// resolveExpr resolves one reference such as "candidate.email" or "event.payload.toStatus".
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *InterpolationScope) (any, error) {
	namespace, path, _ := strings.Cut(expr, ".")
	if path == "" && slices.Contains(namespaces, namespace) {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected %s.<field>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}
	if scope == nil {
		scope = &InterpolationScope{}
	}

	switch namespace {
	case "candidate":
		return resolveFromMap(scope.Candidate, path, expr, namespace)
	case "event":
		return resolveFromMap(scope.Event, path, expr, namespace)
	case "workflow":
		return resolveFromMap(scope.Workflow, path, expr, namespace)
	case "secrets":
		return interp.resolveSecret(ctx, path, expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(namespaces, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": namespaces})
	}
}

func (interp *Interpolator) resolveSecret(ctx context.Context, key, expr string) (any, error) {
	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}
	return string(val), nil
}

// resolveFromMap looks up a dot-delimited path, trying the whole path as a key first.
func resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}
	return traversePath(data, fieldPath, expr)
}

// traversePath walks nested maps, and slices by numeric index.
func traversePath(root any, path, expr string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				available := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(available, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": available})
			}
			current = val
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %q out of range in %q (len %d)", seg, expr, len(v)).
					WithDetails(map[string]any{"expression": expr})
			}
			current = v[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}
	return current, nil
}

// stringify renders a resolved value for embedding inside a larger string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// HasInterpolation reports whether raw contains any ${{...}} reference.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// References lists the distinct references in raw, in order of appearance.
// Used at activation time to reject unknown namespaces early.
func References(raw json.RawMessage) []string {
	var refs []string
	s := string(raw)
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			return refs
		}
		rest := s[idx+3:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return refs
		}
		ref := strings.TrimSpace(rest[:end])
		if ref != "" && !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
		s = rest[end+2:]
	}
}

// CheckReference validates the namespace of a single reference.
func CheckReference(ref string) error {
	namespace, path, _ := strings.Cut(ref, ".")
	if !slices.Contains(namespaces, namespace) {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(namespaces, ", "))
	}
	if path == "" {
		return schema.NewErrorf(schema.ErrCodeInterpolation, "invalid reference %q: expected %s.<field>", ref, namespace)
	}
	return nil
}
