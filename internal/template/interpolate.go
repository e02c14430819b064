// Package template substitutes {path.to.value} placeholders in action
// templates against a run's accumulated context.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	openDelim  = '{'
	closeDelim = '}'
)

var (
	// ErrUnterminatedPlaceholder is returned when a '{' has no matching '}'.
	ErrUnterminatedPlaceholder = errors.New("unterminated placeholder")

	// ErrMissingKey is returned in strict mode when a placeholder path does
	// not resolve.
	ErrMissingKey = errors.New("placeholder path not found")
)

// Interpolator resolves placeholders. The zero value is permissive: a path
// that does not resolve renders as the empty string.
type Interpolator struct {
	// Strict makes unresolved paths an error instead of "".
	Strict bool
}

// Interpolate resolves every placeholder in tpl against ctx in permissive
// mode.
func Interpolate(tpl string, ctx any) (string, error) {
	return Interpolator{}.Interpolate(tpl, ctx)
}

// Interpolate scans tpl left to right, copying text outside placeholders
// verbatim and replacing each {a.b.c} with the value found by walking ctx.
func (in Interpolator) Interpolate(tpl string, ctx any) (string, error) {
	if strings.IndexByte(tpl, openDelim) < 0 {
		return tpl, nil
	}

	var out strings.Builder
	out.Grow(len(tpl))

	i := 0
	for i < len(tpl) {
		idx := strings.IndexByte(tpl[i:], openDelim)
		if idx < 0 {
			out.WriteString(tpl[i:])
			break
		}
		out.WriteString(tpl[i : i+idx])
		start := i + idx + 1

		end := strings.IndexByte(tpl[start:], closeDelim)
		if end < 0 {
			return "", fmt.Errorf("%w at offset %d in %q", ErrUnterminatedPlaceholder, i+idx, tpl)
		}
		end += start

		path := tpl[start:end]
		val, ok := Lookup(ctx, path)
		if !ok && in.Strict {
			return "", fmt.Errorf("%w: %q", ErrMissingKey, path)
		}
		out.WriteString(render(val))

		i = end + 1
	}

	return out.String(), nil
}

// Lookup walks ctx along the dot-separated path. An intermediate string that
// holds encoded JSON is decoded before descending; numeric segments index
// arrays. The boolean is false when any segment is absent.
func Lookup(ctx any, path string) (any, bool) {
	cur := ctx
	for _, key := range strings.Split(path, ".") {
		if s, isStr := cur.(string); isStr {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return nil, false
			}
			cur = decoded
		}

		switch node := cur.(type) {
		case map[string]any:
			v, exists := node[key]
			if !exists {
				return nil, false
			}
			cur = v
		case []any:
			n, err := strconv.Atoi(key)
			if err != nil || n < 0 || n >= len(node) {
				return nil, false
			}
			cur = node[n]
		default:
			return nil, false
		}
	}
	return cur, true
}

// render formats a resolved value for inclusion in text output.
func render(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
