// Package template implements the "{{dotted.path}}" resolution language
// that wires step outputs and job payload fields into later steps and
// effect records (spec §4.1). The package is pure: no state, no I/O.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jdziat/declarative-pipeline/pkg/core"
)

var (
	wholeTemplate = regexp.MustCompile(`^\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}$`)
	interpolation = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)
)

// Resolve interprets a single string field against ctx. A field that is
// entirely one "{{path}}" reference resolves in whole-string mode
// (type-preserving); anything else is treated as interpolation (every
// reference stringified, missing values become "", unresolved references
// are left as the literal "{{path}}").
func Resolve(tmpl string, ctx map[string]any) (any, error) {
	if m := wholeTemplate.FindStringSubmatch(tmpl); m != nil {
		v, ok := lookup(m[1], ctx)
		if !ok {
			return nil, nil
		}
		return v, nil
	}
	return interpolate(tmpl, ctx), nil
}

// ResolveString always applies interpolation-mode semantics (every
// reference stringified, unresolved references left literal), regardless
// of whether tmpl happens to be a single whole-string reference. Used for
// effect record fields (§4.4), which are always strings by contract.
func ResolveString(tmpl string, ctx map[string]any) (string, error) {
	return interpolate(tmpl, ctx), nil
}

func interpolate(tmpl string, ctx map[string]any) string {
	return interpolation.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := interpolation.FindStringSubmatch(match)[1]
		v, ok := lookup(path, ctx)
		if !ok {
			return match
		}
		return stringify(v)
	})
}

// lookup walks dotted segments through nested map[string]any values only;
// per §4.1, sequence indexing by numeric segment is not supported — a
// sequence may appear only as a leaf. Returns ok=false for "undefined".
func lookup(path string, ctx map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = map[string]any(ctx)
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, present := m[seg]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// ResolveValue recursively resolves templates found anywhere inside v: a
// bare string is resolved directly; maps and slices are walked field by
// field / element by element; anything else passes through unchanged.
// This lets a step's "input" contain nested mappings with templated
// leaves, not just top-level ones.
func ResolveValue(v any, ctx map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return Resolve(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, fv := range t {
			rv, err := ResolveValue(fv, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, fv := range t {
			rv, err := ResolveValue(fv, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveInput resolves every field of a step's "input" mapping against ctx.
func ResolveInput(input map[string]any, ctx map[string]any) (map[string]any, error) {
	resolved, err := ResolveValue(map[string]any(input), ctx)
	if err != nil {
		return nil, err
	}
	m, _ := resolved.(map[string]any)
	return m, nil
}

// ResolveSequence resolves a "forEach" template and requires the result to
// be a sequence; any other kind is a ValidationError naming the template
// and the observed kind, per §4.5 step 2a.
func ResolveSequence(tmpl string, ctx map[string]any) ([]any, error) {
	v, err := Resolve(tmpl, ctx)
	if err != nil {
		return nil, err
	}
	seq, ok := v.([]any)
	if !ok {
		return nil, &core.ValidationError{
			Field: "forEach",
			Msg:   fmt.Sprintf("template %q did not resolve to a sequence, got %T", tmpl, v),
		}
	}
	return seq, nil
}

// ResolveBool resolves a "runWhen" template and coerces the result to a
// boolean. An empty template resolves to true (a step with no runWhen
// always runs); a path that is entirely undefined resolves to nil, which
// is false.
func ResolveBool(tmpl string, ctx map[string]any) (bool, error) {
	if strings.TrimSpace(tmpl) == "" {
		return true, nil
	}
	v, err := Resolve(tmpl, ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// InterpolateJSON implements §4.1's "whole sub-object interpolation" used
// by the enqueue effect: the object is serialized, string interpolation
// runs over the serialized form, and the result is deserialized back. The
// caller is responsible for ensuring the shape survives the round trip.
func InterpolateJSON(v any, ctx map[string]any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for interpolation: %w", err)
	}
	interpolated := interpolate(string(b), ctx)
	var out map[string]any
	if err := json.Unmarshal([]byte(interpolated), &out); err != nil {
		return nil, fmt.Errorf("unmarshal after interpolation: %w", err)
	}
	return out, nil
}
