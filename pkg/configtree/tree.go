// Package configtree provides helpers for the untyped configuration trees that
// flow between configuration layers, manifests, policy rules and the drift engine.
//
// A tree is the plain JSON data model: map[string]interface{} objects,
// []interface{} arrays, strings, booleans, numbers and nil. Numbers are kept as
// int64 when they are integral and float64 otherwise (see Normalize), so that a
// value read from YAML and the same value read from JSON compare equal.
package configtree

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Tree is an untyped configuration object.
type Tree = map[string]interface{}

// Lookup returns the value stored at a dotted path such as "gateway.auth.token".
func Lookup(tree Tree, path string) (interface{}, bool) {
	if tree == nil {
		return nil, false
	}
	if path == "" {
		return tree, true
	}

	var current interface{} = tree
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// LookupString returns the string at path. Non-string values report false.
func LookupString(tree Tree, path string) (string, bool) {
	v, ok := Lookup(tree, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// LookupBool returns the boolean at path. Non-boolean values report false.
func LookupBool(tree Tree, path string) (bool, bool) {
	v, ok := Lookup(tree, path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// LookupNumber returns the number at path as a float64.
func LookupNumber(tree Tree, path string) (float64, bool) {
	v, ok := Lookup(tree, path)
	if !ok {
		return 0, false
	}
	return ToNumber(v)
}

// LookupMap returns the object at path.
func LookupMap(tree Tree, path string) (Tree, bool) {
	v, ok := Lookup(tree, path)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

// LookupSlice returns the array at path.
func LookupSlice(tree Tree, path string) ([]interface{}, bool) {
	v, ok := Lookup(tree, path)
	if !ok {
		return nil, false
	}
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	default:
		return nil, false
	}
}

// LookupStrings returns the string elements of the array at path.
// Non-string elements are skipped.
func LookupStrings(tree Tree, path string) ([]string, bool) {
	v, ok := Lookup(tree, path)
	if !ok {
		return nil, false
	}
	return StringSlice(v)
}

// StringSlice converts an array value into a []string, skipping non-string elements.
func StringSlice(v interface{}) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...), true
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// ToNumber converts any Go numeric representation produced by the JSON, YAML
// or CUE decoders into a float64.
func ToNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// IsEmpty reports whether v is nil, an empty string, an empty array or an empty object.
func IsEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

// Clone returns a deep copy of a tree value. Scalars are returned as-is.
func Clone(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneTree(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = Clone(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// CloneTree returns a deep copy of an object.
func CloneTree(t Tree) Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = Clone(v)
	}
	return out
}

// Normalize returns a deep copy of v in the canonical tree data model: nested
// map[interface{}]interface{} keys become strings, typed slices become
// []interface{}, integral numbers become int64 and other numbers float64.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = Normalize(val)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = Normalize(t[i])
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case nil, string, bool:
		return t
	}

	if n, ok := ToNumber(v); ok {
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	}
	return v
}

// NormalizeTree normalizes an object. A nil input yields an empty tree.
func NormalizeTree(t Tree) Tree {
	if t == nil {
		return Tree{}
	}
	return Normalize(t).(map[string]interface{})
}

// FromValue converts any JSON-serializable value into a normalized tree.
func FromValue(v interface{}) (Tree, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out Tree
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value as object: %w", err)
	}
	return NormalizeTree(out), nil
}

// Decode converts a tree value into a typed Go value using its json tags.
func Decode(v interface{}, out interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode tree: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode tree: %w", err)
	}
	return nil
}
