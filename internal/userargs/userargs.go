// Package userargs validates and parses user-supplied arguments against a
// declared schema (§4.7 of the spec this module implements).
package userargs

import (
	"encoding/json"
	"fmt"

	"github.com/xfeldman/web3runner/internal/model"
)

// ValidationError names the offending key and what was expected.
type ValidationError struct {
	Key      string
	Expected model.ArgType
	Example  string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("userArgs.%s: %s (expected %s, e.g. %s)", e.Key, e.Reason, e.Expected, e.Example)
	}
	return fmt.Sprintf("userArgs.%s: expected %s, e.g. %s", e.Key, e.Expected, e.Example)
}

func example(t model.ArgType) string {
	switch t {
	case model.ArgBoolean:
		return "true"
	case model.ArgNumber:
		return "42"
	case model.ArgString:
		return `"hello"`
	case model.ArgBooleanArray:
		return "[true, false]"
	case model.ArgNumberArray:
		return "[1, 2, 3]"
	case model.ArgStringArray:
		return `["a", "b"]`
	default:
		return ""
	}
}

// Validate checks every schema key against the supplied typed map: rejects
// missing keys, wrong primitive type, or heterogeneous arrays.
func Validate(schema model.UserArgsSchema, args model.UserArgs) error {
	for key, want := range schema {
		val, ok := args[key]
		if !ok {
			return &ValidationError{Key: key, Expected: want, Example: example(want), Reason: "missing"}
		}
		if err := checkType(key, want, val); err != nil {
			return err
		}
	}
	return nil
}

func checkType(key string, want model.ArgType, val interface{}) error {
	bad := &ValidationError{Key: key, Expected: want, Example: example(want), Reason: "wrong type"}

	switch want {
	case model.ArgBoolean:
		if _, ok := val.(bool); !ok {
			return bad
		}
	case model.ArgNumber:
		if !isNumber(val) {
			return bad
		}
	case model.ArgString:
		if _, ok := val.(string); !ok {
			return bad
		}
	case model.ArgBooleanArray:
		return checkArray(key, want, val, func(v interface{}) bool { _, ok := v.(bool); return ok })
	case model.ArgNumberArray:
		return checkArray(key, want, val, isNumber)
	case model.ArgStringArray:
		return checkArray(key, want, val, func(v interface{}) bool { _, ok := v.(string); return ok })
	default:
		return fmt.Errorf("userArgs.%s: unknown schema type %q", key, want)
	}
	return nil
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int64, json.Number:
		return true
	default:
		return false
	}
}

func checkArray(key string, want model.ArgType, val interface{}, elem func(interface{}) bool) error {
	bad := &ValidationError{Key: key, Expected: want, Example: example(want), Reason: "wrong type"}
	arr, ok := val.([]interface{})
	if !ok {
		return bad
	}
	for _, v := range arr {
		if !elem(v) {
			return &ValidationError{Key: key, Expected: want, Example: example(want), Reason: "heterogeneous array"}
		}
	}
	return nil
}

// Parse takes a string map (as arrives from a CLI) and JSON-decodes each
// value, then enforces the same constraints as Validate.
func Parse(schema model.UserArgsSchema, raw map[string]string) (model.UserArgs, error) {
	args := make(model.UserArgs, len(schema))
	for key, want := range schema {
		str, ok := raw[key]
		if !ok {
			return nil, &ValidationError{Key: key, Expected: want, Example: example(want), Reason: "missing"}
		}
		var val interface{}
		if err := json.Unmarshal([]byte(str), &val); err != nil {
			return nil, &ValidationError{Key: key, Expected: want, Example: example(want), Reason: "not valid JSON"}
		}
		args[key] = val
	}
	if err := Validate(schema, args); err != nil {
		return nil, err
	}
	return args, nil
}
