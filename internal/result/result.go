// Package result enforces the result shape a guest's reply must have, per
// schema version (§4.6 of the spec this module implements).
package result

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xfeldman/web3runner/internal/model"
)

var (
	valueRe   = regexp.MustCompile(`^\d+$`)
	addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// ValidationError wraps the offending result for inclusion in error reports.
type ValidationError struct {
	Message string
	Result  model.Result
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("result must %s", e.Message)
}

// Validate enforces the shape of a guest result for the given version.
// A canExec=false result is always accepted regardless of callData.
func Validate(version model.Version, r model.Result) error {
	if !r.CanExec {
		return nil
	}

	switch version {
	case model.V1:
		if r.CallData == "" {
			return &ValidationError{Message: "return a callData string when canExec is true (v1)", Result: r}
		}
		if err := validateHex(r.CallData); err != nil {
			return &ValidationError{Message: err.Error(), Result: r}
		}
	case model.V2:
		if r.Calls == nil {
			return &ValidationError{Message: "return an array of calls in callData when canExec is true (v2)", Result: r}
		}
		for i, c := range r.Calls {
			if !addressRe.MatchString(c.To) {
				return &ValidationError{Message: fmt.Sprintf("have a valid 20-byte address in callData[%d].to", i), Result: r}
			}
			if err := validateHex(c.Data); err != nil {
				return &ValidationError{Message: fmt.Sprintf("callData[%d].data %s", i, err.Error()), Result: r}
			}
			if c.Value != "" && !valueRe.MatchString(c.Value) {
				return &ValidationError{Message: fmt.Sprintf("have a non-empty decimal-digit string in callData[%d].value", i), Result: r}
			}
		}
	default:
		return &ValidationError{Message: fmt.Sprintf("use a known schema version, got %q", version), Result: r}
	}
	return nil
}

// validateHex enforces the V1 hex rule: length >= 10, begins with "0x".
func validateHex(s string) error {
	if len(s) < 10 || !strings.HasPrefix(s, "0x") {
		return fmt.Errorf("be a hex string of length >= 10 starting with 0x, got %q", s)
	}
	return nil
}
