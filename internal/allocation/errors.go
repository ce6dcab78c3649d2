// internal/allocation/errors.go
package allocation

import (
	"fmt"
	"strings"
)

// Violation is one failed rule check.
type Violation struct {
	Rule    string
	Message string
}

// RuleViolationError carries every failed check at once. Rule checks
// are never short-circuited, so callers can present an itemized
// rejection. Never auto-retried.
type RuleViolationError struct {
	Violations []Violation
}

func (e *RuleViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Rule, v.Message)
	}
	return "rule violations: " + strings.Join(parts, "; ")
}

// AllocationError signals an unexecutable request: no usable wallets
// or an unknown strategy. Never auto-retried.
type AllocationError struct {
	Reason string
}

func (e *AllocationError) Error() string {
	return "allocation error: " + e.Reason
}
