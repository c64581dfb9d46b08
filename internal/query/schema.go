// Package query executes named queries and mutations over HTTP with a
// JSON envelope, and mounts real-time subscriptions next to them.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Kind distinguishes read-only operations from state-changing ones.
type Kind int

const (
	KindQuery Kind = iota
	KindMutation
)

func (k Kind) String() string {
	if k == KindMutation {
		return "mutation"
	}
	return "query"
}

// Resolver computes the result of one operation.
type Resolver func(ctx context.Context, vars Variables) (any, error)

// Operation is one named entry of a Schema.
type Operation struct {
	Kind        Kind
	Description string
	Resolve     Resolver
}

// Schema maps operation names to operations.
type Schema map[string]Operation

// Validate reports an empty schema or an operation without a resolver.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return errors.New("query: schema has no operations")
	}
	for name, op := range s {
		if name == "" {
			return errors.New("query: operation with empty name")
		}
		if op.Resolve == nil {
			return fmt.Errorf("query: operation %q has no resolver", name)
		}
	}
	return nil
}

// Variables are the decoded arguments of a request.
type Variables map[string]any

// VariableError reports a missing or mistyped variable.
type VariableError struct {
	Name   string
	Reason string
}

func (e *VariableError) Error() string {
	return fmt.Sprintf("variable %q %s", e.Name, e.Reason)
}

// String returns a required string variable.
func (v Variables) String(name string) (string, error) {
	raw, ok := v[name]
	if !ok || raw == nil {
		return "", &VariableError{Name: name, Reason: "is required"}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &VariableError{Name: name, Reason: "must be a string"}
	}
	return s, nil
}

// Int returns an optional integer variable, or def when absent. JSON numbers
// decode as float64 and must be whole.
func (v Variables) Int(name string, def int64) (int64, error) {
	raw, ok := v[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch n := raw.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, &VariableError{Name: name, Reason: "must be an integer"}
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, &VariableError{Name: name, Reason: "must be an integer"}
	}
}

// Value returns a required variable of any JSON type.
func (v Variables) Value(name string) (any, error) {
	raw, ok := v[name]
	if !ok {
		return nil, &VariableError{Name: name, Reason: "is required"}
	}
	return raw, nil
}
