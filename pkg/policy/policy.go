// Package policy evaluates merge policies against validated runs. A
// policy's conditions form a typed predicate tree (field/op leaves
// combined with all/any/not); evaluation is strict, so a document
// referencing unknown fields or operators fails instead of silently
// matching.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Leaf operators.
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpIn  = "in"
	OpGte = "gte"
	OpLte = "lte"
)

// Condition is one node of a predicate tree. Exactly one form may be
// set: a field/op/value leaf, All, Any, or Not.
type Condition struct {
	Field string `json:"field,omitempty" mapstructure:"field"`
	Op    string `json:"op,omitempty" mapstructure:"op"`
	Value any    `json:"value,omitempty" mapstructure:"value"`

	All []Condition `json:"all,omitempty" mapstructure:"all"`
	Any []Condition `json:"any,omitempty" mapstructure:"any"`
	Not *Condition  `json:"not,omitempty" mapstructure:"not"`
}

// ParseConditions decodes a stored condition document. Empty or null
// documents mean the policy matches every run.
func ParseConditions(raw []byte) (*Condition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var cond Condition
	if err := json.Unmarshal(raw, &cond); err != nil {
		return nil, fmt.Errorf("parsing conditions: %w", err)
	}

	return &cond, nil
}

// FromMap decodes a config-sourced condition document. An empty map
// means no conditions and returns nil.
func FromMap(m map[string]any) (*Condition, error) {
	if len(m) == 0 {
		return nil, nil
	}

	var cond Condition
	if err := mapstructure.Decode(m, &cond); err != nil {
		return nil, fmt.Errorf("decoding conditions: %w", err)
	}

	return &cond, nil
}

// Validate checks the tree structurally: one form per node, known
// fields and operators on leaves.
func (c *Condition) Validate() error {
	forms := 0

	if c.Field != "" || c.Op != "" || c.Value != nil {
		forms++
	}

	if len(c.All) > 0 {
		forms++
	}

	if len(c.Any) > 0 {
		forms++
	}

	if c.Not != nil {
		forms++
	}

	if forms == 0 {
		return fmt.Errorf("empty condition")
	}

	if forms > 1 {
		return fmt.Errorf("condition must use exactly one of field, all, any, not")
	}

	switch {
	case c.Not != nil:
		if err := c.Not.Validate(); err != nil {
			return fmt.Errorf("not: %w", err)
		}
	case len(c.All) > 0:
		for i := range c.All {
			if err := c.All[i].Validate(); err != nil {
				return fmt.Errorf("all[%d]: %w", i, err)
			}
		}
	case len(c.Any) > 0:
		for i := range c.Any {
			if err := c.Any[i].Validate(); err != nil {
				return fmt.Errorf("any[%d]: %w", i, err)
			}
		}
	default:
		if !isValidField(c.Field) {
			return fmt.Errorf("unknown field %q", c.Field)
		}

		if !isValidOp(c.Op) {
			return fmt.Errorf("unknown operator %q", c.Op)
		}

		if c.Value == nil {
			return fmt.Errorf("field condition needs a value")
		}
	}

	return nil
}

// Evaluate runs the predicate tree against a run context. A nil
// condition matches everything. Unknown fields and operators are
// errors; the caller decides whether that disqualifies the policy.
func Evaluate(cond *Condition, runCtx Context) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch {
	case cond.Not != nil:
		matched, err := Evaluate(cond.Not, runCtx)
		if err != nil {
			return false, err
		}

		return !matched, nil
	case len(cond.All) > 0:
		for i := range cond.All {
			matched, err := Evaluate(&cond.All[i], runCtx)
			if err != nil {
				return false, err
			}

			if !matched {
				return false, nil
			}
		}

		return true, nil
	case len(cond.Any) > 0:
		for i := range cond.Any {
			matched, err := Evaluate(&cond.Any[i], runCtx)
			if err != nil {
				return false, err
			}

			if matched {
				return true, nil
			}
		}

		return false, nil
	default:
		return evalLeaf(cond, runCtx)
	}
}

func evalLeaf(cond *Condition, runCtx Context) (bool, error) {
	fieldVal, ok := runCtx.lookup(cond.Field)
	if !ok {
		return false, fmt.Errorf("unknown field %q", cond.Field)
	}

	switch cond.Op {
	case OpEq:
		return equals(fieldVal, cond.Value)
	case OpNeq:
		matched, err := equals(fieldVal, cond.Value)
		if err != nil {
			return false, err
		}

		return !matched, nil
	case OpIn:
		return contains(fieldVal, cond.Value)
	case OpGte, OpLte:
		fieldNum, ok := toFloat(fieldVal)
		if !ok {
			return false, fmt.Errorf("field %q is not numeric", cond.Field)
		}

		condNum, ok := toFloat(cond.Value)
		if !ok {
			return false, fmt.Errorf("operator %q needs a numeric value", cond.Op)
		}

		if cond.Op == OpGte {
			return fieldNum >= condNum, nil
		}

		return fieldNum <= condNum, nil
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Op)
	}
}

// equals compares a context value with a condition value. Numbers
// compare across int/float because values arrive as float64 after a
// JSON round trip but as int straight from YAML.
func equals(fieldVal, condVal any) (bool, error) {
	if fieldNum, ok := toFloat(fieldVal); ok {
		condNum, ok := toFloat(condVal)
		if !ok {
			return false, fmt.Errorf("cannot compare number with %T", condVal)
		}

		return fieldNum == condNum, nil
	}

	switch fv := fieldVal.(type) {
	case string:
		cv, ok := condVal.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare string with %T", condVal)
		}

		return fv == cv, nil
	case bool:
		cv, ok := condVal.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare bool with %T", condVal)
		}

		return fv == cv, nil
	}

	return false, fmt.Errorf("eq is not supported for %T", fieldVal)
}

// contains implements the in operator. Scalar fields match when the
// value list holds the field value; list fields (worker_types) match
// on any intersection.
func contains(fieldVal, condVal any) (bool, error) {
	list, err := toList(condVal)
	if err != nil {
		return false, err
	}

	if items, ok := fieldVal.([]string); ok {
		for _, item := range items {
			for _, want := range list {
				matched, err := equals(item, want)
				if err != nil {
					return false, err
				}

				if matched {
					return true, nil
				}
			}
		}

		return false, nil
	}

	for _, want := range list {
		matched, err := equals(fieldVal, want)
		if err != nil {
			return false, err
		}

		if matched {
			return true, nil
		}
	}

	return false, nil
}

func toList(v any) ([]any, error) {
	switch list := v.(type) {
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}

		return out, nil
	}

	return nil, fmt.Errorf("operator %q needs a list value", OpIn)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	}

	return 0, false
}

// validFields is the closed set of fields conditions may reference.
var validFields = map[string]struct{}{
	"repo":             {},
	"branch":           {},
	"risk_level":       {},
	"retry_count":      {},
	"worker_types":     {},
	"overall_result":   {},
	"tests_existed":    {},
	"linter_passed":    {},
	"typecheck_passed": {},
	"tests_passed":     {},
}

func isValidField(field string) bool {
	_, ok := validFields[field]

	return ok
}

// validOps is the closed set of leaf operators.
var validOps = map[string]struct{}{
	OpEq:  {},
	OpNeq: {},
	OpIn:  {},
	OpGte: {},
	OpLte: {},
}

func isValidOp(op string) bool {
	_, ok := validOps[op]

	return ok
}
