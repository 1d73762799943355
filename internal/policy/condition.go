package policy

import (
	"encoding/json"
	"fmt"
)

// Condition is one node of a chain's trigger predicate. Exactly one of the
// node kinds may be set: All (conjunction), Any (disjunction), Not
// (negation), or a leaf comparison (Field/Op/Value).
//
// The predicate language is deliberately closed: conditions are validated
// against the fixed context field schema when a chain is created, so
// evaluation at request time cannot fail.
type Condition struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
	Not *Condition  `json:"not,omitempty"`

	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Comparison operators for leaf nodes.
const (
	OpEq  = "eq"
	OpNe  = "ne"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
	OpIn  = "in"
)

var intOps = map[string]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
}

var stringOps = map[string]struct{}{
	OpEq: {}, OpNe: {}, OpIn: {},
}

// ParseCondition decodes and validates a condition tree from its stored
// JSON form. An empty document means "no condition" and returns nil.
func ParseCondition(data []byte) (*Condition, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	if c.isEmpty() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Condition) isEmpty() bool {
	return len(c.All) == 0 && len(c.Any) == 0 && c.Not == nil && c.Field == ""
}

// Validate checks the tree is well-formed: one node kind per node, known
// fields, operators legal for the field's type, and values of the right type.
func (c *Condition) Validate() error {
	kinds := 0
	if len(c.All) > 0 {
		kinds++
	}
	if len(c.Any) > 0 {
		kinds++
	}
	if c.Not != nil {
		kinds++
	}
	if c.Field != "" {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("condition node must have exactly one of all/any/not/field, got %d", kinds)
	}

	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if err := c.All[i].Validate(); err != nil {
				return err
			}
		}
	case len(c.Any) > 0:
		for i := range c.Any {
			if err := c.Any[i].Validate(); err != nil {
				return err
			}
		}
	case c.Not != nil:
		return c.Not.Validate()
	default:
		return c.validateLeaf()
	}
	return nil
}

func (c *Condition) validateLeaf() error {
	kind, ok := contextFields[c.Field]
	if !ok {
		return fmt.Errorf("condition references unknown field %q", c.Field)
	}

	switch kind {
	case kindInt:
		if _, ok := intOps[c.Op]; !ok {
			return fmt.Errorf("operator %q not valid for numeric field %q", c.Op, c.Field)
		}
		if _, err := toInt64(c.Value); err != nil {
			return fmt.Errorf("field %q: %w", c.Field, err)
		}
	case kindString:
		if _, ok := stringOps[c.Op]; !ok {
			return fmt.Errorf("operator %q not valid for string field %q", c.Op, c.Field)
		}
		if c.Op == OpIn {
			if _, err := toStringSlice(c.Value); err != nil {
				return fmt.Errorf("field %q: %w", c.Field, err)
			}
		} else if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("field %q requires a string value", c.Field)
		}
	}

	if c.Field == FieldRequesterRole {
		return validateRoleValues(c.Value)
	}
	return nil
}

func validateRoleValues(v any) error {
	switch val := v.(type) {
	case string:
		_, err := ParseRole(val)
		return err
	default:
		values, err := toStringSlice(v)
		if err != nil {
			return err
		}
		for _, s := range values {
			if _, err := ParseRole(s); err != nil {
				return err
			}
		}
		return nil
	}
}

// Evaluate applies the condition to a request context. A nil condition is
// vacuously true. Evaluate never fails on a tree that passed Validate.
func (c *Condition) Evaluate(ctx *RequestContext) bool {
	if c == nil || c.isEmpty() {
		return true
	}

	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !c.All[i].Evaluate(ctx) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if c.Any[i].Evaluate(ctx) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.Evaluate(ctx)
	default:
		return c.evaluateLeaf(ctx)
	}
}

func (c *Condition) evaluateLeaf(ctx *RequestContext) bool {
	actual, ok := ctx.lookup(c.Field)
	if !ok {
		return false
	}

	switch contextFields[c.Field] {
	case kindInt:
		want, err := toInt64(c.Value)
		if err != nil {
			return false
		}
		have := actual.(int64)
		switch c.Op {
		case OpEq:
			return have == want
		case OpNe:
			return have != want
		case OpGt:
			return have > want
		case OpGte:
			return have >= want
		case OpLt:
			return have < want
		case OpLte:
			return have <= want
		}
	case kindString:
		have := actual.(string)
		switch c.Op {
		case OpEq:
			want, _ := c.Value.(string)
			return have == want
		case OpNe:
			want, _ := c.Value.(string)
			return have != want
		case OpIn:
			values, err := toStringSlice(c.Value)
			if err != nil {
				return false
			}
			for _, v := range values {
				if have == v {
					return true
				}
			}
			return false
		}
	}
	return false
}

// MarshalJSONBytes returns the stored form, or nil for a nil condition.
func (c *Condition) MarshalJSONBytes() ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

// toInt64 accepts the numeric representations json.Unmarshal produces.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("expected numeric value, got %T", v)
}

func toStringSlice(v any) ([]string, error) {
	switch val := v.(type) {
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list, found %T element", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string list, got %T", v)
}
