// Package condition implements the boolean predicate language routing rules
// are written in. A condition is a single comparison over a dot-path into the
// request context, e.g. `tier == 'enterprise'` or `user.plan in [free, trial]`.
//
// The operator set is deliberately closed: equality, numeric comparison, set
// membership, and case-insensitive substring containment. Conditions are
// parsed once at policy load time and evaluated without side effects.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is a comparison operator in a condition.
type Operator string

const (
	OpEq        Operator = "=="
	OpNeq       Operator = "!="
	OpGt        Operator = ">"
	OpGte       Operator = ">="
	OpLt        Operator = "<"
	OpLte       Operator = "<="
	OpIn        Operator = "in"
	OpIContains Operator = "icontains"
)

// operators in match order; two-char operators before their one-char prefixes.
var operators = []Operator{OpGte, OpLte, OpEq, OpNeq, OpGt, OpLt, OpIn, OpIContains}

// Condition is a parsed, immutable predicate ready for evaluation.
type Condition struct {
	raw   string
	path  []string // dot-path into the request context
	op    Operator
	value any   // string, float64, bool for scalar ops
	list  []any // only for OpIn
}

// String returns the original condition source.
func (c *Condition) String() string {
	return c.raw
}

// Path returns the referenced context field as a dot-path.
func (c *Condition) Path() string {
	return strings.Join(c.path, ".")
}

// Op returns the condition's operator.
func (c *Condition) Op() Operator {
	return c.op
}

// Parse compiles a condition expression of the form `field OP value`.
// Examples:
//
//	tier == 'enterprise'
//	attempts >= 3
//	region in [us-east, us-west]
//	subject icontains 'refund'
func Parse(raw string) (*Condition, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty condition")
	}

	field, rest, err := splitField(s)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", raw, err)
	}

	op, valueText, err := splitOperator(rest)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", raw, err)
	}

	cond := &Condition{
		raw:  raw,
		path: strings.Split(field, "."),
		op:   op,
	}

	if op == OpIn {
		list, err := parseList(valueText)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", raw, err)
		}
		cond.list = list
		return cond, nil
	}

	value, err := parseLiteral(valueText)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", raw, err)
	}
	if op == OpIContains {
		if _, ok := value.(string); !ok {
			return nil, fmt.Errorf("condition %q: icontains requires a string literal", raw)
		}
	}
	cond.value = value
	return cond, nil
}

// MustParse is a test helper that panics on parse failure.
func MustParse(raw string) *Condition {
	cond, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return cond
}

func splitField(s string) (field, rest string, err error) {
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return "", "", fmt.Errorf("missing operator")
	}
	field = s[:idx]
	if field == "" {
		return "", "", fmt.Errorf("missing field")
	}
	return field, strings.TrimSpace(s[idx:]), nil
}

func splitOperator(s string) (Operator, string, error) {
	for _, op := range operators {
		if strings.HasPrefix(s, string(op)) {
			rest := s[len(op):]
			// Word operators need a separator so `inbox` is not read as `in box`.
			if (op == OpIn || op == OpIContains) && rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '[' {
				continue
			}
			valueText := strings.TrimSpace(rest)
			if valueText == "" {
				return "", "", fmt.Errorf("operator %q missing value", op)
			}
			return op, valueText, nil
		}
	}
	return "", "", fmt.Errorf("unknown operator in %q", s)
}

// parseLiteral interprets a scalar literal: quoted string, bool, number, or
// bare string.
func parseLiteral(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty literal")
	}

	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], nil
		}
	}

	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}

	return s, nil
}

// parseList interprets a bracketed list literal: [a, 'b', 3].
func parseList(s string) ([]any, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("in requires a [..] list, got %q", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, fmt.Errorf("empty in list")
	}

	parts := strings.Split(inner, ",")
	list := make([]any, 0, len(parts))
	for _, part := range parts {
		value, err := parseLiteral(part)
		if err != nil {
			return nil, err
		}
		list = append(list, value)
	}
	return list, nil
}
