package condition

import (
	"fmt"
	"strings"

	"rudder/internal/logging"
)

// Evaluator evaluates conditions against request context documents.
// Evaluation fails closed: a missing field or a type mismatch yields false,
// never an error that aborts routing.
type Evaluator struct {
	logger logging.Logger
}

// NewEvaluator creates an Evaluator. A nil logger disables evaluation logs.
func NewEvaluator(logger logging.Logger) *Evaluator {
	return &Evaluator{logger: logging.OrNop(logger)}
}

// Evaluate reports whether cond holds for doc. Errors are logged and treated
// as a non-match.
func (e *Evaluator) Evaluate(cond *Condition, doc map[string]any) bool {
	match, err := cond.Eval(doc)
	if err != nil {
		e.logger.Debug("condition %q evaluated false: %v", cond.String(), err)
		return false
	}
	return match
}

// Eval evaluates the condition, returning an error on missing fields or type
// mismatches. Most callers want Evaluator.Evaluate, which fails closed.
func (c *Condition) Eval(doc map[string]any) (bool, error) {
	fieldValue, ok := lookup(doc, c.path)
	if !ok {
		return false, fmt.Errorf("field %s not present", c.Path())
	}

	switch c.op {
	case OpEq:
		return equal(fieldValue, c.value)
	case OpNeq:
		eq, err := equal(fieldValue, c.value)
		if err != nil {
			return false, err
		}
		return !eq, nil
	case OpGt, OpGte, OpLt, OpLte:
		return compareNumeric(c.op, fieldValue, c.value)
	case OpIn:
		return containedIn(fieldValue, c.list)
	case OpIContains:
		return iContains(fieldValue, c.value)
	default:
		return false, fmt.Errorf("unknown operator %q", c.op)
	}
}

// lookup walks a dot-path through nested string-keyed maps.
func lookup(doc map[string]any, path []string) (any, bool) {
	var current any = doc
	for _, segment := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// asNumber coerces the numeric types a decoded context document can carry.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func equal(fieldValue, condValue any) (bool, error) {
	if fn, ok := asNumber(fieldValue); ok {
		cn, ok := asNumber(condValue)
		if !ok {
			return false, fmt.Errorf("comparing number %v against %T", fieldValue, condValue)
		}
		return fn == cn, nil
	}

	switch fv := fieldValue.(type) {
	case string:
		cv, ok := condValue.(string)
		if !ok {
			return false, fmt.Errorf("comparing string %q against %T", fv, condValue)
		}
		return fv == cv, nil
	case bool:
		cv, ok := condValue.(bool)
		if !ok {
			return false, fmt.Errorf("comparing bool against %T", condValue)
		}
		return fv == cv, nil
	default:
		return false, fmt.Errorf("unsupported field type %T", fieldValue)
	}
}

func compareNumeric(op Operator, fieldValue, condValue any) (bool, error) {
	fn, ok := asNumber(fieldValue)
	if !ok {
		return false, fmt.Errorf("%s requires a numeric field, got %T", op, fieldValue)
	}
	cn, ok := asNumber(condValue)
	if !ok {
		return false, fmt.Errorf("%s requires a numeric literal, got %T", op, condValue)
	}

	switch op {
	case OpGt:
		return fn > cn, nil
	case OpGte:
		return fn >= cn, nil
	case OpLt:
		return fn < cn, nil
	case OpLte:
		return fn <= cn, nil
	default:
		return false, fmt.Errorf("not a numeric operator: %q", op)
	}
}

func containedIn(fieldValue any, list []any) (bool, error) {
	for _, item := range list {
		eq, err := equal(fieldValue, item)
		if err != nil {
			continue // mixed-type list entries do not match, they do not fail
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

func iContains(fieldValue, condValue any) (bool, error) {
	fv, ok := fieldValue.(string)
	if !ok {
		return false, fmt.Errorf("icontains requires a string field, got %T", fieldValue)
	}
	cv, ok := condValue.(string)
	if !ok {
		return false, fmt.Errorf("icontains requires a string literal, got %T", condValue)
	}
	return strings.Contains(strings.ToLower(fv), strings.ToLower(cv)), nil
}
