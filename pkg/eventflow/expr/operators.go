package expr

import (
	"fmt"
	"strings"
)

// Compare applies a comparison operator. Numbers compare numerically,
// everything else by string form. Ordering operators on non-numbers
// compare strings lexically; a nil operand never orders.
func Compare(left, right any, op string) (bool, error) {
	switch op {
	case "==":
		return equals(left, right), nil
	case "!=":
		return !equals(left, right), nil
	case "<", ">", "<=", ">=":
		c, ok := order(left, right)
		if !ok {
			return false, nil
		}
		switch op {
		case "<":
			return c < 0, nil
		case ">":
			return c > 0, nil
		case "<=":
			return c <= 0, nil
		default:
			return c >= 0, nil
		}
	case "contains":
		return contains(left, right), nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

func equals(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	lf, lok := ToFloat64(left)
	rf, rok := ToFloat64(right)
	if lok && rok {
		return lf == rf
	}
	return toString(left) == toString(right)
}

func order(left, right any) (int, bool) {
	if left == nil || right == nil {
		return 0, false
	}
	lf, lok := ToFloat64(left)
	rf, rok := ToFloat64(right)
	if lok && rok {
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		}
		return 0, true
	}
	if lok != rok {
		return 0, false
	}
	return strings.Compare(toString(left), toString(right)), true
}

func contains(left, right any) bool {
	if left == nil || right == nil {
		return false
	}
	switch l := left.(type) {
	case []any:
		for _, item := range l {
			if equals(item, right) {
				return true
			}
		}
		return false
	case []string:
		s := toString(right)
		for _, item := range l {
			if item == s {
				return true
			}
		}
		return false
	}
	return strings.Contains(toString(left), toString(right))
}
